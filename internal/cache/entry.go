package cache

import (
	"time"

	"github.com/Norgate-AV/kiln/internal/deps"
)

// Payload is an immutable compiled blob. Copies share the same backing array,
// so a Payload stays valid after the entry it came from is evicted.
type Payload struct {
	data []byte
}

// NewPayload copies b into a new Payload.
func NewPayload(b []byte) Payload {
	data := make([]byte, len(b))
	copy(data, b)

	return Payload{data: data}
}

// Bytes returns the payload contents. The slice is shared and must not be modified.
func (p Payload) Bytes() []byte {
	return p.data
}

// Len returns the payload size in bytes.
func (p Payload) Len() int {
	return len(p.data)
}

// IsZero reports whether p holds no payload at all (as opposed to an empty one).
func (p Payload) IsZero() bool {
	return p.data == nil
}

// Entry is a cached compile result
type Entry struct {
	// Payload is the compiled output
	Payload Payload

	// Dependencies lists every file read by the compile; the first is the root source
	Dependencies []deps.DependencyInfo

	// LastUsed is bumped on every hit; not persisted
	LastUsed time.Time
}

// NewEntry creates an entry from compiler output and the dependencies it recorded
func NewEntry(payload []byte, dependencies []deps.DependencyInfo) *Entry {
	return &Entry{
		Payload:      NewPayload(payload),
		Dependencies: append([]deps.DependencyInfo(nil), dependencies...),
	}
}
