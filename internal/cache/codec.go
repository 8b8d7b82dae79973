package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

const (
	// FormatVersion is written at the head of every cache file. A file with any
	// other version is discarded as a whole.
	FormatVersion int32 = 3

	// terminatorMagic closes a complete file ("KILN" little-endian).
	terminatorMagic uint32 = 0x4e4c494b
)

var (
	// ErrVersionMismatch reports a cache file written by another format version.
	ErrVersionMismatch = errors.New("cache format version mismatch")

	// ErrCorrupt reports a truncated or garbled cache file.
	ErrCorrupt = errors.New("cache data corrupt")
)

// encodeIndex writes the whole cache layout:
//
//	[version i32][count i32]{[fingerprint][entry]}*[terminator u32]
//
// Entries are written in fingerprint order so equal indexes produce equal files.
func encodeIndex(w io.Writer, entries map[fingerprint.Fingerprint]*Entry) error {
	keys := make([]fingerprint.Fingerprint, 0, len(entries))
	for fp := range entries {
		keys = append(keys, fp)
	}

	slices.SortFunc(keys, fingerprint.Fingerprint.Compare)

	if len(keys) > math.MaxInt32 {
		return fmt.Errorf("too many cache entries: %d", len(keys))
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(FormatVersion))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	if _, err := w.Write(buf); err != nil {
		return err
	}

	for _, fp := range keys {
		buf = appendBytes(buf[:0], fp.Bytes())
		buf = appendEntry(buf, entries[fp])
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}

	_, err := w.Write(binary.LittleEndian.AppendUint32(buf[:0], terminatorMagic))

	return err
}

// decodeIndex parses a complete cache layout. Any failure discards everything
// that was read so far.
func decodeIndex(data []byte) (map[fingerprint.Fingerprint]*Entry, error) {
	r := &reader{buf: data}

	version := r.int32()
	if r.err != nil {
		return nil, r.err
	}

	if version != FormatVersion {
		return nil, fmt.Errorf("%w: file has %d, want %d", ErrVersionMismatch, version, FormatVersion)
	}

	count := r.int32()
	if r.err == nil && count < 0 {
		r.fail("negative entry count %d", count)
	}

	entries := make(map[fingerprint.Fingerprint]*Entry)
	for i := int32(0); r.err == nil && i < count; i++ {
		fp := fingerprint.FromBytes(r.bytes())
		entry := r.entry()
		if r.err != nil {
			break
		}

		if _, dup := entries[fp]; dup {
			r.fail("duplicate fingerprint %s", fp)
			break
		}

		entries[fp] = entry
	}

	if r.err == nil {
		if term := r.uint32(); r.err == nil && term != terminatorMagic {
			r.fail("bad terminator %#x", term)
		}
	}

	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}

	if r.err != nil {
		return nil, r.err
	}

	return entries, nil
}

// encodeEntry serializes one entry: dependency list then payload.
func encodeEntry(e *Entry) []byte {
	return appendEntry(nil, e)
}

// decodeEntry parses exactly one encoded entry.
func decodeEntry(data []byte) (*Entry, error) {
	r := &reader{buf: data}

	entry := r.entry()
	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}

	if r.err != nil {
		return nil, r.err
	}

	return entry, nil
}

func appendEntry(buf []byte, e *Entry) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Dependencies)))
	for _, dep := range e.Dependencies {
		buf = appendBytes(buf, []byte(dep.Path))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(dep.Timestamp))
	}

	return appendBytes(buf, e.Payload.Bytes())
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader is a bounds-checked cursor. The first failure sticks; later reads
// return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrCorrupt, fmt.Sprintf(format, args...), r.off)
	}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || n > r.remaining() {
		r.fail("need %d bytes, have %d", n, r.remaining())
		return nil
	}

	b := r.buf[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *reader) int32() int32 {
	return int32(r.uint32())
}

func (r *reader) int64() int64 {
	b := r.next(8)
	if b == nil {
		return 0
	}

	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}

	return bytes.Clone(r.next(int(n)))
}

func (r *reader) entry() *Entry {
	count := r.uint32()
	if r.err != nil {
		return nil
	}

	// Each dependency needs at least 12 bytes; reject counts the data cannot hold.
	if uint64(count)*12 > uint64(r.remaining()) {
		r.fail("dependency count %d exceeds data", count)
		return nil
	}

	var dependencies []deps.DependencyInfo
	if count > 0 {
		dependencies = make([]deps.DependencyInfo, 0, count)
	}

	for i := uint32(0); i < count && r.err == nil; i++ {
		path := r.bytes()
		stamp := r.int64()
		dependencies = append(dependencies, deps.DependencyInfo{Path: string(path), Timestamp: stamp})
	}

	payload := r.bytes()
	if r.err != nil {
		return nil
	}

	if payload == nil {
		payload = []byte{}
	}

	return &Entry{Payload: Payload{data: payload}, Dependencies: dependencies}
}
