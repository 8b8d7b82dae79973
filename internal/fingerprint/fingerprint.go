// Package fingerprint builds the composite cache key for one compile request.
//
// A Fingerprint is the deterministic serialization of everything that can
// change the output of a compile: the macro set, the target profile, the entry
// point, the normalized source identity and any toolchain-specific extras.
// Equality and ordering are plain byte comparison of that serialization, so two
// requests that differ only in macro order are different keys unless the
// Builder is told to sort macros.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// InlinePrefix marks a source identity that refers to in-memory code rather than a file.
const InlinePrefix = "inline:"

// Macro is a single preprocessor definition passed to the toolchain.
type Macro struct {
	Name  string
	Value string
}

func (m Macro) String() string {
	if m.Value == "" {
		return m.Name
	}

	return m.Name + "=" + m.Value
}

// Source identifies the root input of a compile. Exactly one of Path or Code is
// expected to be set; Code wins if both are.
type Source struct {
	Path string
	Code []byte
}

// IsInline reports whether the source is in-memory code.
func (s Source) IsInline() bool {
	return s.Code != nil
}

// Identity returns the normalized source identity used in the key.
func (s Source) Identity() string {
	if s.IsInline() {
		sum := blake3.Sum256(s.Code)
		return InlinePrefix + hex.EncodeToString(sum[:])
	}

	return NormalizePath(s.Path)
}

// NormalizePath lower-cases and cleans a file path so that equivalent spellings
// of the same file produce the same identity.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}

	return strings.ToLower(path.Clean(filepath.ToSlash(p)))
}

// Fingerprint is an immutable, comparable cache key. The zero value is valid and
// distinct from every built key.
type Fingerprint struct {
	key string
}

// FromBytes reconstructs a Fingerprint from its serialized form.
func FromBytes(b []byte) Fingerprint {
	return Fingerprint{key: string(b)}
}

// Bytes returns the serialized form of the fingerprint.
func (f Fingerprint) Bytes() []byte {
	return []byte(f.key)
}

// Len returns the size of the serialized form.
func (f Fingerprint) Len() int {
	return len(f.key)
}

// Compare orders fingerprints by their serialized bytes.
func (f Fingerprint) Compare(other Fingerprint) int {
	return strings.Compare(f.key, other.key)
}

// Digest returns a short hex digest of the key, suitable for logs and listings.
func (f Fingerprint) Digest() string {
	sum := blake3.Sum256([]byte(f.key))
	return hex.EncodeToString(sum[:8])
}

func (f Fingerprint) String() string {
	return f.Digest()
}

// extraEncoder uses CBOR Core Deterministic Encoding so that equal values
// always produce equal key bytes.
var extraEncoder cbor.EncMode

func init() {
	var err error

	extraEncoder, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fingerprint: CBOR encoder initialization failed: " + err.Error())
	}
}

// Extra is toolchain-specific key material in its encoded form. The zero value
// means no extra.
type Extra struct {
	data string
}

// EncodeExtra encodes v for use in a fingerprint. A nil v gives the zero Extra.
// This is the only step that can reject an input, so callers run it when they
// set up a request rather than on every lookup.
func EncodeExtra(v any) (Extra, error) {
	if v == nil {
		return Extra{}, nil
	}

	data, err := extraEncoder.Marshal(v)
	if err != nil {
		return Extra{}, fmt.Errorf("failed to encode fingerprint extra: %w", err)
	}

	return Extra{data: string(data)}, nil
}

// IsZero reports whether e carries no key material.
func (e Extra) IsZero() bool {
	return e.data == ""
}

// Builder serializes build inputs into a Fingerprint. The zero value is usable.
type Builder struct {
	// SortMacros orders macros by name then value before serialization.
	// Off by default: macro order is part of the key.
	SortMacros bool
}

func NewBuilder(sortMacros bool) *Builder {
	return &Builder{SortMacros: sortMacros}
}

// Build serializes the inputs.
func (b *Builder) Build(src Source, entryPoint, profile string, macros []Macro, extra Extra) Fingerprint {
	if b.SortMacros {
		macros = slices.Clone(macros)
		slices.SortStableFunc(macros, func(x, y Macro) int {
			if c := strings.Compare(x.Name, y.Name); c != 0 {
				return c
			}

			return strings.Compare(x.Value, y.Value)
		})
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(macros)))
	for _, m := range macros {
		buf = appendString(buf, m.Name)
		buf = appendString(buf, m.Value)
	}

	buf = appendString(buf, profile)
	buf = appendString(buf, entryPoint)
	buf = appendString(buf, src.Identity())
	buf = appendString(buf, extra.data)

	return Fingerprint{key: string(buf)}
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
