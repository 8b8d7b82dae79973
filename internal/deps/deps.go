// Package deps records the files that took part in a compile and decides
// whether a cached result built from them is still current.
//
// Files are resolved first against an ordered list of search paths on the real
// filesystem and then against an optional embedded-resource store. Filesystem
// dependencies are stamped with their modification time. Embedded dependencies
// are stamped with the store's modification time, or with a content digest when
// the store does not carry one (embed.FS never does).
package deps

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// EmbeddedPrefix marks a dependency that was found in the embedded store.
const EmbeddedPrefix = "embedded:"

// ErrNotFound is returned when a file exists in neither the search paths nor the
// embedded store.
var ErrNotFound = errors.New("dependency not found")

// DependencyInfo identifies one input file of a compile and the stamp it had
// when the compile ran.
type DependencyInfo struct {
	Path      string
	Timestamp int64
}

// IsEmbedded reports whether the dependency lives in the embedded store.
func (d DependencyInfo) IsEmbedded() bool {
	return strings.HasPrefix(d.Path, EmbeddedPrefix)
}

// FileSystem is the file capability the tracker needs.
type FileSystem interface {
	Stat(name string) (time.Time, error)
	ReadFile(name string) ([]byte, error)
}

// OSFileSystem is the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Stat(name string) (time.Time, error) {
	info, err := os.Stat(name)
	if err != nil {
		return time.Time{}, err
	}

	if info.IsDir() {
		return time.Time{}, fmt.Errorf("%s is a directory", name)
	}

	return info.ModTime(), nil
}

func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// Options configures a Tracker.
type Options struct {
	// SearchPaths are tried in order; the first match wins.
	SearchPaths []string

	// Embedded is consulted after the search paths. May be nil.
	Embedded fs.FS

	// FileSystem defaults to OSFileSystem.
	FileSystem FileSystem

	// Strict treats a dependency that can no longer be found as modified,
	// forcing a rebuild. When false the cached result keeps being used.
	Strict bool

	Logger *slog.Logger
}

// Tracker resolves dependencies and checks them for staleness. It holds no
// mutable state and is safe for concurrent use.
type Tracker struct {
	searchPaths []string
	embedded    fs.FS
	fsys        FileSystem
	strict      bool
	logger      *slog.Logger
}

// NewTracker creates a Tracker from opts.
func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		searchPaths: append([]string(nil), opts.SearchPaths...),
		embedded:    opts.Embedded,
		fsys:        opts.FileSystem,
		strict:      opts.Strict,
		logger:      opts.Logger,
	}

	if t.fsys == nil {
		t.fsys = OSFileSystem{}
	}

	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}

	return t
}

// Strict reports the missing-dependency policy.
func (t *Tracker) Strict() bool {
	return t.strict
}

// Record resolves requested and returns its dependency record.
func (t *Tracker) Record(requested string) (DependencyInfo, error) {
	info, _, err := t.resolve(requested, false)
	return info, err
}

// Resolve resolves requested and returns its dependency record together with
// its contents. This is what an include callback uses.
func (t *Tracker) Resolve(requested string) (DependencyInfo, []byte, error) {
	return t.resolve(requested, true)
}

func (t *Tracker) resolve(requested string, read bool) (DependencyInfo, []byte, error) {
	if strings.HasPrefix(requested, EmbeddedPrefix) {
		return t.resolveEmbedded(requested, strings.TrimPrefix(requested, EmbeddedPrefix), read)
	}

	for _, candidate := range t.candidates(requested) {
		mod, err := t.fsys.Stat(candidate)
		if err != nil {
			continue
		}

		info := DependencyInfo{Path: candidate, Timestamp: mod.UnixNano()}
		if !read {
			return info, nil, nil
		}

		data, err := t.fsys.ReadFile(candidate)
		if err != nil {
			return DependencyInfo{}, nil, fmt.Errorf("failed to read %s: %w", candidate, err)
		}

		return info, data, nil
	}

	return t.resolveEmbedded(requested, requested, read)
}

func (t *Tracker) resolveEmbedded(requested, name string, read bool) (DependencyInfo, []byte, error) {
	name, ok := embeddedName(name)
	if ok && t.embedded != nil {
		if data, err := fs.ReadFile(t.embedded, name); err == nil {
			info := DependencyInfo{Path: EmbeddedPrefix + name, Timestamp: t.embeddedStamp(name, data)}
			if !read {
				data = nil
			}

			return info, data, nil
		}
	}

	return DependencyInfo{}, nil, fmt.Errorf("%w: %s", ErrNotFound, requested)
}

// candidates lists the filesystem paths tried for requested, in order.
func (t *Tracker) candidates(requested string) []string {
	if filepath.IsAbs(requested) || len(t.searchPaths) == 0 {
		return []string{filepath.Clean(requested)}
	}

	out := make([]string, 0, len(t.searchPaths))
	for _, dir := range t.searchPaths {
		out = append(out, filepath.Join(dir, requested))
	}

	return out
}

// IsModified reports whether info no longer describes the file it names. A file
// that cannot be found at all is handled by the missing-dependency policy.
func (t *Tracker) IsModified(info DependencyInfo) bool {
	if info.IsEmbedded() {
		name := strings.TrimPrefix(info.Path, EmbeddedPrefix)

		// Now shadowed by a real file: a different input than the one compiled.
		for _, candidate := range t.candidates(name) {
			if _, err := t.fsys.Stat(candidate); err == nil {
				return true
			}
		}

		if stamp, ok := t.lookupEmbedded(name); ok {
			return stamp != info.Timestamp
		}

		return t.missing(info)
	}

	if mod, err := t.fsys.Stat(info.Path); err == nil {
		if t.shadowed(info.Path) {
			return true
		}

		return mod.UnixNano() != info.Timestamp
	}

	if name, ok := t.relativeName(info.Path); ok {
		if stamp, ok := t.lookupEmbedded(name); ok {
			return stamp != info.Timestamp
		}
	}

	return t.missing(info)
}

func (t *Tracker) missing(info DependencyInfo) bool {
	t.logger.Debug("dependency missing during staleness check",
		"path", info.Path,
		"strict", t.strict,
	)

	return t.strict
}

func (t *Tracker) lookupEmbedded(name string) (int64, bool) {
	name, ok := embeddedName(name)
	if !ok || t.embedded == nil {
		return 0, false
	}

	if st, err := fs.Stat(t.embedded, name); err == nil && !st.ModTime().IsZero() {
		return st.ModTime().UnixNano(), true
	}

	data, err := fs.ReadFile(t.embedded, name)
	if err != nil {
		return 0, false
	}

	return contentStamp(data), true
}

func (t *Tracker) embeddedStamp(name string, data []byte) int64 {
	if st, err := fs.Stat(t.embedded, name); err == nil && !st.ModTime().IsZero() {
		return st.ModTime().UnixNano()
	}

	return contentStamp(data)
}

// shadowed reports whether p, found under a search path, would no longer be the
// file a fresh resolution picks because an earlier search path now has one with
// the same relative name.
func (t *Tracker) shadowed(p string) bool {
	names := t.relativeNames(p)
	if len(names) == 0 {
		return false
	}

	for _, name := range names {
		for _, candidate := range t.candidates(name) {
			if _, err := t.fsys.Stat(candidate); err == nil {
				if candidate == p {
					return false
				}

				break
			}
		}
	}

	t.logger.Debug("dependency shadowed by an earlier search path", "path", p)

	return true
}

// relativeNames lists the names p has relative to each search path containing it.
func (t *Tracker) relativeNames(p string) []string {
	var names []string

	for _, dir := range t.searchPaths {
		if rel, ok := relativeTo(dir, p); ok {
			names = append(names, rel)
		}
	}

	return names
}

// relativeName maps an absolute filesystem dependency back to the name it would
// have in the embedded store, by stripping the search path it was found under.
func (t *Tracker) relativeName(p string) (string, bool) {
	for _, dir := range t.searchPaths {
		if rel, ok := relativeTo(dir, p); ok {
			return rel, true
		}
	}

	return "", false
}

func relativeTo(dir, p string) (string, bool) {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return rel, true
}

func embeddedName(name string) (string, bool) {
	name = strings.TrimPrefix(path.Clean(filepath.ToSlash(name)), "/")
	return name, fs.ValidPath(name)
}

func contentStamp(data []byte) int64 {
	sum := blake3.Sum256(data)
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}
