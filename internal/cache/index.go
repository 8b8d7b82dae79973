package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

// StalenessChecker decides whether a recorded dependency has changed.
type StalenessChecker interface {
	IsModified(info deps.DependencyInfo) bool
}

// Stats counts index activity since creation
type Stats struct {
	Entries    int
	Hits       uint64
	Misses     uint64
	Stale      uint64
	Inserts    uint64
	Duplicates uint64
}

// Record is one index entry as seen by a snapshot
type Record struct {
	Fingerprint fingerprint.Fingerprint
	Entry       Entry
}

// Index is the in-memory fingerprint to entry map. Every access goes through a
// single mutex, and the staleness check in Find runs under it, so a caller never
// sees a hit on an entry whose dependencies have changed.
type Index struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*Entry
	checker StalenessChecker
	stats   Stats
	now     func() time.Time
}

// NewIndex creates an empty index. A nil checker never reports staleness.
func NewIndex(checker StalenessChecker) *Index {
	return &Index{
		entries: make(map[fingerprint.Fingerprint]*Entry),
		checker: checker,
		now:     time.Now,
	}
}

// Find returns the payload for fp. If the entry exists but one of its
// dependencies changed, the entry is evicted and Find reports a miss with
// stale set.
func (ix *Index) Find(fp fingerprint.Fingerprint) (payload Payload, ok bool, stale bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry, found := ix.entries[fp]
	if !found {
		ix.stats.Misses++
		return Payload{}, false, false
	}

	if ix.checker != nil {
		for _, dep := range entry.Dependencies {
			if ix.checker.IsModified(dep) {
				delete(ix.entries, fp)
				ix.stats.Misses++
				ix.stats.Stale++

				return Payload{}, false, true
			}
		}
	}

	entry.LastUsed = ix.now()
	ix.stats.Hits++

	return entry.Payload, true, false
}

// Lookup returns a copy of the entry for fp without a staleness check or a
// lastUsed bump.
func (ix *Index) Lookup(fp fingerprint.Fingerprint) (Entry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry, ok := ix.entries[fp]
	if !ok {
		return Entry{}, false
	}

	return cloneEntry(entry), true
}

// Insert adds entry under fp. If fp is already present the call is a no-op and
// returns false: the first writer wins.
func (ix *Index) Insert(fp fingerprint.Fingerprint, entry *Entry) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.entries[fp]; exists {
		ix.stats.Duplicates++
		return false
	}

	if entry.LastUsed.IsZero() {
		entry.LastUsed = ix.now()
	}

	ix.entries[fp] = entry
	ix.stats.Inserts++

	return true
}

// Evict removes fp and reports whether it was present.
func (ix *Index) Evict(fp fingerprint.Fingerprint) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.entries[fp]; !ok {
		return false
	}

	delete(ix.entries, fp)

	return true
}

// Clear drops every entry.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries = make(map[fingerprint.Fingerprint]*Entry)
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return len(ix.entries)
}

// Stats returns a snapshot of the counters.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	s := ix.stats
	s.Entries = len(ix.entries)

	return s
}

// Snapshot returns every entry ordered by fingerprint.
func (ix *Index) Snapshot() []Record {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	records := make([]Record, 0, len(ix.entries))
	for fp, entry := range ix.entries {
		records = append(records, Record{Fingerprint: fp, Entry: cloneEntry(entry)})
	}

	slices.SortFunc(records, func(a, b Record) int {
		return a.Fingerprint.Compare(b.Fingerprint)
	})

	return records
}

// Load replaces the whole index with what store holds. locked, if not nil, is
// called once the index lock is held and before the store is read, so a caller
// can release anyone waiting for the load to have started. On error the index
// is left empty: a load is never partially adopted.
func (ix *Index) Load(store Store, locked func()) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if locked != nil {
		locked()
	}

	entries, err := store.Load()
	if err != nil {
		ix.entries = make(map[fingerprint.Fingerprint]*Entry)
		return err
	}

	if entries == nil {
		entries = make(map[fingerprint.Fingerprint]*Entry)
	}

	now := ix.now()
	for _, entry := range entries {
		entry.LastUsed = now
	}

	ix.entries = entries

	return nil
}

// Save writes the whole index to store while holding the index lock.
func (ix *Index) Save(store Store) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return store.Save(ix.entries)
}

func cloneEntry(e *Entry) Entry {
	return Entry{
		Payload:      e.Payload,
		Dependencies: slices.Clone(e.Dependencies),
		LastUsed:     e.LastUsed,
	}
}
