package cache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

// fakeChecker reports a dependency as modified when its path is in changed.
type fakeChecker struct {
	mu      sync.Mutex
	changed map[string]bool
}

func (f *fakeChecker) IsModified(info deps.DependencyInfo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.changed[info.Path]
}

func (f *fakeChecker) touch(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.changed == nil {
		f.changed = make(map[string]bool)
	}

	f.changed[path] = true
}

type memStore struct {
	entries map[fingerprint.Fingerprint]*Entry
	err     error
}

func (m *memStore) Load() (map[fingerprint.Fingerprint]*Entry, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.entries, nil
}

func (m *memStore) Save(entries map[fingerprint.Fingerprint]*Entry) error {
	m.entries = make(map[fingerprint.Fingerprint]*Entry, len(entries))
	for fp, e := range entries {
		m.entries[fp] = e
	}

	return m.err
}

func testFingerprint(t *testing.T, source string) fingerprint.Fingerprint {
	t.Helper()

	b := fingerprint.NewBuilder(false)

	return b.Build(fingerprint.Source{Path: source}, "main", "v1", []fingerprint.Macro{{Name: "DEBUG", Value: "1"}}, fingerprint.Extra{})
}

func TestIndex_FindMissAndHit(t *testing.T) {
	ix := NewIndex(&fakeChecker{})
	fp := testFingerprint(t, "a.src")

	_, ok, stale := ix.Find(fp)
	assert.False(t, ok)
	assert.False(t, stale)

	require.True(t, ix.Insert(fp, NewEntry([]byte("blob"), []deps.DependencyInfo{{Path: "a.src", Timestamp: 100}})))

	payload, ok, stale := ix.Find(fp)
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, []byte("blob"), payload.Bytes())

	stats := ix.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Inserts)
	assert.Equal(t, 1, stats.Entries)
}

func TestIndex_FindEvictsStale(t *testing.T) {
	checker := &fakeChecker{}
	ix := NewIndex(checker)
	fp := testFingerprint(t, "a.src")

	ix.Insert(fp, NewEntry([]byte("blob"), []deps.DependencyInfo{
		{Path: "a.src", Timestamp: 100},
		{Path: "common.inc", Timestamp: 50},
	}))

	held, ok, _ := ix.Find(fp)
	require.True(t, ok)

	checker.touch("common.inc")

	_, ok, stale := ix.Find(fp)
	assert.False(t, ok)
	assert.True(t, stale)
	assert.Equal(t, 0, ix.Len())
	assert.Equal(t, uint64(1), ix.Stats().Stale)

	assert.Equal(t, []byte("blob"), held.Bytes(), "handed-out payload survives eviction")
}

func TestIndex_InsertFirstWriterWins(t *testing.T) {
	ix := NewIndex(nil)
	fp := testFingerprint(t, "a.src")

	assert.True(t, ix.Insert(fp, NewEntry([]byte("first"), nil)))
	assert.False(t, ix.Insert(fp, NewEntry([]byte("second"), nil)))

	payload, ok, _ := ix.Find(fp)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), payload.Bytes())
	assert.Equal(t, uint64(1), ix.Stats().Duplicates)
}

func TestIndex_ConcurrentInsertSameFingerprint(t *testing.T) {
	ix := NewIndex(nil)
	fp := testFingerprint(t, "a.src")

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if ix.Insert(fp, NewEntry([]byte("same"), nil)) {
				mu.Lock()
				wins++
				mu.Unlock()
			}

			_, _, _ = ix.Find(fp)
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, ix.Len())
}

func TestIndex_EvictClearLookup(t *testing.T) {
	ix := NewIndex(nil)
	a := testFingerprint(t, "a.src")
	b := testFingerprint(t, "b.src")

	ix.Insert(a, NewEntry([]byte("a"), []deps.DependencyInfo{{Path: "a.src", Timestamp: 1}}))
	ix.Insert(b, NewEntry([]byte("b"), nil))

	entry, ok := ix.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, []deps.DependencyInfo{{Path: "a.src", Timestamp: 1}}, entry.Dependencies)

	assert.True(t, ix.Evict(a))
	assert.False(t, ix.Evict(a))
	assert.Equal(t, 1, ix.Len())

	ix.Clear()
	assert.Equal(t, 0, ix.Len())
}

func TestIndex_SnapshotIsOrdered(t *testing.T) {
	ix := NewIndex(nil)
	for _, src := range []string{"c.src", "a.src", "b.src"} {
		ix.Insert(testFingerprint(t, src), NewEntry([]byte(src), nil))
	}

	records := ix.Snapshot()
	require.Len(t, records, 3)

	for i := 1; i < len(records); i++ {
		assert.Negative(t, records[i-1].Fingerprint.Compare(records[i].Fingerprint))
	}
}

func TestIndex_LoadReplacesWholesale(t *testing.T) {
	ix := NewIndex(nil)
	old := testFingerprint(t, "old.src")
	ix.Insert(old, NewEntry([]byte("old"), nil))

	loaded := testFingerprint(t, "new.src")
	store := &memStore{entries: map[fingerprint.Fingerprint]*Entry{
		loaded: NewEntry([]byte("new"), nil),
	}}

	calls := 0
	require.NoError(t, ix.Load(store, func() { calls++ }))
	assert.Equal(t, 1, calls)

	_, ok := ix.Lookup(old)
	assert.False(t, ok)

	entry, ok := ix.Lookup(loaded)
	require.True(t, ok)
	assert.False(t, entry.LastUsed.IsZero())
}

func TestIndex_LoadErrorLeavesEmpty(t *testing.T) {
	ix := NewIndex(nil)
	ix.Insert(testFingerprint(t, "a.src"), NewEntry([]byte("a"), nil))

	err := ix.Load(&memStore{err: ErrCorrupt}, nil)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.Equal(t, 0, ix.Len())
}

func TestIndex_Save(t *testing.T) {
	ix := NewIndex(nil)
	fp := testFingerprint(t, "a.src")
	ix.Insert(fp, NewEntry([]byte("a"), nil))

	store := &memStore{}
	require.NoError(t, ix.Save(store))
	assert.Len(t, store.entries, 1)
	assert.Contains(t, store.entries, fp)
}

func TestPayload(t *testing.T) {
	src := []byte("abc")
	p := NewPayload(src)
	src[0] = 'x'

	assert.Equal(t, []byte("abc"), p.Bytes())
	assert.Equal(t, 3, p.Len())
	assert.False(t, p.IsZero())
	assert.True(t, Payload{}.IsZero())
	assert.False(t, NewPayload(nil).IsZero())
}
