package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

func sampleEntries(t *testing.T) map[fingerprint.Fingerprint]*Entry {
	t.Helper()

	return map[fingerprint.Fingerprint]*Entry{
		testFingerprint(t, "a.src"): NewEntry([]byte("payload a"), []deps.DependencyInfo{
			{Path: "/src/a.src", Timestamp: 100},
			{Path: "/src/common.inc", Timestamp: -7},
		}),
		testFingerprint(t, "b.src"): NewEntry(bytes.Repeat([]byte{0xde, 0xad}, 300), []deps.DependencyInfo{
			{Path: deps.EmbeddedPrefix + "lib/b.src", Timestamp: 1 << 40},
		}),
		testFingerprint(t, "empty.src"): NewEntry([]byte{}, nil),
	}
}

func assertSameEntries(t *testing.T, want, got map[fingerprint.Fingerprint]*Entry) {
	t.Helper()

	require.Len(t, got, len(want))
	for fp, w := range want {
		g, ok := got[fp]
		require.True(t, ok, "missing %s", fp)
		assert.Equal(t, w.Payload.Bytes(), g.Payload.Bytes())
		assert.Equal(t, w.Dependencies, g.Dependencies)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "dir", "cache.bin")
			store, err := NewFileStore(path, c)
			require.NoError(t, err)

			want := sampleEntries(t)
			require.NoError(t, store.Save(want))

			// A store configured differently still reads the file.
			reader, err := NewFileStore(path, CompressionNone)
			require.NoError(t, err)

			got, err := reader.Load()
			require.NoError(t, err)
			assertSameEntries(t, want, got)
		})
	}
}

func TestFileStore_SaveRewritesFully(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	store, err := NewFileStore(path, CompressionNone)
	require.NoError(t, err)

	require.NoError(t, store.Save(sampleEntries(t)))

	smaller := map[fingerprint.Fingerprint]*Entry{
		testFingerprint(t, "only.src"): NewEntry([]byte("x"), nil),
	}
	require.NoError(t, store.Save(smaller))

	got, err := store.Load()
	require.NoError(t, err)
	assertSameEntries(t, smaller, got)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".cache-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "none.bin"), CompressionNone)
	require.NoError(t, err)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestFileStore_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	store, err := NewFileStore(path, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, store.Save(sampleEntries(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data, uint32(FormatVersion+1))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := store.Load()
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, ErrVersionMismatch))
}

func TestFileStore_TrailingBytesCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	store, err := NewFileStore(path, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, store.Save(sampleEntries(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, 0), 0o644))

	_, err = store.Load()
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestFileStore_TruncationNeverPartial(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.bin")
			store, err := NewFileStore(path, c)
			require.NoError(t, err)

			want := sampleEntries(t)
			require.NoError(t, store.Save(want))

			full, err := os.ReadFile(path)
			require.NoError(t, err)

			for n := 0; n < len(full); n++ {
				require.NoError(t, os.WriteFile(path, full[:n], 0o644))

				ix := NewIndex(nil)
				loadErr := ix.Load(store, nil)

				if loadErr == nil {
					for _, rec := range ix.Snapshot() {
						w, ok := want[rec.Fingerprint]
						require.True(t, ok, "offset %d: unknown entry", n)
						assert.Equal(t, w.Payload.Bytes(), rec.Entry.Payload.Bytes(), "offset %d", n)
						assert.Equal(t, w.Dependencies, rec.Entry.Dependencies, "offset %d", n)
					}
					continue
				}

				assert.Equal(t, 0, ix.Len(), "offset %d: partial index after %v", n, loadErr)
			}
		})
	}
}

func TestDecodeIndex_HugeLengthsRejected(t *testing.T) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(FormatVersion))
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 0xffffffff)

	_, err := decodeIndex(buf)
	assert.True(t, errors.Is(err, ErrCorrupt))

	buf = binary.LittleEndian.AppendUint32(nil, uint32(FormatVersion))
	buf = binary.LittleEndian.AppendUint32(buf, 0xffffffff)
	_, err = decodeIndex(buf)
	assert.True(t, errors.Is(err, ErrCorrupt), "negative count")
}

func TestBoltStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "cache.db")
	store := NewBoltStore(path)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, got)

	want := sampleEntries(t)
	require.NoError(t, store.Save(want))

	got, err = store.Load()
	require.NoError(t, err)
	assertSameEntries(t, want, got)

	smaller := map[fingerprint.Fingerprint]*Entry{
		testFingerprint(t, "only.src"): NewEntry([]byte("x"), nil),
	}
	require.NoError(t, store.Save(smaller))

	got, err = store.Load()
	require.NoError(t, err)
	assertSameEntries(t, smaller, got)

	require.NoError(t, store.Remove())
	require.NoError(t, store.Remove())
}

func TestIndex_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	store, err := NewFileStore(path, CompressionLZ4)
	require.NoError(t, err)

	src := NewIndex(nil)
	for fp, e := range sampleEntries(t) {
		src.Insert(fp, e)
	}
	require.NoError(t, src.Save(store))

	dst := NewIndex(nil)
	require.NoError(t, dst.Load(store, nil))

	srcRecords := src.Snapshot()
	dstRecords := dst.Snapshot()
	require.Len(t, dstRecords, len(srcRecords))

	for i := range srcRecords {
		assert.Equal(t, srcRecords[i].Fingerprint, dstRecords[i].Fingerprint)

		want, ok, _ := src.Find(srcRecords[i].Fingerprint)
		require.True(t, ok)
		got, ok, _ := dst.Find(dstRecords[i].Fingerprint)
		require.True(t, ok)
		assert.Equal(t, want.Bytes(), got.Bytes())
		assert.Equal(t, srcRecords[i].Entry.Dependencies, dstRecords[i].Entry.Dependencies)
	}
}

func TestParseOptions(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)

	b, err := ParseBackend("bolt")
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, b)

	_, err = ParseBackend("sqlite")
	assert.Error(t, err)

	_, err = OpenStore(BackendBolt, "", CompressionNone)
	assert.Error(t, err)
}
