package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	src := filepath.Join(dir, "shader.src")
	header := filepath.Join(dir, "common.h")
	writeFile(t, src, "#include \"common.h\"\nvoid main() {}\n")
	writeFile(t, header, "// shared\n")

	var out bytes.Buffer
	require.NoError(t, build(context.Background(), cfg, []string{src}, &out, discardLogger()))

	entries, err := loadEntries(cfg, discardLogger())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Stale)
	assert.Len(t, entries[0].Fingerprint, 16)
	assert.Positive(t, entries[0].Size)
	require.Len(t, entries[0].Dependencies, 2)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(header, later, later))

	entries, err = loadEntries(cfg, discardLogger())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Stale)

	s := summarize(cfg, entries)
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, 1, s.Stale)
	assert.Equal(t, 2, s.Dependencies)
	assert.Equal(t, entries[0].Size, s.PayloadBytes)
}

func TestLoadEntries_MissingCache(t *testing.T) {
	cfg := testConfig(t.TempDir())

	entries, err := loadEntries(cfg, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteEntries(t *testing.T) {
	entries := []listedEntry{
		{
			Fingerprint: "0123456789abcdef",
			Size:        42,
			Dependencies: []listedDependency{
				{Path: "/src/a.src", Timestamp: 100},
			},
		},
	}

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeEntries(&out, entries, "text"))
		assert.Contains(t, out.String(), "FINGERPRINT")
		assert.Contains(t, out.String(), "0123456789abcdef")
	})

	t.Run("yaml", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeEntries(&out, entries, "yaml"))

		var decoded []listedEntry
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
		assert.Equal(t, entries, decoded)
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeEntries(&out, entries, "json"))

		var decoded []listedEntry
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		assert.Equal(t, entries, decoded)
	})
}

func TestClearCache(t *testing.T) {
	for _, backend := range []string{"file", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig(dir)
			cfg.StoreBackend = backend

			src := filepath.Join(dir, "shader.src")
			writeFile(t, src, "void main() {}\n")

			var out bytes.Buffer
			require.NoError(t, build(context.Background(), cfg, []string{src}, &out, discardLogger()))

			_, err := os.Stat(cfg.CacheFile)
			require.NoError(t, err)

			out.Reset()
			require.NoError(t, clearCache(cfg, &out))
			assert.Contains(t, out.String(), "Removed")

			_, err = os.Stat(cfg.CacheFile)
			assert.True(t, os.IsNotExist(err))

			// Clearing twice is fine
			require.NoError(t, clearCache(cfg, &out))
		})
	}
}
