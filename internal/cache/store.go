package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

const (
	// DefaultCacheDir is the default cache directory name
	DefaultCacheDir = ".kiln-cache"

	// DefaultCacheFile is the default cache file name inside DefaultCacheDir
	DefaultCacheFile = "cache.bin"
)

// Store persists a whole index. Load on a store that was never saved returns an
// empty map and no error.
type Store interface {
	Load() (map[fingerprint.Fingerprint]*Entry, error)
	Save(entries map[fingerprint.Fingerprint]*Entry) error
}

// FileStore keeps the index in a single file that is fully rewritten on save
type FileStore struct {
	Path        string
	Compression Compression
}

// NewFileStore creates a file store
// If path is empty, uses DefaultCacheFile under DefaultCacheDir in the current working directory
func NewFileStore(path string, compression Compression) (*FileStore, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}

		path = filepath.Join(cwd, DefaultCacheDir, DefaultCacheFile)
	}

	return &FileStore{Path: path, Compression: compression}, nil
}

// Load reads the cache file. A missing file is an empty cache.
func (s *FileStore) Load() (map[fingerprint.Fingerprint]*Entry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[fingerprint.Fingerprint]*Entry), nil
		}

		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}

	return decodeIndex(raw)
}

// Save rewrites the cache file through a temporary file and a rename, creating
// the parent directory if needed.
func (s *FileStore) Save(entries map[fingerprint.Fingerprint]*Entry) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := s.write(tmp, entries); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	return nil
}

func (s *FileStore) write(f *os.File, entries map[fingerprint.Fingerprint]*Entry) error {
	cw, err := compressWriter(f, s.Compression)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(cw)
	if err := encodeIndex(bw, entries); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return err
	}

	return cw.Close()
}

// Remove deletes the cache file. A missing file is not an error.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}

	return nil
}

// Backend selects the Store implementation
type Backend string

const (
	BackendFile Backend = "file"
	BackendBolt Backend = "bolt"
)

// ParseBackend parses a backend name. The empty string means file.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case "", BackendFile:
		return BackendFile, nil
	case BackendBolt:
		return BackendBolt, nil
	default:
		return "", fmt.Errorf("unknown store backend: %q", name)
	}
}

// Remover is implemented by stores that can delete their backing file.
type Remover interface {
	Remove() error
}

// OpenStore returns the store for backend at path.
func OpenStore(backend Backend, path string, compression Compression) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(path, compression)
	case BackendBolt:
		if path == "" {
			return nil, errors.New("bolt store requires a path")
		}

		return NewBoltStore(path), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", backend)
	}
}
