package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

const (
	// bucketName is the BoltDB bucket name for cache entries
	bucketName = "entries"

	// metaBucketName holds the format version
	metaBucketName = "meta"

	versionKey = "version"
)

// BoltStore keeps the index in a BoltDB file, one key per fingerprint. The
// database is opened only for the duration of a Load or Save.
type BoltStore struct {
	Path string
}

// NewBoltStore creates a BoltDB-backed store
func NewBoltStore(path string) *BoltStore {
	return &BoltStore{Path: path}
}

func (s *BoltStore) open() (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bbolt.Open(s.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	return db, nil
}

// Load reads every entry. A missing database is an empty cache.
func (s *BoltStore) Load() (map[fingerprint.Fingerprint]*Entry, error) {
	if _, err := os.Stat(s.Path); errors.Is(err, fs.ErrNotExist) {
		return make(map[fingerprint.Fingerprint]*Entry), nil
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	entries := make(map[fingerprint.Fingerprint]*Entry)
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucketName))
		b := tx.Bucket([]byte(bucketName))
		if meta == nil || b == nil {
			return nil // Never saved
		}

		v := meta.Get([]byte(versionKey))
		if len(v) != 4 {
			return fmt.Errorf("%w: missing version", ErrCorrupt)
		}

		if version := int32(binary.LittleEndian.Uint32(v)); version != FormatVersion {
			return fmt.Errorf("%w: database has %d, want %d", ErrVersionMismatch, version, FormatVersion)
		}

		return b.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}

			entries[fingerprint.FromBytes(k)] = entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Save replaces the database contents with entries.
func (s *BoltStore) Save(entries map[fingerprint.Fingerprint]*Entry) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketName, metaBucketName} {
			if tx.Bucket([]byte(name)) != nil {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return err
				}
			}
		}

		meta, err := tx.CreateBucket([]byte(metaBucketName))
		if err != nil {
			return err
		}

		if err := meta.Put([]byte(versionKey), binary.LittleEndian.AppendUint32(nil, uint32(FormatVersion))); err != nil {
			return err
		}

		b, err := tx.CreateBucket([]byte(bucketName))
		if err != nil {
			return err
		}

		for fp, entry := range entries {
			if err := b.Put(fp.Bytes(), encodeEntry(entry)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entries: %w", err)
	}

	return nil
}

// Remove deletes the database file. A missing file is not an error.
func (s *BoltStore) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache database: %w", err)
	}

	return nil
}
