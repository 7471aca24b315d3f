// Package cache persists authentication tokens and discovered device
// inventories across restarts. Stored state is plain JSON behind a
// two-method key/value interface so tests can swap in a memory store.
package cache

import (
	"crypto/md5" // #nosec G501 - md5 only opaques email addresses in filenames
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the minimal persistence interface the caches need. WriteAtomic
// must never leave a torn value behind a crash.
type Store interface {
	// Read returns the stored bytes for key, or found=false when absent.
	Read(key string) (data []byte, found bool, err error)
	// WriteAtomic replaces the value for key atomically.
	WriteAtomic(key string, data []byte) error
	// Delete removes the value for key; absent keys are not an error.
	Delete(key string) error
}

// AccountKey derives the opaque cache key for an account: the prefix plus
// the md5 of the email, so addresses never appear in filenames.
func AccountKey(prefix, email string) string {
	sum := md5.Sum([]byte(email)) // #nosec G401
	return prefix + "_" + hex.EncodeToString(sum[:])
}

// FileStore keeps one 0600 JSON file per key under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the cache directory if needed and returns a store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) Read(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key)) // #nosec G304 - key is an md5-derived name under our directory
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}
	return data, true, nil
}

// WriteAtomic writes to a temp file in the same directory and renames it
// over the target, so readers always observe a complete document.
func (s *FileStore) WriteAtomic(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set cache file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Read(key string) ([]byte, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) WriteAtomic(key string, data []byte) error {
	s.values[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	delete(s.values, key)
	return nil
}
