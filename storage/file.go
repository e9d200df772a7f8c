package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists each key to its own file under a directory. Filenames
// are the hex encoding of the key, so arbitrary key strings (colons, UUIDs,
// channel names) map to safe, collision-free paths.
//
// Writes go through a temp file and rename, so a crash mid-write leaves the
// previous value intact rather than a truncated file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed. The directory is created owner-only: it will hold
// private key material.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".kv")
}

// Get returns the value stored under key.
func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return string(data), true, nil
}

// Set stores value under key.
func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit key %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}
