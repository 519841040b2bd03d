package locking

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

// Flock is a Group implementation backed by advisory file locks, one lock
// file per key inside dir. Unlike MemLock it also excludes other processes
// sharing the same directory.
type Flock struct {
	dir string
}

// NewFlock creates dir if needed and returns a Flock group rooted there.
func NewFlock(dir string) (*Flock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	return &Flock{dir: absDir}, nil
}

func (f *Flock) Do(key string, fn func() error) error {
	lock := flock.New(f.lockPath(key))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock for %q: %w", key, err)
	}
	defer lock.Unlock()
	return fn()
}

// lockPath hashes the key so arbitrary strings map to safe file names.
func (f *Flock) lockPath(key string) string {
	return filepath.Join(f.dir, digest.FromString(key).Encoded()+".lock")
}
