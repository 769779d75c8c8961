// Package pairing looks up pairing-record blobs persisted by lockdownd.
// It is a narrow external collaborator: usbmuxd never generates or
// validates pairing records, it only reads the file another daemon wrote.
package pairing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no pairing record exists for the given id.
var ErrNotFound = errors.New("pairing: record not found")

// Store reads pairing records from the on-disk lockdownd store.
type Store struct {
	dir string
}

// DefaultDir is where lockdownd keeps its pairing records.
const DefaultDir = "/var/lib/lockdown"

// NewStore returns a Store rooted at dir. An empty dir means DefaultDir.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir}
}

// pathFor derives the on-disk file name for a pair-record id by splitting
// it at its 8th byte: "<first 8 bytes>-<remainder>.plist". This mirrors the
// reference implementation's split_at(8) exactly; it is not a hash or any
// other partition of the id.
func (s *Store) pathFor(id string) (string, error) {
	if len(id) < 8 {
		return "", fmt.Errorf("pairing: id %q shorter than 8 bytes", id)
	}
	name := id[:8] + "-" + id[8:] + ".plist"
	return filepath.Join(s.dir, name), nil
}

// Read returns the raw plist bytes for the pairing record named by id.
func (s *Store) Read(id string) ([]byte, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pairing: read %s: %w", path, err)
	}
	return data, nil
}
