package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkgdb-go/internal/flake"
)

// DatabasePath computes the database file path for a fingerprint: one file
// per locked input under dataDir.
func DatabasePath(dataDir string, fp flake.Fingerprint) string {
	return filepath.Join(dataDir, fp.String()+".sqlite")
}

// OpenForFlake opens the database caching ref, creating it on first use.
func OpenForFlake(dataDir string, ref flake.LockedRef, rulesHash string) (*PkgDb, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := DatabasePath(dataDir, ref.Fingerprint())
	d, err := Open(path, rulesHash)
	if errors.Is(err, ErrNoSuchDatabase) {
		return Create(path, ref, rulesHash)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}
