// Package store moves scraped database files between hosts. A store holds
// one artifact per fingerprint, so any machine can pull a cache that some
// other machine already paid to scrape.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports a fingerprint with no artifact in the store.
var ErrNotFound = errors.New("database not in store")

// Store is a remote or local repository of scraped databases keyed by
// fingerprint.
type Store interface {
	// Put uploads a database file. The operation is idempotent: a
	// fingerprint names exactly one artifact.
	Put(ctx context.Context, fingerprint string, r io.Reader, size int64) error

	// Get downloads the database for fingerprint into w.
	// Returns ErrNotFound when the store has no such artifact.
	Get(ctx context.Context, fingerprint string, w io.Writer) error

	// Exists reports whether the store holds an artifact for fingerprint.
	Exists(ctx context.Context, fingerprint string) (bool, error)
}
