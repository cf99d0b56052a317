package pkgdb

import "pkgdb-go/internal/attrpath"

// ScrapeTx exposes the insertion primitives available inside the transaction
// wrapping one popped target. Row ids are assigned by the database; id 0
// means "no parent".
type ScrapeTx interface {
	// AddOrGetAttrSetID upserts an attribute-set row keyed by
	// (parent, attrName) and returns its id.
	AddOrGetAttrSetID(attrName string, parent int64) (int64, error)

	// AddPackage harvests cursor's fields and upserts a package row keyed by
	// (parentID, attrName). With replace the row is updated in place,
	// otherwise an existing row wins. With checkDrv the cursor is verified to
	// be a derivation first.
	AddPackage(parentID int64, attrName string, cursor Cursor, replace, checkDrv bool) (int64, error)
}

// Database is the write surface the scrape driver needs. A single writer owns
// the connection for the duration of a scrape.
type Database interface {
	// AddOrGetAttrSetPathID upserts rows for every element of path, threading
	// the parent id left to right, and returns the terminal row's id.
	AddOrGetAttrSetPathID(path attrpath.AttrPath) (int64, error)

	// WithTx runs fn inside a single transaction, committing on nil and
	// rolling back on error.
	WithTx(fn func(tx ScrapeTx) error) error

	// SetPrefixDone updates the done flag for the attribute-set row prefixID
	// and, transitively, every descendant row.
	SetPrefixDone(prefixID int64, done bool) error

	// SetPathDone resolves path to its row id and marks the prefix done.
	SetPathDone(path attrpath.AttrPath, done bool) error
}
