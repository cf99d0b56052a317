package database

import (
	"errors"
	"fmt"
)

// ErrNoSuchDatabase reports an open of a database file that does not exist.
var ErrNoSuchDatabase = errors.New("no such database")

// SchemaMismatchError reports a database whose table schema version is
// incompatible with this binary. Tables are never migrated destructively;
// the caller decides how to proceed.
type SchemaMismatchError struct {
	Stored  string
	Current string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("database schema version %s is incompatible with this binary (want %s)",
		e.Stored, e.Current)
}

// NotADerivationError reports AddPackage being asked to verify a cursor that
// is not a derivation.
type NotADerivationError struct {
	AttrName string
}

func (e *NotADerivationError) Error() string {
	return fmt.Sprintf("attribute `%s' is not a derivation", e.AttrName)
}
