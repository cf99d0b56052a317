package testutil

import (
	"testing"

	"pkgdb-go/internal/database"
)

// NewTestDatabase creates a new in-memory package database with schema
// applied. The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) *database.PkgDb {
	t.Helper()

	conn, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	db, err := database.NewFromDB(conn, "test-rules-hash")
	if err != nil {
		conn.Close()
		t.Fatalf("failed to initialise schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
