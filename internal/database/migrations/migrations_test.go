package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

func TestMigrateUp(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	// Running again must be a no-op.
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() second run error = %v", err)
	}

	// All core tables must exist.
	for _, table := range []string{"AttrSets", "Descriptions", "Packages", "DbVersions", "LockedFlake", "ScrapeRuns"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestLatestVersion(t *testing.T) {
	version, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if version < 1 {
		t.Errorf("LatestVersion() = %d, want at least 1", version)
	}
}
