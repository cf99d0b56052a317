package database

import (
	"errors"
	"testing"
	"time"

	"pkgdb-go/internal/attrpath"
	"pkgdb-go/internal/evaljson"
	"pkgdb-go/internal/pkgdb"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *PkgDb {
	t.Helper()

	conn, err := OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	db, err := NewFromDB(conn, "cafe")
	if err != nil {
		conn.Close()
		t.Fatalf("failed to initialise schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// drvCursor parses a JSON derivation node into a cursor.
func drvCursor(t *testing.T, doc string) pkgdb.Cursor {
	t.Helper()
	cur, err := evaljson.Parse([]byte(doc), nil)
	if err != nil {
		t.Fatalf("failed to parse cursor doc: %v", err)
	}
	return cur
}

func TestAddOrGetAttrSetID(t *testing.T) {
	t.Run("returns the same id for repeated calls", func(t *testing.T) {
		db := newTestDB(t)

		first, err := db.AddOrGetAttrSetID("packages", 0)
		if err != nil {
			t.Fatalf("AddOrGetAttrSetID() error = %v", err)
		}
		second, err := db.AddOrGetAttrSetID("packages", 0)
		if err != nil {
			t.Fatalf("AddOrGetAttrSetID() error = %v", err)
		}
		if first != second {
			t.Errorf("ids differ: %d vs %d", first, second)
		}
		if first == 0 {
			t.Error("id 0 is reserved for no-parent")
		}
	})

	t.Run("same name under different parents gets different rows", func(t *testing.T) {
		db := newTestDB(t)

		parentA, _ := db.AddOrGetAttrSetID("packages", 0)
		parentB, _ := db.AddOrGetAttrSetID("legacyPackages", 0)

		childA, err := db.AddOrGetAttrSetID("x86_64-linux", parentA)
		if err != nil {
			t.Fatalf("AddOrGetAttrSetID() error = %v", err)
		}
		childB, err := db.AddOrGetAttrSetID("x86_64-linux", parentB)
		if err != nil {
			t.Fatalf("AddOrGetAttrSetID() error = %v", err)
		}
		if childA == childB {
			t.Error("children under different parents share a row")
		}
	})
}

func TestAddOrGetAttrSetPathID(t *testing.T) {
	db := newTestDB(t)

	path := attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs"}
	id, err := db.AddOrGetAttrSetPathID(path)
	if err != nil {
		t.Fatalf("AddOrGetAttrSetPathID() error = %v", err)
	}

	// Folding one step at a time must land on the same row.
	var step int64
	for _, name := range path {
		step, err = db.AddOrGetAttrSetID(name, step)
		if err != nil {
			t.Fatalf("AddOrGetAttrSetID() error = %v", err)
		}
	}
	if id != step {
		t.Errorf("path id = %d, stepwise id = %d", id, step)
	}

	// The empty path is the virtual root.
	rootID, err := db.AddOrGetAttrSetPathID(nil)
	if err != nil {
		t.Fatalf("AddOrGetAttrSetPathID(nil) error = %v", err)
	}
	if rootID != 0 {
		t.Errorf("empty path id = %d, want 0", rootID)
	}
}

func TestAddOrGetDescriptionID(t *testing.T) {
	db := newTestDB(t)

	first, err := db.AddOrGetDescriptionID("A friendly greeter")
	if err != nil {
		t.Fatalf("AddOrGetDescriptionID() error = %v", err)
	}
	second, err := db.AddOrGetDescriptionID("A friendly greeter")
	if err != nil {
		t.Fatalf("AddOrGetDescriptionID() error = %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %d vs %d", first, second)
	}

	other, err := db.AddOrGetDescriptionID("Something else")
	if err != nil {
		t.Fatalf("AddOrGetDescriptionID() error = %v", err)
	}
	if other == first {
		t.Error("distinct descriptions share a row")
	}
}

const helloDrv = `{
	"__type": "derivation",
	"name": "hello-2.12.1",
	"pname": "hello",
	"version": "2.12.1",
	"license": "GPL-3.0-or-later",
	"broken": false,
	"unfree": false,
	"description": "A friendly greeter",
	"outputs": ["out"],
	"outputsToInstall": ["out"],
	"system": "x86_64-linux",
	"position": "pkgs/hello/default.nix:42"
}`

func TestAddPackage(t *testing.T) {
	t.Run("stores harvested fields", func(t *testing.T) {
		db := newTestDB(t)
		parent, _ := db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux"})

		id, err := db.AddPackage(parent, "hello", drvCursor(t, helloDrv), false, true)
		if err != nil {
			t.Fatalf("AddPackage() error = %v", err)
		}
		if id == 0 {
			t.Fatal("AddPackage() returned id 0")
		}

		pkgs, err := db.ListPackages(10)
		if err != nil {
			t.Fatalf("ListPackages() error = %v", err)
		}
		if len(pkgs) != 1 {
			t.Fatalf("ListPackages() returned %d rows, want 1", len(pkgs))
		}
		p := pkgs[0]
		if p.AttrPath != "packages.x86_64-linux.hello" {
			t.Errorf("AttrPath = %q", p.AttrPath)
		}
		if p.Name != "hello-2.12.1" {
			t.Errorf("Name = %q", p.Name)
		}
		if p.Pname == nil || *p.Pname != "hello" {
			t.Errorf("Pname = %v", p.Pname)
		}
		if p.Semver == nil || *p.Semver != "2.12.1" {
			t.Errorf("Semver = %v, want derived from version", p.Semver)
		}
		if p.License == nil || *p.License != `["GPL-3.0-or-later"]` {
			t.Errorf("License = %v", p.License)
		}
		if p.Description == nil || *p.Description != "A friendly greeter" {
			t.Errorf("Description = %v", p.Description)
		}
		if p.Broken == nil || *p.Broken {
			t.Errorf("Broken = %v", p.Broken)
		}
	})

	t.Run("conflicting insert is ignored without replace", func(t *testing.T) {
		db := newTestDB(t)
		parent, _ := db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux"})

		first, err := db.AddPackage(parent, "hello", drvCursor(t, helloDrv), false, false)
		if err != nil {
			t.Fatalf("AddPackage() error = %v", err)
		}

		updated := drvCursor(t, `{"__type": "derivation", "name": "hello-2.13.0", "version": "2.13.0"}`)
		second, err := db.AddPackage(parent, "hello", updated, false, false)
		if err != nil {
			t.Fatalf("AddPackage() error = %v", err)
		}
		if first != second {
			t.Errorf("ids differ: %d vs %d", first, second)
		}

		pkgs, _ := db.ListPackages(10)
		if pkgs[0].Name != "hello-2.12.1" {
			t.Errorf("Name = %q, want original row preserved", pkgs[0].Name)
		}
	})

	t.Run("replace updates in place", func(t *testing.T) {
		db := newTestDB(t)
		parent, _ := db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux"})

		first, _ := db.AddPackage(parent, "hello", drvCursor(t, helloDrv), false, false)

		updated := drvCursor(t, `{"__type": "derivation", "name": "hello-2.13.0", "version": "2.13.0"}`)
		second, err := db.AddPackage(parent, "hello", updated, true, false)
		if err != nil {
			t.Fatalf("AddPackage() error = %v", err)
		}
		if first != second {
			t.Errorf("ids differ: %d vs %d", first, second)
		}

		pkgs, _ := db.ListPackages(10)
		if pkgs[0].Name != "hello-2.13.0" {
			t.Errorf("Name = %q, want replaced row", pkgs[0].Name)
		}
	})

	t.Run("checkDrv rejects non-derivations", func(t *testing.T) {
		db := newTestDB(t)
		parent, _ := db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux"})

		_, err := db.AddPackage(parent, "notdrv", drvCursor(t, `{"foo": {}}`), false, true)
		var notDrv *NotADerivationError
		if !errors.As(err, &notDrv) {
			t.Fatalf("AddPackage() error = %v, want NotADerivationError", err)
		}
		if notDrv.AttrName != "notdrv" {
			t.Errorf("AttrName = %q", notDrv.AttrName)
		}
	})
}

func TestSetPrefixDone(t *testing.T) {
	db := newTestDB(t)

	root, _ := db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux"})
	db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs"})
	db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs", "deep"})
	db.AddOrGetAttrSetPathID(attrpath.AttrPath{"packages", "aarch64-darwin"})

	if err := db.SetPrefixDone(root, true); err != nil {
		t.Fatalf("SetPrefixDone() error = %v", err)
	}

	for _, tt := range []struct {
		path attrpath.AttrPath
		want bool
	}{
		{attrpath.AttrPath{"packages", "x86_64-linux"}, true},
		{attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs"}, true},
		{attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs", "deep"}, true},
		{attrpath.AttrPath{"packages", "aarch64-darwin"}, false},
		{attrpath.AttrPath{"packages"}, false},
	} {
		done, err := db.Done(tt.path)
		if err != nil {
			t.Fatalf("Done(%s) error = %v", tt.path, err)
		}
		if done != tt.want {
			t.Errorf("Done(%s) = %v, want %v", tt.path, done, tt.want)
		}
	}

	t.Run("path overload and unmarking", func(t *testing.T) {
		if err := db.SetPathDone(attrpath.AttrPath{"packages", "x86_64-linux"}, false); err != nil {
			t.Fatalf("SetPathDone() error = %v", err)
		}
		done, _ := db.Done(attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs", "deep"})
		if done {
			t.Error("descendant still done after unmarking the prefix")
		}
	})
}

func TestWithTx(t *testing.T) {
	t.Run("commit persists", func(t *testing.T) {
		db := newTestDB(t)

		var id int64
		err := db.WithTx(func(tx pkgdb.ScrapeTx) error {
			var err error
			id, err = tx.AddOrGetAttrSetID("packages", 0)
			return err
		})
		if err != nil {
			t.Fatalf("WithTx() error = %v", err)
		}

		again, _ := db.AddOrGetAttrSetID("packages", 0)
		if id != again {
			t.Errorf("committed id = %d, later lookup = %d", id, again)
		}
	})

	t.Run("error rolls back", func(t *testing.T) {
		db := newTestDB(t)

		boom := errors.New("boom")
		err := db.WithTx(func(tx pkgdb.ScrapeTx) error {
			if _, err := tx.AddOrGetAttrSetID("doomed", 0); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want boom", err)
		}

		stats, err := db.ReadStats()
		if err != nil {
			t.Fatalf("ReadStats() error = %v", err)
		}
		if stats.AttrSets != 0 {
			t.Errorf("AttrSets = %d after rollback, want 0", stats.AttrSets)
		}
	})
}

func TestVersions(t *testing.T) {
	db := newTestDB(t)

	versions, err := db.Versions()
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if versions["pkgdb_rules_hash"] != "cafe" {
		t.Errorf("pkgdb_rules_hash = %q, want cafe", versions["pkgdb_rules_hash"])
	}
	if versions["pkgdb_views_schema"] != viewsSchemaVersion {
		t.Errorf("pkgdb_views_schema = %q, want %q", versions["pkgdb_views_schema"], viewsSchemaVersion)
	}
	if versions["pkgdb_schema"] == "" {
		t.Error("pkgdb_schema missing")
	}
}

func TestSchemaManager(t *testing.T) {
	t.Run("stale views are dropped and recreated", func(t *testing.T) {
		db := newTestDB(t)

		// Age the views row, then re-run init on the same connection.
		if _, err := db.db.Exec("UPDATE DbVersions SET version = '0' WHERE name = 'pkgdb_views_schema'"); err != nil {
			t.Fatalf("aging views row: %v", err)
		}
		if err := db.init("cafe"); err != nil {
			t.Fatalf("init() error = %v", err)
		}

		versions, _ := db.Versions()
		if versions["pkgdb_views_schema"] != viewsSchemaVersion {
			t.Errorf("pkgdb_views_schema = %q after refresh", versions["pkgdb_views_schema"])
		}

		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'view' AND name = 'v_PackagesSearch'").Scan(&name)
		if err != nil {
			t.Errorf("v_PackagesSearch missing after refresh: %v", err)
		}
	})

	t.Run("mismatched table schema is a hard error", func(t *testing.T) {
		db := newTestDB(t)

		if _, err := db.db.Exec("UPDATE DbVersions SET version = '999' WHERE name = 'pkgdb_schema'"); err != nil {
			t.Fatalf("aging schema row: %v", err)
		}

		err := db.init("cafe")
		var mismatch *SchemaMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("init() error = %v, want SchemaMismatchError", err)
		}
		if mismatch.Stored != "999" {
			t.Errorf("Stored = %q, want 999", mismatch.Stored)
		}
	})

	t.Run("rules hash is stamped once", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.init("ffff"); err != nil {
			t.Fatalf("init() error = %v", err)
		}
		versions, _ := db.Versions()
		if versions["pkgdb_rules_hash"] != "cafe" {
			t.Errorf("pkgdb_rules_hash = %q, want original cafe", versions["pkgdb_rules_hash"])
		}
	})
}

func TestScrapeRuns(t *testing.T) {
	db := newTestDB(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := db.CreateScrapeRun("op-1", "Scrape", "packages.x86_64-linux", started)
	if err != nil {
		t.Fatalf("CreateScrapeRun() error = %v", err)
	}

	if err := db.FinishScrapeRun(id, "success", started.Add(time.Minute)); err != nil {
		t.Fatalf("FinishScrapeRun() error = %v", err)
	}

	runs, err := db.ListScrapeRuns(10)
	if err != nil {
		t.Fatalf("ListScrapeRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListScrapeRuns() returned %d rows, want 1", len(runs))
	}
	run := runs[0]
	if run.OpID != "op-1" || run.Operation != "Scrape" || run.Status != "success" {
		t.Errorf("run = %+v", run)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("FinishedAt = %v", run.FinishedAt)
	}
}
