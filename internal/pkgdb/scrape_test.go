package pkgdb_test

import (
	"context"
	"testing"

	"pkgdb-go/internal/attrpath"
	"pkgdb-go/internal/database"
	"pkgdb-go/internal/evaljson"
	"pkgdb-go/internal/pkgdb"
	"pkgdb-go/internal/rules"
	"pkgdb-go/internal/testutil"
)

func compileRules(t *testing.T, doc string) *rules.Node {
	t.Helper()
	tree, err := rules.ParseAndCompile([]byte(doc))
	if err != nil {
		t.Fatalf("compiling rules: %v", err)
	}
	return tree
}

func parseTree(t *testing.T, doc string) *evaljson.Cursor {
	t.Helper()
	cur, err := evaljson.Parse([]byte(doc), nil)
	if err != nil {
		t.Fatalf("parsing tree: %v", err)
	}
	return cur
}

// cursorAt descends the dump to the target prefix.
func cursorAt(t *testing.T, root *evaljson.Cursor, path attrpath.AttrPath) pkgdb.Cursor {
	t.Helper()
	var cur pkgdb.Cursor = root
	for _, name := range path {
		children, err := cur.Children()
		if err != nil {
			t.Fatalf("descending to %s: %v", path, err)
		}
		var next pkgdb.Cursor
		for _, child := range children {
			if child.Name == name {
				next = child.Cursor
				break
			}
		}
		if next == nil {
			t.Fatalf("prefix %s not found in dump", path)
		}
		cur = next
	}
	return cur
}

// scrapePrefix runs a scrape of prefix against a fresh driver.
func scrapePrefix(t *testing.T, db *database.PkgDb, tree *rules.Node, dump *evaljson.Cursor, prefix attrpath.AttrPath) error {
	t.Helper()
	scraper := pkgdb.NewScraper(db, tree, pkgdb.NewNopLogger())
	return scraper.ScrapePrefix(context.Background(), prefix, cursorAt(t, dump, prefix))
}

// packagePaths returns the attribute paths of all recorded packages.
func packagePaths(t *testing.T, db *database.PkgDb) []string {
	t.Helper()
	rows, err := db.ListPackages(1000)
	if err != nil {
		t.Fatalf("ListPackages() error = %v", err)
	}
	paths := make([]string, len(rows))
	for i, row := range rows {
		paths[i] = row.AttrPath
	}
	return paths
}

func expectPackages(t *testing.T, db *database.PkgDb, want ...string) {
	t.Helper()
	got := packagePaths(t, db)
	if len(got) != len(want) {
		t.Fatalf("packages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("packages = %v, want %v", got, want)
		}
	}
}

func drv(name string) string {
	return `{"__type": "derivation", "name": "` + name + `", "version": "1.0.0"}`
}

func TestScrape_AllowRecursive(t *testing.T) {
	// A recursive allow records derivations and descends into attribute sets
	// below it; non-derivation leaves found there are skipped.
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{"allowRecursive": ["packages.x86_64-linux"]}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"hello": `+drv("hello-1.0.0")+`,
				"internal": {
					"foo": "not a derivation"
				}
			}
		}
	}`)

	prefix := attrpath.AttrPath{"packages", "x86_64-linux"}
	if err := scrapePrefix(t, db, tree, dump, prefix); err != nil {
		t.Fatalf("scrape error = %v", err)
	}

	expectPackages(t, db, "packages.x86_64-linux.hello")

	done, err := db.Done(prefix)
	if err != nil {
		t.Fatalf("Done() error = %v", err)
	}
	if !done {
		t.Error("prefix not marked done")
	}
}

func TestScrape_DisallowPackageOverridesGlob(t *testing.T) {
	// A globbed recursive allow with a targeted package disallow: the evil
	// leaf is skipped on its system only.
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{
		"allowRecursive": ["packages.*"],
		"disallowPackage": ["packages.x86_64-linux.evil"]
	}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"good": `+drv("good-1.0.0")+`,
				"evil": `+drv("evil-1.0.0")+`
			},
			"aarch64-darwin": {
				"good": `+drv("good-1.0.0")+`
			}
		}
	}`)

	for _, system := range []string{"x86_64-linux", "aarch64-darwin"} {
		if err := scrapePrefix(t, db, tree, dump, attrpath.AttrPath{"packages", system}); err != nil {
			t.Fatalf("scrape %s error = %v", system, err)
		}
	}

	expectPackages(t, db,
		"packages.aarch64-darwin.good",
		"packages.x86_64-linux.good")
}

func TestScrape_RecurseForDerivations(t *testing.T) {
	// With no rule in force, descent follows the evaluator's own
	// recurseForDerivations convention.
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"recurseForDerivations": true,
				"pyPkgs": {
					"recurseForDerivations": true,
					"numpy": `+drv("numpy-2.1.0")+`
				},
				"opaque": {
					"hidden": `+drv("hidden-1.0.0")+`
				}
			}
		}
	}`)

	prefix := attrpath.AttrPath{"packages", "x86_64-linux"}
	if err := scrapePrefix(t, db, tree, dump, prefix); err != nil {
		t.Fatalf("scrape error = %v", err)
	}

	expectPackages(t, db, "packages.x86_64-linux.pyPkgs.numpy")

	done, _ := db.Done(attrpath.AttrPath{"packages", "x86_64-linux", "pyPkgs"})
	if !done {
		t.Error("visited sub-tree not marked done")
	}
}

func TestScrape_DisallowRecursive(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{
		"allowRecursive": ["packages.x86_64-linux"],
		"disallowRecursive": ["packages.x86_64-linux.hidden"]
	}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"hello": `+drv("hello-1.0.0")+`,
				"hidden": {
					"recurseForDerivations": true,
					"secret": `+drv("secret-1.0.0")+`
				}
			}
		}
	}`)

	if err := scrapePrefix(t, db, tree, dump, attrpath.AttrPath{"packages", "x86_64-linux"}); err != nil {
		t.Fatalf("scrape error = %v", err)
	}

	expectPackages(t, db, "packages.x86_64-linux.hello")
}

func TestScrape_EvaluatorFailuresAreSkipped(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{"allowRecursive": ["packages.x86_64-linux"]}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"hello": `+drv("hello-1.0.0")+`,
				"cursed": {"__error": "assertion failed"},
				"nameless": {"__type": "derivation", "version": "1.0"}
			}
		}
	}`)

	if err := scrapePrefix(t, db, tree, dump, attrpath.AttrPath{"packages", "x86_64-linux"}); err != nil {
		t.Fatalf("scrape error = %v", err)
	}

	// Siblings of failing children still land.
	expectPackages(t, db, "packages.x86_64-linux.hello")
}

func TestScrape_Idempotent(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{"allowRecursive": ["packages.x86_64-linux"]}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"hello": `+drv("hello-1.0.0")+`,
				"pyPkgs": {
					"recurseForDerivations": true,
					"numpy": `+drv("numpy-2.1.0")+`
				}
			}
		}
	}`)

	prefix := attrpath.AttrPath{"packages", "x86_64-linux"}
	for i := 0; i < 2; i++ {
		if err := scrapePrefix(t, db, tree, dump, prefix); err != nil {
			t.Fatalf("scrape #%d error = %v", i+1, err)
		}
	}

	expectPackages(t, db,
		"packages.x86_64-linux.hello",
		"packages.x86_64-linux.pyPkgs.numpy")

	stats, err := db.ReadStats()
	if err != nil {
		t.Fatalf("ReadStats() error = %v", err)
	}
	// packages + x86_64-linux + pyPkgs: no duplicated attribute sets.
	if stats.AttrSets != 3 {
		t.Errorf("AttrSets = %d, want 3", stats.AttrSets)
	}
}

func TestScrape_RestartAfterInterruption(t *testing.T) {
	// A cancelled scrape keeps its committed work; a clean re-run completes
	// the rest without duplicating rows.
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{"allowRecursive": ["packages.x86_64-linux"]}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"hello": `+drv("hello-1.0.0")+`,
				"pyPkgs": {
					"recurseForDerivations": true,
					"numpy": `+drv("numpy-2.1.0")+`
				}
			}
		}
	}`)
	prefix := attrpath.AttrPath{"packages", "x86_64-linux"}

	// Cancel before the scrape starts: the driver polls cancellation before
	// each target, so not even the prefix target is processed.
	ctx, cancel := context.WithCancel(context.Background())
	scraper := pkgdb.NewScraper(db, tree, pkgdb.NewNopLogger())
	cancel()
	if err := scraper.ScrapePrefix(ctx, prefix, cursorAt(t, dump, prefix)); err == nil {
		t.Fatal("expected cancellation error")
	}

	done, _ := db.Done(prefix)
	if done {
		t.Error("prefix marked done despite cancellation")
	}

	if err := scrapePrefix(t, db, tree, dump, prefix); err != nil {
		t.Fatalf("restarted scrape error = %v", err)
	}

	expectPackages(t, db,
		"packages.x86_64-linux.hello",
		"packages.x86_64-linux.pyPkgs.numpy")

	for _, p := range []attrpath.AttrPath{
		prefix,
		{"packages", "x86_64-linux", "pyPkgs"},
	} {
		done, err := db.Done(p)
		if err != nil {
			t.Fatalf("Done(%s) error = %v", p, err)
		}
		if !done {
			t.Errorf("Done(%s) = false after restart", p)
		}
	}
}

func TestScrape_DerivationWinsOverAttrSet(t *testing.T) {
	// A node carrying both shapes is treated as a derivation: recorded,
	// never descended into.
	db := testutil.NewTestDatabase(t)
	tree := compileRules(t, `{"allowRecursive": ["packages.x86_64-linux"]}`)
	dump := parseTree(t, `{
		"packages": {
			"x86_64-linux": {
				"both": {
					"__type": "derivation",
					"name": "both-1.0.0",
					"recurseForDerivations": true,
					"inner": `+drv("inner-1.0.0")+`
				}
			}
		}
	}`)

	if err := scrapePrefix(t, db, tree, dump, attrpath.AttrPath{"packages", "x86_64-linux"}); err != nil {
		t.Fatalf("scrape error = %v", err)
	}

	expectPackages(t, db, "packages.x86_64-linux.both")
}

func TestTodos(t *testing.T) {
	q := &pkgdb.Todos{}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}

	q.Push(pkgdb.Target{Path: attrpath.AttrPath{"a"}})
	q.Push(pkgdb.Target{Path: attrpath.AttrPath{"b"}})

	if got := q.Pop(); got.Path.String() != "a" {
		t.Errorf("Pop() = %s, want a", got.Path)
	}
	if got := q.Pop(); got.Path.String() != "b" {
		t.Errorf("Pop() = %s, want b", got.Path)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}
