// Package app is the application layer between the CLI and the scrape
// engine. It constructs all dependencies from config, exposes high-level
// operations that accept raw string arguments, and owns the log lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkgdb-go/internal/attrpath"
	"pkgdb-go/internal/config"
	"pkgdb-go/internal/database"
	"pkgdb-go/internal/evaljson"
	"pkgdb-go/internal/flake"
	"pkgdb-go/internal/model"
	"pkgdb-go/internal/pkgdb"
	"pkgdb-go/internal/rules"
	"pkgdb-go/internal/store"

	"github.com/google/uuid"
)

// App wires config, logging, rules, database, and store together for one CLI
// invocation. The caller must call Close when done.
type App struct {
	cfg     *config.Config
	log     pkgdb.Logger
	logFile *os.File
	clock   pkgdb.Clock
	op      *Operation
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Scrape", "Push").
func NewApp(cfg *config.Config, operation string, verbose bool) (*App, error) {
	opID := uuid.New().String()

	logger, logFile, err := newLogger(cfg.LogDir, opID, verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		cfg:     cfg,
		log:     &slogAdapter{l: logger},
		logFile: logFile,
		clock:   pkgdb.RealClock{},
		op:      NewOperation(opID, operation, ""),
	}, nil
}

// Close releases the resources held for the invocation.
func (a *App) Close() error {
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

// loadRules compiles the configured rules document, falling back to the
// embedded defaults when none is configured.
func (a *App) loadRules() (*rules.Node, error) {
	if a.cfg.Rules.Path == "" {
		return rules.GetDefaultRules()
	}
	data, err := os.ReadFile(a.cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	tree, err := rules.ParseAndCompile(data)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", a.cfg.Rules.Path, err)
	}
	return tree, nil
}

// RulesHash returns the content hash of the effective rule tree.
func (a *App) RulesHash() (string, error) {
	tree, err := a.loadRules()
	if err != nil {
		return "", err
	}
	return tree.Hash()
}

// openDatabase opens (or creates) the database caching refStr.
func (a *App) openDatabase(refStr string) (*database.PkgDb, *rules.Node, error) {
	ref, err := flake.NewLockedRef(refStr)
	if err != nil {
		return nil, nil, err
	}

	tree, err := a.loadRules()
	if err != nil {
		return nil, nil, err
	}
	hash, err := tree.Hash()
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenForFlake(a.cfg.Database.DataDir, ref, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, tree, nil
}

// findCursor descends from the dump's root to the given prefix.
func findCursor(root pkgdb.Cursor, path attrpath.AttrPath) (pkgdb.Cursor, error) {
	cur := root
	for i, name := range path {
		children, err := cur.Children()
		if err != nil {
			return nil, fmt.Errorf("descending to %s: %w", path[:i+1], err)
		}
		var next pkgdb.Cursor
		for _, child := range children {
			if child.Name == name {
				next = child.Cursor
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("attribute %s not found in evaluator dump", attrpath.AttrPath(path[:i+1]))
		}
		cur = next
	}
	return cur, nil
}

// Scrape scrapes the given prefixes of the evaluator dump at dumpPath into
// the database for refStr, journaling the run.
func (a *App) Scrape(ctx context.Context, refStr, dumpPath string, prefixes []string) error {
	db, tree, err := a.openDatabase(refStr)
	if err != nil {
		return err
	}
	defer db.Close()

	runID, err := db.CreateScrapeRun(a.op.OpID, a.op.Operation, strings.Join(prefixes, " "), a.clock.Now())
	if err != nil {
		return err
	}

	err = a.scrapePrefixes(ctx, db, tree, dumpPath, prefixes)
	status := "success"
	if err != nil {
		status = "error"
	}
	if finishErr := db.FinishScrapeRun(runID, status, a.clock.Now()); finishErr != nil && err == nil {
		err = finishErr
	}
	return err
}

func (a *App) scrapePrefixes(ctx context.Context, db *database.PkgDb, tree *rules.Node, dumpPath string, prefixes []string) error {
	root, err := evaljson.LoadFile(dumpPath, a.log)
	if err != nil {
		return err
	}

	scraper := pkgdb.NewScraper(db, tree, a.log)
	for _, raw := range prefixes {
		prefix, err := attrpath.Parse(raw)
		if err != nil {
			return err
		}

		done, err := db.Done(prefix)
		if err != nil {
			return err
		}
		if done {
			a.log.Info("prefix already scraped", "path", prefix.String())
			continue
		}

		cursor, err := findCursor(root, prefix)
		if err != nil {
			return err
		}
		if err := scraper.ScrapePrefix(ctx, prefix, cursor); err != nil {
			return err
		}
	}
	return nil
}

// StatusReport summarises one cached database.
type StatusReport struct {
	Path        string
	Fingerprint string
	LockedRef   string
	Versions    map[string]string
	Stats       database.Stats
	Runs        []*model.ScrapeRun
}

// Status reads the database for refStr without modifying it.
func (a *App) Status(refStr string) (*StatusReport, error) {
	ref, err := flake.NewLockedRef(refStr)
	if err != nil {
		return nil, err
	}

	path := database.DatabasePath(a.cfg.Database.DataDir, ref.Fingerprint())
	db, err := database.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	versions, err := db.Versions()
	if err != nil {
		return nil, err
	}
	stats, err := db.ReadStats()
	if err != nil {
		return nil, err
	}
	runs, err := db.ListScrapeRuns(10)
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		Path:        path,
		Fingerprint: db.Fingerprint().String(),
		LockedRef:   db.LockedRef().String,
		Versions:    versions,
		Stats:       stats,
		Runs:        runs,
	}, nil
}

// List returns up to limit packages recorded for refStr.
func (a *App) List(refStr string, limit int) ([]*model.PackageRow, error) {
	ref, err := flake.NewLockedRef(refStr)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenReadOnly(database.DatabasePath(a.cfg.Database.DataDir, ref.Fingerprint()))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return db.ListPackages(limit)
}

// openStore creates the configured store, failing when none is configured.
func (a *App) openStore(ctx context.Context) (store.Store, error) {
	s, err := store.NewStoreFromConfig(ctx, a.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("no store configured")
	}
	return s, nil
}

// Push uploads the database for refStr to the configured store. The file is
// snapshotted with VACUUM INTO first so a consistent copy is uploaded.
func (a *App) Push(ctx context.Context, refStr string) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	db, _, err := a.openDatabase(refStr)
	if err != nil {
		return err
	}
	defer db.Close()

	snapshot := filepath.Join(a.cfg.Database.DataDir, "."+db.Fingerprint().String()+".push")
	if err := os.Remove(snapshot); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing snapshot: %w", err)
	}
	defer os.Remove(snapshot)

	if err := db.BackupTo(snapshot); err != nil {
		return err
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("sizing snapshot: %w", err)
	}

	if err := s.Put(ctx, db.Fingerprint().String(), f, info.Size()); err != nil {
		return err
	}
	a.log.Info("pushed database", "fingerprint", db.Fingerprint().String(), "bytes", info.Size())
	return nil
}

// Pull downloads the database for refStr from the configured store.
// An existing local database is only overwritten with force.
func (a *App) Pull(ctx context.Context, refStr string, force bool) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	ref, err := flake.NewLockedRef(refStr)
	if err != nil {
		return err
	}
	fp := ref.Fingerprint()
	path := database.DatabasePath(a.cfg.Database.DataDir, fp)

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("local database already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(a.cfg.Database.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	tmp, err := os.CreateTemp(a.cfg.Database.DataDir, "."+fp.String()+".pull.*")
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.Get(ctx, fp.String(), tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing download file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing pulled database: %w", err)
	}
	a.log.Info("pulled database", "fingerprint", fp.String(), "path", path)
	return nil
}
