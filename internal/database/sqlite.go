// Package database implements the SQLite package-set cache: schema
// management, insertion primitives, progress marking, and the scrape-run
// journal. One database caches one locked flake, keyed by its fingerprint.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"pkgdb-go/internal/attrpath"
	"pkgdb-go/internal/database/migrations"
	"pkgdb-go/internal/flake"
	"pkgdb-go/internal/model"
	"pkgdb-go/internal/pkgdb"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

//go:embed views.sql
var viewsSQL string

// viewsSchemaVersion stamps the current shape of the database views. Bumping
// it makes every open drop and recreate them.
const viewsSchemaVersion = "1"

// PkgDb is a SQLite database caching package metadata scraped from a single
// locked flake. It is a single-writer store: one process owns the connection
// for the duration of a scrape.
type PkgDb struct {
	db          *sql.DB
	q           *queries
	path        string
	lockedRef   flake.LockedRef
	fingerprint flake.Fingerprint
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the cache relies on. path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Create opens the database at path, creating the file and schema when
// needed, and records the locked flake's input metadata. Input metadata is
// written once per database lifetime; re-creating over an existing database
// is a no-op for it.
func Create(path string, ref flake.LockedRef, rulesHash string) (*PkgDb, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	d := &PkgDb{db: db, q: &queries{db: db}, path: path}
	if err := d.init(rulesHash); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.writeInput(ref); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Open opens an existing database read-write. It does not create one:
// a missing file is ErrNoSuchDatabase.
func Open(path string, rulesHash string) (*PkgDb, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDatabase, path)
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	d := &PkgDb{db: db, q: &queries{db: db}, path: path}
	if err := d.init(rulesHash); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.loadLockedFlake(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// OpenReadOnly opens an existing database without touching its schema.
// A missing file is ErrNoSuchDatabase.
func OpenReadOnly(path string) (*PkgDb, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDatabase, path)
	}

	db, err := OpenConnection("file:" + path + "?mode=ro")
	if err != nil {
		return nil, err
	}

	d := &PkgDb{db: db, q: &queries{db: db}, path: path}
	if err := d.loadLockedFlake(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// NewFromDB wraps an existing connection and initialises the schema on it.
// Tests use this with ":memory:" connections.
func NewFromDB(db *sql.DB, rulesHash string) (*PkgDb, error) {
	d := &PkgDb{db: db, q: &queries{db: db}, path: ""}
	if err := d.init(rulesHash); err != nil {
		return nil, err
	}
	return d, nil
}

// currentSchemaVersion is the pkgdb_schema value this binary expects.
func currentSchemaVersion() (string, error) {
	latest, err := migrations.LatestVersion()
	if err != nil {
		return "", fmt.Errorf("determining schema version: %w", err)
	}
	return strconv.FormatUint(uint64(latest), 10), nil
}

// init creates or upgrades the schema: tables through migrations, version
// rows, and the versioned views. A table schema stamped by a different
// binary generation is a hard incompatibility.
func (d *PkgDb) init(rulesHash string) error {
	current, err := currentSchemaVersion()
	if err != nil {
		return err
	}

	stored, err := d.storedVersion("pkgdb_schema")
	if err != nil {
		return err
	}
	if stored != "" && stored != current {
		return &SchemaMismatchError{Stored: stored, Current: current}
	}

	if err := migrations.MigrateUp(d.db); err != nil {
		return fmt.Errorf("migrating tables: %w", err)
	}
	if err := d.initVersions(current, rulesHash); err != nil {
		return err
	}
	return d.updateViews()
}

// storedVersion reads a DbVersions row, returning "" when the table or the
// row does not exist yet.
func (d *PkgDb) storedVersion(name string) (string, error) {
	ctx := context.Background()

	var table string
	err := d.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'DbVersions'").Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checking for DbVersions: %w", err)
	}

	var version string
	err = d.db.QueryRowContext(ctx,
		"SELECT version FROM DbVersions WHERE name = ?", name).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading version %q: %w", name, err)
	}
	return version, nil
}

// initVersions inserts the initial version rows if they do not exist.
// The views row is owned by updateViews.
func (d *PkgDb) initVersions(schemaVersion, rulesHash string) error {
	ctx := context.Background()
	for _, row := range []struct{ name, version string }{
		{"pkgdb_schema", schemaVersion},
		{"pkgdb_rules_hash", rulesHash},
	} {
		_, err := d.db.ExecContext(ctx,
			"INSERT INTO DbVersions (name, version) VALUES (?, ?) ON CONFLICT (name) DO NOTHING",
			row.name, row.version)
		if err != nil {
			return fmt.Errorf("writing version row %q: %w", row.name, err)
		}
	}
	return nil
}

// updateViews creates the views on a fresh database, and on a stale one
// drops and recreates them, then records the current views version.
func (d *PkgDb) updateViews() error {
	stored, err := d.storedVersion("pkgdb_views_schema")
	if err != nil {
		return err
	}
	if stored == viewsSchemaVersion {
		return nil
	}

	ctx := context.Background()

	rows, err := d.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'view'")
	if err != nil {
		return fmt.Errorf("listing views: %w", err)
	}
	var views []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("listing views: %w", err)
		}
		views = append(views, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("listing views: %w", err)
	}
	rows.Close()

	for _, name := range views {
		if _, err := d.db.ExecContext(ctx, "DROP VIEW "+name); err != nil {
			return fmt.Errorf("dropping view %s: %w", name, err)
		}
	}

	if _, err := d.db.ExecContext(ctx, viewsSQL); err != nil {
		return fmt.Errorf("creating views: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO DbVersions (name, version) VALUES ('pkgdb_views_schema', ?)
		ON CONFLICT (name) DO UPDATE SET version = excluded.version`,
		viewsSchemaVersion)
	if err != nil {
		return fmt.Errorf("recording views version: %w", err)
	}
	return nil
}

// writeInput records the locked flake this database caches. Input metadata
// is written once per database lifetime; once a row exists it wins, and the
// in-memory fields reflect what is actually stored.
func (d *PkgDb) writeInput(ref flake.LockedRef) error {
	_, err := d.db.ExecContext(context.Background(), `
		INSERT INTO LockedFlake (fingerprint, string, attrs)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM LockedFlake)`,
		ref.Fingerprint().String(), ref.String, string(ref.Attrs))
	if err != nil {
		return fmt.Errorf("writing input metadata: %w", err)
	}
	return d.loadLockedFlake()
}

// loadLockedFlake restores the input metadata written at creation.
func (d *PkgDb) loadLockedFlake() error {
	var fp, refStr, attrs string
	err := d.db.QueryRowContext(context.Background(),
		"SELECT fingerprint, string, attrs FROM LockedFlake LIMIT 1").Scan(&fp, &refStr, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading input metadata: %w", err)
	}

	parsed, err := flake.ParseFingerprint(fp)
	if err != nil {
		return fmt.Errorf("loading input metadata: %w", err)
	}
	d.fingerprint = parsed
	d.lockedRef = flake.LockedRef{String: refStr, Attrs: []byte(attrs)}
	return nil
}

// Insertion primitives

// AddOrGetAttrSetID upserts an attribute-set row and returns its id.
func (d *PkgDb) AddOrGetAttrSetID(attrName string, parent int64) (int64, error) {
	return d.q.addOrGetAttrSetID(context.Background(), attrName, parent)
}

// AddOrGetAttrSetPathID upserts a row per path element, threading the parent
// id left to right from the root, and returns the terminal id. The empty
// path resolves to 0.
func (d *PkgDb) AddOrGetAttrSetPathID(path attrpath.AttrPath) (int64, error) {
	ctx := context.Background()
	var id int64
	for _, attrName := range path {
		var err error
		id, err = d.q.addOrGetAttrSetID(ctx, attrName, id)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AddOrGetDescriptionID upserts a description string and returns its id.
func (d *PkgDb) AddOrGetDescriptionID(description string) (int64, error) {
	return d.q.addOrGetDescriptionID(context.Background(), description)
}

// AddPackage harvests cursor and upserts a package row under
// (parentID, attrName).
func (d *PkgDb) AddPackage(parentID int64, attrName string, cursor pkgdb.Cursor, replace, checkDrv bool) (int64, error) {
	return d.q.addPackage(context.Background(), parentID, attrName, cursor, replace, checkDrv)
}

// scrapeTx adapts a transaction to the scrape driver's primitives.
type scrapeTx struct {
	q *queries
}

func (t *scrapeTx) AddOrGetAttrSetID(attrName string, parent int64) (int64, error) {
	return t.q.addOrGetAttrSetID(context.Background(), attrName, parent)
}

func (t *scrapeTx) AddPackage(parentID int64, attrName string, cursor pkgdb.Cursor, replace, checkDrv bool) (int64, error) {
	return t.q.addPackage(context.Background(), parentID, attrName, cursor, replace, checkDrv)
}

// WithTx runs fn inside one transaction, committing on nil and rolling back
// on error. The scrape driver wraps each popped target in one of these so a
// crash mid-target leaves the target cleanly not-done.
func (d *PkgDb) WithTx(fn func(tx pkgdb.ScrapeTx) error) error {
	ctx := context.Background()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&scrapeTx{q: &queries{db: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Progress marking

// SetPrefixDone updates the done flag for prefixID and every descendant row.
func (d *PkgDb) SetPrefixDone(prefixID int64, done bool) error {
	return d.q.setPrefixDone(context.Background(), prefixID, done)
}

// SetPathDone resolves path to its row id and marks the prefix done.
func (d *PkgDb) SetPathDone(path attrpath.AttrPath, done bool) error {
	id, err := d.AddOrGetAttrSetPathID(path)
	if err != nil {
		return err
	}
	return d.SetPrefixDone(id, done)
}

// Done reports whether the attribute set at path exists and is marked done.
func (d *PkgDb) Done(path attrpath.AttrPath) (bool, error) {
	ctx := context.Background()
	var id int64
	for _, attrName := range path {
		err := d.db.QueryRowContext(ctx,
			"SELECT id FROM AttrSets WHERE parent = ? AND attrName = ?", id, attrName).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("resolving %s: %w", path, err)
		}
	}

	var done bool
	err := d.db.QueryRowContext(ctx,
		"SELECT done FROM AttrSets WHERE id = ?", id).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading done flag for %s: %w", path, err)
	}
	return done, nil
}

// Read surface

// Versions returns all DbVersions rows.
func (d *PkgDb) Versions() (map[string]string, error) {
	rows, err := d.db.QueryContext(context.Background(),
		"SELECT name, version FROM DbVersions")
	if err != nil {
		return nil, fmt.Errorf("reading versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]string)
	for rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return nil, fmt.Errorf("reading versions: %w", err)
		}
		versions[name] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading versions: %w", err)
	}
	return versions, nil
}

// Stats summarises the database contents.
type Stats struct {
	AttrSets     int64
	Packages     int64
	Descriptions int64
}

// ReadStats counts the rows of the core tables.
func (d *PkgDb) ReadStats() (Stats, error) {
	var stats Stats
	ctx := context.Background()
	for _, c := range []struct {
		table string
		dst   *int64
	}{
		{"AttrSets", &stats.AttrSets},
		{"Packages", &stats.Packages},
		{"Descriptions", &stats.Descriptions},
	} {
		if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return stats, nil
}

// ListPackages returns up to limit packages from the search view, ordered by
// attribute path.
func (d *PkgDb) ListPackages(limit int) ([]*model.PackageRow, error) {
	rows, err := d.db.QueryContext(context.Background(), `
		SELECT id, attrPath, attrName, name, pname, version, semver, license,
		       broken, unfree, description, system, position
		FROM v_PackagesSearch ORDER BY attrPath LIMIT ?`, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*model.PackageRow
	for rows.Next() {
		var p model.PackageRow
		err := rows.Scan(&p.ID, &p.AttrPath, &p.AttrName, &p.Name, &p.Pname,
			&p.Version, &p.Semver, &p.License, &p.Broken, &p.Unfree,
			&p.Description, &p.System, &p.Position)
		if err != nil {
			return nil, fmt.Errorf("listing packages: %w", err)
		}
		pkgs = append(pkgs, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	return pkgs, nil
}

// Scrape-run journal

// CreateScrapeRun records the start of a mutating operation and returns the
// journal row id.
func (d *PkgDb) CreateScrapeRun(opID, operation, parameters string, startedAt time.Time) (int64, error) {
	res, err := d.db.ExecContext(context.Background(), `
		INSERT INTO ScrapeRuns (opId, operation, parameters, startedAt)
		VALUES (?, ?, ?, ?)`,
		opID, operation, parameters, startedAt)
	if err != nil {
		return 0, fmt.Errorf("creating scrape run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating scrape run: %w", err)
	}
	return id, nil
}

// FinishScrapeRun closes a journal row with its final status.
func (d *PkgDb) FinishScrapeRun(id int64, status string, finishedAt time.Time) error {
	_, err := d.db.ExecContext(context.Background(),
		"UPDATE ScrapeRuns SET finishedAt = ?, status = ? WHERE id = ?",
		finishedAt, status, id)
	if err != nil {
		return fmt.Errorf("finishing scrape run: %w", err)
	}
	return nil
}

// ListScrapeRuns returns the most recent journal rows, newest first.
func (d *PkgDb) ListScrapeRuns(limit int) ([]*model.ScrapeRun, error) {
	rows, err := d.db.QueryContext(context.Background(), `
		SELECT id, opId, operation, parameters, startedAt, finishedAt, status
		FROM ScrapeRuns ORDER BY id DESC LIMIT ?`, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("listing scrape runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.ScrapeRun
	for rows.Next() {
		var r model.ScrapeRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.OpID, &r.Operation, &r.Parameters, &r.StartedAt, &finished, &r.Status); err != nil {
			return nil, fmt.Errorf("listing scrape runs: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing scrape runs: %w", err)
	}
	return runs, nil
}

// Accessors

// Path returns the database file path ("" for wrapped connections).
func (d *PkgDb) Path() string { return d.path }

// Fingerprint returns the cached input's fingerprint.
func (d *PkgDb) Fingerprint() flake.Fingerprint { return d.fingerprint }

// LockedRef returns the cached input's locked reference.
func (d *PkgDb) LockedRef() flake.LockedRef { return d.lockedRef }

// BackupTo creates a consistent copy of the database at destPath using
// VACUUM INTO. Used to snapshot the file before pushing it to a store.
func (d *PkgDb) BackupTo(destPath string) error {
	_, err := d.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *PkgDb) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Compile-time check that PkgDb implements the scrape driver's interface
var _ pkgdb.Database = (*PkgDb)(nil)
