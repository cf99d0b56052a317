package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pkgdb-go/internal/pkgdb"
)

// dbtx is the subset of *sql.DB and *sql.Tx the insertion primitives need,
// so the same queries run inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queries implements the insertion primitives over a connection or
// transaction. Single-writer only; concurrent callers are not supported.
type queries struct {
	db dbtx
}

// addOrGetAttrSetID upserts an AttrSets row keyed by (parent, attrName) and
// returns its id. Repeated calls with the same arguments return the same id.
func (q *queries) addOrGetAttrSetID(ctx context.Context, attrName string, parent int64) (int64, error) {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO AttrSets (parent, attrName) VALUES (?, ?) ON CONFLICT (parent, attrName) DO NOTHING",
		parent, attrName)
	if err != nil {
		return 0, fmt.Errorf("inserting attribute set %q: %w", attrName, err)
	}

	var id int64
	err = q.db.QueryRowContext(ctx,
		"SELECT id FROM AttrSets WHERE parent = ? AND attrName = ?",
		parent, attrName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving attribute set %q: %w", attrName, err)
	}
	return id, nil
}

// addOrGetDescriptionID upserts a Descriptions row and returns its id.
func (q *queries) addOrGetDescriptionID(ctx context.Context, description string) (int64, error) {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO Descriptions (description) VALUES (?) ON CONFLICT (description) DO NOTHING",
		description)
	if err != nil {
		return 0, fmt.Errorf("inserting description: %w", err)
	}

	var id int64
	err = q.db.QueryRowContext(ctx,
		"SELECT id FROM Descriptions WHERE description = ?", description).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving description: %w", err)
	}
	return id, nil
}

// addPackage harvests cursor and upserts a Packages row keyed by
// (parentID, attrName). With replace an existing row is updated in place,
// otherwise it wins. Returns the package row id.
func (q *queries) addPackage(ctx context.Context, parentID int64, attrName string, cursor pkgdb.Cursor, replace, checkDrv bool) (int64, error) {
	if checkDrv {
		isDrv, err := cursor.IsDerivation()
		if err != nil {
			return 0, err
		}
		if !isDrv {
			return 0, &NotADerivationError{AttrName: attrName}
		}
	}

	pkg, err := cursor.Package()
	if err != nil {
		return 0, err
	}

	var descriptionID *int64
	if pkg.Description != nil {
		id, err := q.addOrGetDescriptionID(ctx, *pkg.Description)
		if err != nil {
			return 0, err
		}
		descriptionID = &id
	}

	license, err := jsonOrNull(pkg.License)
	if err != nil {
		return 0, fmt.Errorf("encoding license for %q: %w", attrName, err)
	}
	outputs, err := jsonOrNull(pkg.Outputs)
	if err != nil {
		return 0, fmt.Errorf("encoding outputs for %q: %w", attrName, err)
	}
	outputsToInstall, err := jsonOrNull(pkg.OutputsToInstall)
	if err != nil {
		return 0, fmt.Errorf("encoding outputsToInstall for %q: %w", attrName, err)
	}

	conflict := "DO NOTHING"
	if replace {
		conflict = `DO UPDATE SET
			name = excluded.name, pname = excluded.pname,
			version = excluded.version, semver = excluded.semver,
			license = excluded.license, broken = excluded.broken,
			unfree = excluded.unfree, descriptionId = excluded.descriptionId,
			outputs = excluded.outputs, outputsToInstall = excluded.outputsToInstall,
			system = excluded.system, position = excluded.position`
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO Packages (
			parentId, attrName, name, pname, version, semver, license,
			broken, unfree, descriptionId, outputs, outputsToInstall,
			system, position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (parentId, attrName) `+conflict,
		parentID, attrName, pkg.Name, pkg.Pname, pkg.Version, pkg.Semver, license,
		pkg.Broken, pkg.Unfree, descriptionID, outputs, outputsToInstall,
		pkg.System, pkg.Position)
	if err != nil {
		return 0, fmt.Errorf("inserting package %q: %w", attrName, err)
	}

	var id int64
	err = q.db.QueryRowContext(ctx,
		"SELECT id FROM Packages WHERE parentId = ? AND attrName = ?",
		parentID, attrName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving package %q: %w", attrName, err)
	}
	return id, nil
}

// setPrefixDone updates the done flag of the row prefixID and, through the
// parent foreign key, every descendant row, in a single relational update.
func (q *queries) setPrefixDone(ctx context.Context, prefixID int64, done bool) error {
	_, err := q.db.ExecContext(ctx, `
		WITH RECURSIVE prefix (id) AS (
			SELECT ?
			UNION ALL
			SELECT AttrSets.id FROM AttrSets JOIN prefix ON AttrSets.parent = prefix.id
		)
		UPDATE AttrSets SET done = ? WHERE id IN (SELECT id FROM prefix)`,
		prefixID, done)
	if err != nil {
		return fmt.Errorf("marking prefix %d done: %w", prefixID, err)
	}
	return nil
}

// jsonOrNull encodes a string list, mapping a nil list to NULL. An empty
// non-nil list encodes as "[]".
func jsonOrNull(list []string) (*string, error) {
	if list == nil {
		return nil, nil
	}
	enc, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	s := string(enc)
	return &s, nil
}
