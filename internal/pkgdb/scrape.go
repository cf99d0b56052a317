package pkgdb

import (
	"context"
	"errors"
	"fmt"

	"pkgdb-go/internal/attrpath"
	"pkgdb-go/internal/rules"
)

// Scraper walks the evaluator's attribute tree breadth first, guided by a
// compiled rule tree, and persists discovered packages. It is single-threaded
// and owns the database connection for the duration of a scrape.
type Scraper struct {
	db    Database
	rules *rules.Node
	log   Logger
}

// NewScraper creates a Scraper over the given database and rule tree.
func NewScraper(db Database, tree *rules.Node, log Logger) *Scraper {
	return &Scraper{db: db, rules: tree, log: log}
}

// ScrapePrefix scrapes everything reachable under prefix and marks the prefix
// done on success. Re-running over the same database is a no-op aside from
// re-confirming done: every insertion is an idempotent upsert.
//
// Cancellation is polled between targets; the in-flight target's transaction
// rolls back, and only committed targets contribute to the done state.
func (s *Scraper) ScrapePrefix(ctx context.Context, prefix attrpath.AttrPath, cursor Cursor) error {
	rootID, err := s.db.AddOrGetAttrSetPathID(prefix)
	if err != nil {
		return fmt.Errorf("resolving prefix %s: %w", prefix, err)
	}

	todos := &Todos{}
	todos.Push(Target{Path: prefix, Cursor: cursor, ParentID: rootID})

	for todos.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := todos.Pop()
		if err := s.scrapeTarget(target, todos); err != nil {
			return fmt.Errorf("scraping %s: %w", target.Path, err)
		}
	}

	if err := s.db.SetPrefixDone(rootID, true); err != nil {
		return fmt.Errorf("marking %s done: %w", prefix, err)
	}
	s.log.Info("scraped prefix", "path", prefix.String())
	return nil
}

// scrapeTarget processes one popped target inside a single transaction:
// records allowed package children, upserts attribute-set rows for sub-trees
// to descend, and queues those sub-trees. Discovered targets reach the queue
// only after the transaction commits, so a crash mid-target leaves the queue
// rebuildable from a clean re-run.
func (s *Scraper) scrapeTarget(target Target, todos *Todos) error {
	s.log.Debug("evaluating package set", "path", target.Path.String(), "rowId", target.ParentID)

	children, err := target.Cursor.Children()
	if err != nil {
		var evalErr *EvalError
		if errors.As(err, &evalErr) {
			s.log.Warn("package set failed to evaluate, skipping", "path", target.Path.String(), "error", err)
			return nil
		}
		return err
	}

	var discovered []Target
	err = s.db.WithTx(func(tx ScrapeTx) error {
		for _, child := range children {
			childPath := target.Path.Child(child.Name)

			// The rule decision is taken before classifying the child so
			// allow/disallow stays deterministic under evaluator laziness.
			allow, hasRule := s.rules.ApplyRules(childPath)
			if hasRule && !allow {
				s.log.Debug("skipping disallowed attribute", "path", childPath.String())
				continue
			}

			isDrv, err := child.Cursor.IsDerivation()
			if err != nil {
				s.logChildSkip(childPath, err)
				continue
			}
			if isDrv {
				if _, err := tx.AddPackage(target.ParentID, child.Name, child.Cursor, false, false); err != nil {
					var evalErr *EvalError
					if errors.As(err, &evalErr) {
						s.logChildSkip(childPath, err)
						continue
					}
					return err
				}
				s.log.Debug("recorded package", "path", childPath.String())
				continue
			}

			isSet, err := child.Cursor.IsAttrSet()
			if err != nil {
				s.logChildSkip(childPath, err)
				continue
			}
			if !isSet {
				continue
			}

			descend := hasRule
			if !hasRule {
				// No rule applies: honor the evaluator's own recursion
				// convention.
				recurse, present, err := child.Cursor.BoolAttr("recurseForDerivations")
				if err != nil {
					s.logChildSkip(childPath, err)
					continue
				}
				descend = present && recurse
			}
			if !descend {
				continue
			}

			childID, err := tx.AddOrGetAttrSetID(child.Name, target.ParentID)
			if err != nil {
				return err
			}
			discovered = append(discovered, Target{Path: childPath, Cursor: child.Cursor, ParentID: childID})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range discovered {
		todos.Push(t)
	}
	return nil
}

func (s *Scraper) logChildSkip(path attrpath.AttrPath, err error) {
	s.log.Warn("attribute failed to evaluate, skipping", "path", path.String(), "error", err)
}
