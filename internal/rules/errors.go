package rules

import (
	"fmt"

	"pkgdb-go/internal/attrpath"
)

// ConflictError reports an attempt to assign a different rule to a node that
// already carries a non-default rule. Re-assigning the same rule is a no-op.
type ConflictError struct {
	AttrName string
	Existing Rule
	Incoming Rule
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("attempted to overwrite existing rule for `%s' with rule `%s' with new rule `%s'",
		e.AttrName, e.Existing, e.Incoming)
}

// UnknownKeyError reports an unrecognised top-level key in a rules document.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown scrape rule: `%s'", e.Key)
}

// InvalidGlobError reports a wildcard at a position other than the system
// position of a `packages` or `legacyPackages` path.
type InvalidGlobError struct {
	Path attrpath.Glob
}

func (e *InvalidGlobError) Error() string {
	return fmt.Sprintf("wildcard is only allowed at the system position: `%s'", e.Path)
}
