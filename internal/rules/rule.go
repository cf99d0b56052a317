// Package rules compiles scrape rule documents into a prefix tree over the
// attribute namespace and answers allow/disallow queries with path-based
// inheritance. The compiled tree's content hash is stamped into the database
// so downstream consumers can detect rule changes.
package rules

import "fmt"

// Rule is a scrape decision attached to a node of the rule tree.
type Rule int

const (
	// None is the uninitialised sentinel; it never appears in a compiled tree.
	None Rule = iota
	// Default applies no special rule; the decision is inherited.
	Default
	// AllowPackage forces a package entry for a leaf.
	AllowPackage
	// DisallowPackage suppresses a package entry for a leaf.
	DisallowPackage
	// AllowRecursive forces a sub-tree to be scraped.
	AllowRecursive
	// DisallowRecursive ignores sub-tree members unless otherwise specified.
	DisallowRecursive
)

// String returns the canonical serialised name of the rule.
func (r Rule) String() string {
	switch r {
	case None:
		return "UNSET"
	case Default:
		return "default"
	case AllowPackage:
		return "allowPackage"
	case DisallowPackage:
		return "disallowPackage"
	case AllowRecursive:
		return "allowRecursive"
	case DisallowRecursive:
		return "disallowRecursive"
	default:
		return fmt.Sprintf("Rule(%d)", int(r))
	}
}

// allows maps a non-Default rule to its boolean answer.
// Both allow flavours answer true; both disallow flavours answer false.
func (r Rule) allows() bool {
	return r == AllowPackage || r == AllowRecursive
}

// DefaultSystems is the fixed set of `<cpu>-<os>` identifiers the system
// wildcard expands to.
func DefaultSystems() []string {
	return []string{"aarch64-darwin", "aarch64-linux", "x86_64-darwin", "x86_64-linux"}
}
