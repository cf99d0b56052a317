package attrpath

import "strings"

// GlobElement is one element of a globbed attribute path: either a concrete
// attribute name, or the system wildcard.
type GlobElement struct {
	Name string
	Any  bool
}

// Glob is an attribute path whose elements may be the system wildcard.
// Wildcards are only meaningful at the system position of paths rooted at
// `packages` or `legacyPackages`; validation lives with the rules parser.
type Glob []GlobElement

// GlobOf builds a Glob from concrete names.
func GlobOf(names ...string) Glob {
	g := make(Glob, len(names))
	for i, name := range names {
		g[i] = GlobElement{Name: name}
	}
	return g
}

// String renders the glob in dotted form; wildcards render as `*`.
func (g Glob) String() string {
	parts := make([]string, len(g))
	for i, e := range g {
		if e.Any {
			parts[i] = "*"
		} else {
			parts[i] = displayName(e.Name)
		}
	}
	return strings.Join(parts, ".")
}

// ParseGlob splits a dotted globbed path; a bare `*` element is the wildcard.
func ParseGlob(s string) (Glob, error) {
	elems, err := splitDotted(s)
	if err != nil {
		return nil, err
	}
	g := make(Glob, len(elems))
	for i, e := range elems {
		if e == "*" {
			g[i] = GlobElement{Any: true}
		} else {
			g[i] = GlobElement{Name: e}
		}
	}
	return g, nil
}
