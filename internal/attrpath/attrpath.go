// Package attrpath models attribute paths in a lazily evaluated package-set
// expression: ordered sequences of attribute names locating a node in the
// attribute tree, plus the globbed variant used by scrape rules.
package attrpath

import (
	"fmt"
	"strings"
)

// AttrPath is an ordered, possibly empty sequence of attribute names.
// Equality is element-wise; the zero value is the root path.
type AttrPath []string

// Child returns a new path with name appended. The receiver is not modified.
func (p AttrPath) Child(name string) AttrPath {
	child := make(AttrPath, len(p)+1)
	copy(child, p)
	child[len(p)] = name
	return child
}

// Parent returns the path with its last element dropped.
// The parent of the root is the root.
func (p AttrPath) Parent() AttrPath {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Equal reports whether two paths have the same elements in the same order.
func (p AttrPath) Equal(other AttrPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the path in dotted form, quoting elements that are not
// plain identifiers.
func (p AttrPath) String() string {
	parts := make([]string, len(p))
	for i, name := range p {
		parts[i] = displayName(name)
	}
	return strings.Join(parts, ".")
}

// Parse splits a dotted attribute path string into its elements.
// Double-quoted elements may contain dots and escaped characters.
func Parse(s string) (AttrPath, error) {
	if s == "" {
		return nil, nil
	}
	elems, err := splitDotted(s)
	if err != nil {
		return nil, err
	}
	return AttrPath(elems), nil
}

// displayName quotes name unless it is a plain identifier.
func displayName(name string) string {
	if isIdentifier(name) {
		return name
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range name {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// isIdentifier reports whether name matches the expression language's bare
// identifier grammar: [a-zA-Z_][a-zA-Z0-9_'-]*.
func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == '\'' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// splitDotted splits a dotted path honoring double-quoted elements.
func splitDotted(s string) ([]string, error) {
	var elems []string
	var cur strings.Builder
	inQuote := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case c == '.' && !inQuote:
			if cur.Len() == 0 {
				return nil, fmt.Errorf("empty element in attribute path %q", s)
			}
			elems = append(elems, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in attribute path %q", s)
	}
	if cur.Len() == 0 {
		return nil, fmt.Errorf("empty element in attribute path %q", s)
	}
	elems = append(elems, cur.String())
	return elems, nil
}
