package rules

import (
	"encoding/json"
	"fmt"

	"pkgdb-go/internal/attrpath"
)

// Raw is a scrape rules document before compilation: four lists of globbed
// attribute paths, one per rule kind.
type Raw struct {
	AllowPackage      []attrpath.Glob
	DisallowPackage   []attrpath.Glob
	AllowRecursive    []attrpath.Glob
	DisallowRecursive []attrpath.Glob
}

// UnmarshalJSON parses a rules document. The recognised keys are exactly the
// four list names; anything else is an error. Each list element is either a
// dotted path string or an array of names where `null` marks the system
// wildcard.
func (r *Raw) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	for key, value := range doc {
		var dst *[]attrpath.Glob
		switch key {
		case "allowPackage":
			dst = &r.AllowPackage
		case "disallowPackage":
			dst = &r.DisallowPackage
		case "allowRecursive":
			dst = &r.AllowRecursive
		case "disallowRecursive":
			dst = &r.DisallowRecursive
		default:
			return &UnknownKeyError{Key: key}
		}

		var elems []json.RawMessage
		if err := json.Unmarshal(value, &elems); err != nil {
			return fmt.Errorf("couldn't interpret field `%s': %w", key, err)
		}
		for _, elem := range elems {
			glob, err := parseGlobElement(elem)
			if err != nil {
				return fmt.Errorf("couldn't interpret field `%s': %w", key, err)
			}
			if err := validateGlob(glob); err != nil {
				return err
			}
			*dst = append(*dst, glob)
		}
	}
	return nil
}

// parseGlobElement accepts a dotted path string or an array of names with
// `null` wildcard elements.
func parseGlobElement(data json.RawMessage) (attrpath.Glob, error) {
	var dotted string
	if err := json.Unmarshal(data, &dotted); err == nil {
		return attrpath.ParseGlob(dotted)
	}

	var names []*string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("attribute path must be a string or array: %s", data)
	}
	glob := make(attrpath.Glob, len(names))
	for i, name := range names {
		if name == nil {
			glob[i] = attrpath.GlobElement{Any: true}
		} else {
			glob[i] = attrpath.GlobElement{Name: *name}
		}
	}
	return glob, nil
}

// validateGlob enforces that wildcards appear only at the system position of
// paths rooted at `packages` or `legacyPackages`.
func validateGlob(glob attrpath.Glob) error {
	for i, elem := range glob {
		if !elem.Any {
			continue
		}
		if i != 1 {
			return &InvalidGlobError{Path: glob}
		}
		if root := glob[0]; root.Any || (root.Name != "packages" && root.Name != "legacyPackages") {
			return &InvalidGlobError{Path: glob}
		}
	}
	return nil
}

// Compile builds the rule tree for the document. The root node is unnamed and
// carries no rule of its own.
func (r *Raw) Compile() (*Node, error) {
	root := NewNode("")
	for _, entry := range []struct {
		paths []attrpath.Glob
		rule  Rule
	}{
		{r.AllowPackage, AllowPackage},
		{r.DisallowPackage, DisallowPackage},
		{r.AllowRecursive, AllowRecursive},
		{r.DisallowRecursive, DisallowRecursive},
	} {
		for _, path := range entry.paths {
			if err := root.addRule(path, entry.rule); err != nil {
				return nil, err
			}
		}
	}
	return root, nil
}

// ParseAndCompile parses a JSON rules document and compiles it.
func ParseAndCompile(data []byte) (*Node, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules document: %w", err)
	}
	tree, err := raw.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling rules document: %w", err)
	}
	return tree, nil
}
