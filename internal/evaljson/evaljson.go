// Package evaljson exposes a pre-evaluated JSON dump of an attribute tree
// through the scrape engine's Cursor capability. The dump is produced
// externally by the evaluator; this adapter never re-evaluates anything.
//
// Format: an attribute set is a JSON object; a derivation is an object whose
// `__type` member is "derivation", with the harvested fields as plain
// members. Keys beginning with `__` are metadata, not attributes. An object
// with an `__error` member fails with an evaluation error on access,
// mirroring the evaluator's may-fail contract.
package evaljson

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"pkgdb-go/internal/pkgdb"
)

// Cursor is a node of the parsed dump. It implements pkgdb.Cursor.
type Cursor struct {
	name  string
	value any
	log   pkgdb.Logger
}

// Parse decodes a JSON dump into a root cursor. log receives notes about
// field values of unexpected type; nil discards them.
func Parse(data []byte, log pkgdb.Logger) (*Cursor, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parsing evaluator dump: %w", err)
	}
	if log == nil {
		log = pkgdb.NewNopLogger()
	}
	return &Cursor{value: value, log: log}, nil
}

// Load reads and parses a JSON dump.
func Load(r io.Reader, log pkgdb.Logger) (*Cursor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading evaluator dump: %w", err)
	}
	return Parse(data, log)
}

// LoadFile parses the JSON dump at path.
func LoadFile(path string, log pkgdb.Logger) (*Cursor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading evaluator dump: %w", err)
	}
	return Parse(data, log)
}

func (c *Cursor) object() (map[string]any, bool) {
	obj, ok := c.value.(map[string]any)
	return obj, ok
}

// failure returns the node's injected evaluation error, if any.
func (c *Cursor) failure() error {
	obj, ok := c.object()
	if !ok {
		return nil
	}
	msg, ok := obj["__error"]
	if !ok {
		return nil
	}
	return &pkgdb.EvalError{Attr: c.name, Err: fmt.Errorf("%v", msg)}
}

// Children enumerates the node's attributes in name order.
func (c *Cursor) Children() ([]pkgdb.Child, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}
	obj, ok := c.object()
	if !ok {
		return nil, nil
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		if len(name) >= 2 && name[:2] == "__" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	children := make([]pkgdb.Child, len(names))
	for i, name := range names {
		children[i] = pkgdb.Child{
			Name:   name,
			Cursor: &Cursor{name: name, value: obj[name], log: c.log},
		}
	}
	return children, nil
}

// IsDerivation reports whether the node carries a derivation marker.
func (c *Cursor) IsDerivation() (bool, error) {
	if err := c.failure(); err != nil {
		return false, err
	}
	obj, ok := c.object()
	if !ok {
		return false, nil
	}
	return obj["__type"] == "derivation", nil
}

// IsAttrSet reports whether the node is a plain attribute set.
func (c *Cursor) IsAttrSet() (bool, error) {
	if err := c.failure(); err != nil {
		return false, err
	}
	obj, ok := c.object()
	if !ok {
		return false, nil
	}
	return obj["__type"] != "derivation", nil
}

// BoolAttr reads a boolean member such as `recurseForDerivations`.
func (c *Cursor) BoolAttr(name string) (value, present bool, err error) {
	if err := c.failure(); err != nil {
		return false, false, err
	}
	obj, ok := c.object()
	if !ok {
		return false, false, nil
	}
	b, ok := obj[name].(bool)
	return b, ok, nil
}

// Package harvests the derivation fields of the node. Fields of unexpected
// type are logged and left null; a missing or malformed `name` is an
// evaluation error because the package row cannot exist without one.
func (c *Cursor) Package() (*pkgdb.Package, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}
	obj, ok := c.object()
	if !ok || obj["__type"] != "derivation" {
		return nil, &pkgdb.EvalError{Attr: c.name, Err: errors.New("not a derivation")}
	}

	name, ok := obj["name"].(string)
	if !ok {
		return nil, &pkgdb.EvalError{Attr: c.name, Err: errors.New("derivation has no name")}
	}

	pkg := &pkgdb.Package{
		Name:             name,
		Pname:            c.stringField(obj, "pname"),
		Version:          c.stringField(obj, "version"),
		Semver:           c.stringField(obj, "semver"),
		License:          c.licenseField(obj),
		Broken:           c.boolField(obj, "broken"),
		Unfree:           c.boolField(obj, "unfree"),
		Description:      c.stringField(obj, "description"),
		Outputs:          c.stringListField(obj, "outputs"),
		OutputsToInstall: c.stringListField(obj, "outputsToInstall"),
		System:           c.stringField(obj, "system"),
		Position:         c.stringField(obj, "position"),
	}
	if pkg.Semver == nil && pkg.Version != nil {
		pkg.Semver = semverOf(*pkg.Version)
	}
	return pkg, nil
}

func (c *Cursor) stringField(obj map[string]any, field string) *string {
	v, ok := obj[field]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		c.log.Warn("unexpected field type, storing null", "attr", c.name, "field", field)
		return nil
	}
	return &s
}

func (c *Cursor) boolField(obj map[string]any, field string) *bool {
	v, ok := obj[field]
	if !ok || v == nil {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		c.log.Warn("unexpected field type, storing null", "attr", c.name, "field", field)
		return nil
	}
	return &b
}

func (c *Cursor) stringListField(obj map[string]any, field string) []string {
	v, ok := obj[field]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		c.log.Warn("unexpected field type, storing null", "attr", c.name, "field", field)
		return nil
	}
	out := make([]string, 0, len(list))
	for _, elem := range list {
		s, ok := elem.(string)
		if !ok {
			c.log.Warn("unexpected field type, storing null", "attr", c.name, "field", field)
			return nil
		}
		out = append(out, s)
	}
	return out
}

// licenseField accepts an SPDX string, a license object with an spdxId, or a
// list of either.
func (c *Cursor) licenseField(obj map[string]any) []string {
	v, ok := obj["license"]
	if !ok || v == nil {
		return nil
	}

	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	var out []string
	for _, elem := range list {
		switch l := elem.(type) {
		case string:
			out = append(out, l)
		case map[string]any:
			if id, ok := l["spdxId"].(string); ok {
				out = append(out, id)
			}
		default:
			c.log.Warn("unexpected field type, storing null", "attr", c.name, "field", "license")
			return nil
		}
	}
	return out
}

var semverPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// semverOf returns version when it is already a valid semantic version.
func semverOf(version string) *string {
	if semverPattern.MatchString(version) {
		return &version
	}
	return nil
}

var _ pkgdb.Cursor = (*Cursor)(nil)
