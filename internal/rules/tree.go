package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"pkgdb-go/internal/attrpath"
)

// Node is one node of a compiled rule tree. The tree's shape mirrors the
// attribute namespace: each node is named relative to its parent, carries at
// most one rule, and maps child attribute names to child nodes.
type Node struct {
	AttrName string
	Rule     Rule
	Children map[string]*Node
}

// NewNode creates a node with no rule and no children.
func NewNode(attrName string) *Node {
	return &Node{AttrName: attrName, Rule: Default, Children: map[string]*Node{}}
}

// addRule attaches rule at relPath below this node, creating intermediate
// nodes as needed. A wildcard element expands into one call per default
// system. Assigning a rule equal to the node's existing rule is a no-op;
// assigning a different rule to a non-default node is a conflict.
func (n *Node) addRule(relPath attrpath.Glob, rule Rule) error {
	if len(relPath) == 0 {
		if n.Rule != Default {
			if n.Rule == rule {
				return nil
			}
			return &ConflictError{AttrName: n.AttrName, Existing: n.Rule, Incoming: rule}
		}
		n.Rule = rule
		return nil
	}

	if relPath[0].Any {
		for _, system := range DefaultSystems() {
			expanded := make(attrpath.Glob, len(relPath))
			copy(expanded, relPath)
			expanded[0] = attrpath.GlobElement{Name: system}
			if err := n.addRule(expanded, rule); err != nil {
				return err
			}
		}
		return nil
	}

	name, rest := relPath[0].Name, relPath[1:]
	if child, ok := n.Children[name]; ok {
		return child.addRule(rest, rule)
	}

	child := NewNode(name)
	if len(rest) == 0 {
		child.Rule = rule
		n.Children[name] = child
		return nil
	}
	n.Children[name] = child
	return child.addRule(rest, rule)
}

// GetRule returns the rule stored at path, or Default when any element of the
// path has no node in the tree. It is intended for use on root nodes.
func (n *Node) GetRule(path attrpath.AttrPath) Rule {
	node := n
	for _, attrName := range path {
		child, ok := node.Children[attrName]
		if !ok {
			return Default
		}
		node = child
	}
	return node.Rule
}

// ApplyRules resolves the effective decision for path: the node's own rule if
// set, otherwise the nearest ancestor's rule. The second return is false when
// no rule applies anywhere on the path.
func (n *Node) ApplyRules(path attrpath.AttrPath) (allow, ok bool) {
	rule := n.GetRule(path)
	for rule == Default && len(path) > 0 {
		path = path.Parent()
		rule = n.GetRule(path)
	}
	if rule == Default {
		return false, false
	}
	return rule.allows(), true
}

// MarshalJSON encodes the node canonically: an object holding `__rule` plus
// one entry per child. encoding/json sorts map keys, which keeps the encoding
// deterministic for hashing.
func (n *Node) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(n.Children)+1)
	rule, err := json.Marshal(n.Rule.String())
	if err != nil {
		return nil, err
	}
	obj["__rule"] = rule
	for name, child := range n.Children {
		enc, err := child.MarshalJSON()
		if err != nil {
			return nil, err
		}
		obj[name] = enc
	}
	return json.Marshal(obj)
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON encoding.
// Two rule documents that compile to the same tree hash identically.
func (n *Node) Hash() (string, error) {
	enc, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding rule tree: %w", err)
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}
