package rules

import (
	_ "embed"
	"sync"
)

//go:embed rules.json
var defaultRulesJSON []byte

var (
	defaultRulesOnce sync.Once
	defaultRules     *Node
	defaultRulesErr  error
)

// GetDefaultRules returns the compiled embedded rules document. The document
// is compiled once per process on first use.
func GetDefaultRules() (*Node, error) {
	defaultRulesOnce.Do(func() {
		defaultRules, defaultRulesErr = ParseAndCompile(defaultRulesJSON)
	})
	return defaultRules, defaultRulesErr
}
