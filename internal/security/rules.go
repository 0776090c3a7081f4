package security

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	yamlv3 "gopkg.in/yaml.v3"
)

// RuleSet is an immutable list of path globs. A RuleSet is never modified after
// construction, so a reference captured for one attempt stays valid after a reload.
type RuleSet struct {
	patterns []string
	source   string
}

type rulesFile struct {
	Rules []string `yaml:"rules"`
}

// NewRuleSet validates patterns and returns a RuleSet. Blank entries are dropped
// and duplicates collapsed, keeping first-seen order.
func NewRuleSet(patterns []string) (*RuleSet, error) {
	rs := &RuleSet{}
	seen := make(map[string]bool, len(patterns))
	for i, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("rules[%d]: invalid glob %q", i, p)
		}
		seen[p] = true
		rs.patterns = append(rs.patterns, p)
	}
	return rs, nil
}

// LoadRuleSet reads a YAML file of the form `rules: [glob, ...]` and merges it after
// the inline patterns.
func LoadRuleSet(path string, inline []string) (*RuleSet, error) {
	all := slices.Clone(inline)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		var f rulesFile
		if err := yamlv3.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse rules file %s: %w", path, err)
		}
		all = append(all, f.Rules...)
	}
	rs, err := NewRuleSet(all)
	if err != nil {
		return nil, err
	}
	rs.source = path
	return rs, nil
}

// Patterns returns a copy of the rule globs.
func (r *RuleSet) Patterns() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.patterns)
}

func (r *RuleSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}
