// Package security decides whether a completed change set may be integrated
// automatically or needs a human reviewer.
package security

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/msageha/foreman/internal/model"
)

// Classify returns AutoIntegrate only when the item was not declared security
// critical and none of its changed paths match a rule. It has no side effects.
func Classify(declared bool, changedPaths []string, rules *RuleSet) model.RoutingDecision {
	if declared {
		return model.RouteReviewRequired
	}
	if _, _, hit := rules.Match(changedPaths); hit {
		return model.RouteReviewRequired
	}
	return model.RouteAutoIntegrate
}

// Match reports the first changed path that matches a rule, along with the rule.
// Matching is case-sensitive against repository-relative slash paths.
func (r *RuleSet) Match(changedPaths []string) (path, pattern string, ok bool) {
	if r == nil {
		return "", "", false
	}
	for _, p := range changedPaths {
		rel := normalizePath(p)
		for _, pat := range r.patterns {
			matched, err := doublestar.Match(pat, rel)
			// an unparsable pattern counts as a hit: fail closed
			if err != nil || matched {
				return p, pat, true
			}
		}
	}
	return "", "", false
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimPrefix(p, "/")
}
