package scheduler

import (
	"errors"
	"fmt"
	"slices"

	"github.com/msageha/foreman/internal/executor"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/security"
)

func isCancelled(err error) bool {
	return errors.Is(err, executor.ErrCancelled)
}

// withWorkspaceFailure folds a workspace error into the attempt's result. A
// success becomes a failure; budget exhaustion stays as it is.
func withWorkspaceFailure(r model.ExecutionResult, op string, err error) model.ExecutionResult {
	if r.Outcome == "" || r.Outcome == model.OutcomeSuccess {
		r.Outcome = model.OutcomeFailure
	}
	r.Diagnostics = joinLines(r.Diagnostics, fmt.Sprintf("workspace: %s: %v", op, err))
	return r
}

func mergePaths(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

func joinLines(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}

func routingReason(item *model.WorkItem, paths []string, rules *security.RuleSet) string {
	if item.DeclaredSecurityCritical {
		return "declared security critical"
	}
	if p, pat, ok := rules.Match(paths); ok {
		return fmt.Sprintf("%s matches %s", p, pat)
	}
	return ""
}
