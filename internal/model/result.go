package model

// Outcome is the terminal classification an execution backend reports for one attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailure        Outcome = "failure"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeBudgetExceeded:
		return true
	}
	return false
}

// ExecutionResult is the validated outcome of one attempt.
type ExecutionResult struct {
	Outcome     Outcome `yaml:"outcome" json:"outcome"`
	ChangeRef   string  `yaml:"change_ref,omitempty" json:"change_ref,omitempty"`
	ResumeToken string  `yaml:"resume_token,omitempty" json:"resume_token,omitempty"`
	Diagnostics string  `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`

	// ChangedPaths are repository-relative paths touched by the attempt; filled from the
	// workspace snapshot when the backend does not report them.
	ChangedPaths []string `yaml:"changed_paths,omitempty" json:"changed_paths,omitempty"`
}

// RoutingDecision says whether a completed change set may be integrated without review.
type RoutingDecision string

const (
	RouteAutoIntegrate  RoutingDecision = "auto_integrate"
	RouteReviewRequired RoutingDecision = "review_required"
)

// Limits are the hard ceilings handed to the execution backend.
type Limits struct {
	MaxTurns     int     `yaml:"max_turns" json:"max_turns"`
	MaxBudgetUSD float64 `yaml:"max_budget_usd" json:"max_budget_usd"`
}
