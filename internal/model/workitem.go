package model

import "fmt"

// Kind classifies the work a decomposed item asks for.
type Kind string

const (
	KindFeature  Kind = "feature"
	KindBugfix   Kind = "bugfix"
	KindRefactor Kind = "refactor"
	KindTest     Kind = "test"
	KindInfra    Kind = "infra"
)

var validKinds = map[Kind]bool{
	KindFeature:  true,
	KindBugfix:   true,
	KindRefactor: true,
	KindTest:     true,
	KindInfra:    true,
}

func (k Kind) Valid() bool {
	return validKinds[k]
}

// MaxAttempts is the retry ceiling: one initial attempt plus one retry.
const MaxAttempts = 2

// WorkItem is one decomposed unit of work scheduled by the orchestrator.
type WorkItem struct {
	ID                       string   `yaml:"id" json:"id"`
	Title                    string   `yaml:"title" json:"title"`
	Description              string   `yaml:"description" json:"description"`
	Kind                     Kind     `yaml:"kind" json:"kind"`
	Dependencies             []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	DeclaredSecurityCritical bool     `yaml:"declared_security_critical" json:"declared_security_critical"`
	Status                   Status   `yaml:"status" json:"status"`
	AttemptCount             int      `yaml:"attempt_count" json:"attempt_count"`
	ResumeToken              string   `yaml:"resume_token,omitempty" json:"resume_token,omitempty"`
	ResultRef                string   `yaml:"result_ref,omitempty" json:"result_ref,omitempty"`

	// LastDiagnostics carries the previous failed attempt's diagnostics into the retry payload.
	LastDiagnostics string           `yaml:"last_diagnostics,omitempty" json:"last_diagnostics,omitempty"`
	Routing         *RoutingDecision `yaml:"routing,omitempty" json:"routing,omitempty"`
	UpdatedAt       string           `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the graph's lock.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.Dependencies != nil {
		c.Dependencies = append([]string(nil), w.Dependencies...)
	}
	if w.Routing != nil {
		r := *w.Routing
		c.Routing = &r
	}
	return &c
}

// ConfigurationError is fatal: the run aborts before any item is dispatched.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
