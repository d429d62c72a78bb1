package policy

import (
	"time"

	"github.com/openfroyo/cmimport/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a submission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the submission.
	SeverityError Severity = "error"

	// SeverityCritical blocks the submission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a change-set.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny rules are evaluated against every
// change-set before it is submitted.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny result.
type Violation struct {
	Policy     string    `json:"policy"`
	FDN        string    `json:"fdn,omitempty"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating every enabled policy against one
// change-set.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Failures lists policies whose evaluation errored. A failing policy
	// does not deny the change-set.
	Failures []string `json:"failures,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document exposed to policies as input.
type Input struct {
	ChangeSet *engine.ChangeSetSummary `json:"changeset"`
	Context   *Context                 `json:"context"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`

	// Stage is "submit" when gating a live submission and "validate" for
	// offline checks.
	Stage string `json:"stage"`

	// MOCount is the number of managed objects in the change-set.
	MOCount int `json:"mo_count"`
}

// Settings are exposed to policies as data.settings.
type Settings struct {
	// MaxChangeSetMOs is the size above which a change-set draws a warning.
	MaxChangeSetMOs int `json:"max_change_set_mos"`

	// ProtectedPatterns are regular expressions matched against FDNs that
	// must never be deleted.
	ProtectedPatterns []string `json:"protected_patterns"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		MaxChangeSetMOs: 10000,
		ProtectedPatterns: []string{
			`(^|,)ManagedElement=[^,]+,SystemFunctions(=|,|$)`,
		},
	}
}

func (s Settings) document() map[string]interface{} {
	patterns := make([]interface{}, len(s.ProtectedPatterns))
	for i, p := range s.ProtectedPatterns {
		patterns[i] = p
	}
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"max_change_set_mos": s.MaxChangeSetMOs,
			"protected_patterns": patterns,
		},
	}
}
