package policy

import (
	"time"

	"github.com/openfroyo/envgraph/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityError fails the check.
	SeverityError Severity = "error"
	// SeverityWarning is reported without failing the check.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
)

// parseSeverity maps s to a Severity, falling back to def.
func parseSeverity(s string, def Severity) Severity {
	switch Severity(s) {
	case SeverityError, SeverityWarning, SeverityInfo:
		return Severity(s)
	case "critical":
		return SeverityError
	}
	return def
}

// Policy is a Rego module whose deny rule reports violations.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, or "builtin".
	Source string `json:"source,omitempty"`
}

// SourceBuiltin marks policies compiled into envgraph.
const SourceBuiltin = "builtin"

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Key      string   `json:"key,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	Evaluated []string      `json:"evaluated"`
	Duration  time.Duration `json:"duration"`
}

// Errors returns the violations with error severity.
func (r *Result) Errors() []Violation {
	return r.bySeverity(SeverityError)
}

// Warnings returns the violations with warning severity.
func (r *Result) Warnings() []Violation {
	return r.bySeverity(SeverityWarning)
}

func (r *Result) bySeverity(s Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Environment string                  `json:"environment"`
	Config      map[string]InputItem    `json:"config"`
	Sources     []engine.SnapshotSource `json:"sources"`
	Settings    engine.SnapshotSettings `json:"settings"`
}

// InputItem is one item as seen by a policy. Sensitive values are never
// exposed; only their presence and length are.
type InputItem struct {
	Value       interface{} `json:"value"`
	IsSensitive bool        `json:"isSensitive"`
	HasValue    bool        `json:"hasValue"`
	Length      int         `json:"length"`
}

// NewInput builds a policy input from a resolved snapshot.
func NewInput(snap *engine.Snapshot, environment string) *Input {
	in := &Input{
		Environment: environment,
		Config:      make(map[string]InputItem, len(snap.Config)),
		Sources:     snap.Sources,
		Settings:    snap.Settings,
	}
	if in.Sources == nil {
		in.Sources = []engine.SnapshotSource{}
	}

	for key, it := range snap.Config {
		item := InputItem{IsSensitive: it.IsSensitive}
		if it.Value != nil {
			item.HasValue = true
			if s, ok := it.Value.(string); ok {
				item.Length = len(s)
				item.HasValue = s != ""
			}
		}
		if !it.IsSensitive {
			item.Value = it.Value
		}
		in.Config[key] = item
	}
	return in
}
