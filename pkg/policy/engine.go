package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// Engine evaluates Rego policies against a resolved configuration.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
}

// compiledPolicy represents a prepared policy query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine. When builtins is true the policies
// returned by BuiltinPolicies are loaded.
func NewEngine(ctx context.Context, builtins bool) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   telemetry.FromContext(ctx).NewComponentLogger("policy"),
	}

	if builtins {
		for _, p := range BuiltinPolicies() {
			if err := e.AddPolicy(ctx, p); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
			}
		}
		e.logger.WithField("count", len(e.policies)).Debug("Built-in policies loaded")
	}

	return e, nil
}

// compile parses p and prepares a query for its deny rule.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, errors.New("policy name is required")
	}

	filename := p.Name + ".rego"
	module, err := ast.ParseModule(filename, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, errors.New("policy is empty")
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(filename, p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// AddPolicy compiles p and adds it, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.WithField("policy", p.Name).Debug("Policy compiled successfully")
	return nil
}

// LoadPolicies loads policy files from paths and adds them.
func (e *Engine) LoadPolicies(ctx context.Context, loader *Loader, paths []string) error {
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Reload(ctx, policies)
}

// Reload replaces every policy that is not built in with policies. Nothing
// changes when any of them fails to compile.
func (e *Engine) Reload(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.Source == SourceBuiltin {
			return fmt.Errorf("policy %s: source %q is reserved", p.Name, SourceBuiltin)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Source != SourceBuiltin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.WithField("count", len(compiled)).Info("Policies loaded successfully")
	return nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is recorded in Result.Failures and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	if input == nil {
		return nil, errors.New("policy input is nil")
	}
	start := time.Now()

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()

	sort.Slice(policies, func(i, j int) bool {
		return policies[i].policy.Name < policies[j].policy.Name
	})

	result := &Result{Allowed: true, Violations: []Violation{}}
	for _, cp := range policies {
		result.Evaluated = append(result.Evaluated, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("Policy evaluation failed")
			result.Failures = append(result.Failures, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		a, b := result.Violations[i], result.Violations[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Message < b.Message
	})

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
		}
	}
	result.Duration = time.Since(start)

	e.publish(ctx, result)

	e.logger.WithFields(map[string]interface{}{
		"policies":   len(result.Evaluated),
		"violations": len(result.Violations),
		"duration":   result.Duration.String(),
	}).Debug("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("deny must be a set, got %T", r.Expressions[0].Value)
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation converts one deny entry. Entries are either a message
// string or an object with message, severity and key fields.
func createViolation(p Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = parseSeverity(sev, p.Severity)
		}
		if key, ok := d["key"].(string); ok {
			v.Key = key
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	if v.Message == "" {
		v.Message = p.Description
	}
	return v
}

func (e *Engine) publish(ctx context.Context, result *Result) {
	t := telemetry.FromTelemetryContext(ctx)
	if t == nil || t.Events == nil {
		return
	}
	for _, v := range result.Violations {
		if v.Severity != SeverityError {
			continue
		}
		if err := t.Events.PublishPolicyViolation(v.Key, v.Policy, v.Message); err != nil {
			e.logger.WithError(err).Warn("Failed to publish policy violation")
		}
	}
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.WithField("policy", name).WithField("enabled", enabled).Info("Policy state changed")
	return nil
}
