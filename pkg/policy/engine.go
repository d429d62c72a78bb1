package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/rs/zerolog"
)

const (
	// StageSubmit marks evaluations gating a live submission.
	StageSubmit = "submit"

	// StageValidate marks offline evaluations.
	StageValidate = "validate"
)

// Engine evaluates Rego policies against change-sets. It implements
// engine.ChangeSetGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	settings Settings
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings replaces the default settings exposed to policies.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		settings: DefaultSettings(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = inmem.NewFromObject(e.settings.document())
	e.loader = NewLoader(e.logger)

	ctx := context.Background()
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate gates a submission. It returns a POLICY_DENIED error when any
// blocking violation is found.
func (e *Engine) Evaluate(ctx context.Context, summary *engine.ChangeSetSummary) error {
	result, err := e.EvaluateChangeSet(ctx, summary, StageSubmit)
	if err != nil {
		return err
	}
	return DenialError(summary, result)
}

// EvaluateChangeSet runs every enabled policy against summary.
func (e *Engine) EvaluateChangeSet(ctx context.Context, summary *engine.ChangeSetSummary, stage string) (*Result, error) {
	if summary == nil {
		return nil, fmt.Errorf("no change-set to evaluate")
	}
	start := time.Now()

	cs := *summary
	if cs.FDNs == nil {
		cs.FDNs = []string{}
	}
	input := &Input{
		ChangeSet: &cs,
		Context: &Context{
			Timestamp: start,
			Stage:     stage,
			MOCount:   len(cs.FDNs),
		},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", name).Str("job", cs.Job).Msg("Policy evaluation failed")
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("job", cs.Job).Msg(w.Message)
	}
	e.logger.Debug().
		Str("job", cs.Job).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Change-set policy evaluation completed")

	return result, nil
}

// DenialError converts a result into the error returned to the import job,
// or nil when the change-set is allowed.
func DenialError(summary *engine.ChangeSetSummary, result *Result) error {
	if result == nil || result.Allowed {
		return nil
	}
	messages := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		messages[i] = fmt.Sprintf("[%s] %s", v.Policy, v.Message)
	}
	return engine.NewImportError("change-set denied by policy: "+strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(summary.Job).
		WithOperation("policy").
		WithDetail("violations", messages)
}

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
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation builds a Violation from a deny entry, which is either a
// message string or an object with message, severity and fdn keys.
func newViolation(p *Policy, entry interface{}) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: time.Now(),
	}
	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if fdn, ok := d["fdn"].(string); ok {
			v.FDN = fdn
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads policy files and directories, replacing any previously
// loaded user policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps the user policy set. Nothing changes unless every
// policy compiles.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if cp, ok := e.policies[name]; ok && cp.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// Watch reloads the user policies whenever a file under paths changes.
// Watching stops when ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// sortedNames must be called with e.mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
