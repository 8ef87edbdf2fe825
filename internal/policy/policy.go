// Package policy evaluates operator-defined admission rules against parsed
// directives before they reach the cache store. Rules are CEL expressions;
// a directive matching any deny rule is skipped with a typed outcome instead
// of being applied.
package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
	"github.com/ctxctrl/ctxctrl/internal/runtime/directive"
)

// Environment declares the CEL variables exposed to admission rules.
type Environment struct {
	env *cel.Env
}

// NewEnvironment builds the admission environment. Rules see the directive
// under evaluation, the session's current aggregates, and the wall clock.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("directive", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled boolean admission expression.
type Program struct {
	source  string
	program cel.Program
}

// Compile checks and plans the expression, requiring a boolean result.
func (e *Environment) Compile(expression string) (Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("policy: compile %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Program{}, fmt.Errorf("policy: %q must yield a boolean, got %s", expression, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("policy: plan %q: %w", expression, err)
	}
	return Program{source: expression, program: program}, nil
}

// EvalBool executes the program against the provided activation.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("policy: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("policy: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if b, ok := v.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("policy: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original expression for logging.
func (p Program) Source() string { return p.source }

// Rule is one admission rule as loaded from configuration.
type Rule struct {
	Name   string
	Deny   string
	Reason string
}

// Decision is the admission verdict for one directive.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

type compiledRule struct {
	name    string
	reason  string
	program Program
}

// Policy holds the compiled rule set. A nil Policy admits everything.
type Policy struct {
	rules []compiledRule
}

// New compiles the rule set. An empty set is valid and admits everything.
func New(rules []Rule) (*Policy, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	p := &Policy{}
	for _, rule := range rules {
		if rule.Deny == "" {
			return nil, fmt.Errorf("policy: rule %q has no deny expression", rule.Name)
		}
		program, err := env.Compile(rule.Deny)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.Name, err)
		}
		p.rules = append(p.rules, compiledRule{name: rule.Name, reason: rule.Reason, program: program})
	}
	return p, nil
}

// Evaluate runs the deny rules in order against one directive. Evaluation
// errors deny the directive: a rule the operator wrote but that cannot be
// evaluated must not silently admit traffic.
func (p *Policy) Evaluate(d directive.Directive, stats cache.Stats) Decision {
	if p == nil || len(p.rules) == 0 {
		return Decision{Allowed: true}
	}

	vars := map[string]any{
		"directive": activationForDirective(d),
		"session": map[string]any{
			"entryCount":  stats.EntryCount,
			"totalTokens": stats.TotalTokens,
			"totalBytes":  stats.TotalBytes,
		},
		"now": time.Now(),
	}
	for _, rule := range p.rules {
		denied, err := rule.program.EvalBool(vars)
		if err != nil {
			return Decision{Allowed: false, Rule: rule.name, Reason: fmt.Sprintf("rule evaluation failed: %v", err)}
		}
		if denied {
			reason := rule.reason
			if reason == "" {
				reason = fmt.Sprintf("denied by rule %q", rule.name)
			}
			return Decision{Allowed: false, Rule: rule.name, Reason: reason}
		}
	}
	return Decision{Allowed: true}
}

func activationForDirective(d directive.Directive) map[string]any {
	ids := make([]string, len(d.IDs))
	copy(ids, d.IDs)
	return map[string]any{
		"kind":         string(d.Kind),
		"id":           d.ID,
		"ids":          ids,
		"priority":     d.Priority.String(),
		"ttlSeconds":   int64(d.TTL / time.Second),
		"contentBytes": int64(len(d.Content)),
		"label":        d.Label,
	}
}
