// Package policy decides which requested actions are impactful and must pass
// through the temporal throttle. The rule is an optional CEL expression over
// the action; an empty rule treats every action as impactful.
package policy

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/cel-go/cel"
)

// DefaultAction is used when a caller requests an action without naming it.
const DefaultAction = "Global_Config_Change"

// CompiledRule wraps a pre-compiled CEL program for repeated evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// Classifier evaluates the impactful-action rule. Evaluation is lock-free
// and safe for concurrent use; SetExpression swaps the rule atomically.
type Classifier struct {
	env    *cel.Env
	rule   atomic.Pointer[CompiledRule]
	logger *slog.Logger
}

// NewClassifier compiles expr and returns a Classifier. An empty expr never
// fails.
func NewClassifier(expr string, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action.name", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	c := &Classifier{
		env:    env,
		logger: logger.With("component", "policy.Classifier"),
	}
	if err := c.SetExpression(expr); err != nil {
		return nil, err
	}
	return c, nil
}

// Compile parses and type-checks a CEL expression. It must evaluate to bool.
func (c *Classifier) Compile(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return CompiledRule{Expression: expr, program: prg}, nil
}

// SetExpression replaces the active rule. On a compile error the previous
// rule stays in force.
func (c *Classifier) SetExpression(expr string) error {
	if expr == "" {
		c.rule.Store(nil)
		c.logger.Debug("impactful rule cleared; every action is impactful")
		return nil
	}
	rule, err := c.Compile(expr)
	if err != nil {
		return err
	}
	c.rule.Store(&rule)
	c.logger.Info("impactful rule set", "expression", expr)
	return nil
}

// Expression returns the active rule, or "".
func (c *Classifier) Expression() string {
	if r := c.rule.Load(); r != nil {
		return r.Expression
	}
	return ""
}

// IsImpactful reports whether action must pass through the throttle. An
// evaluation error fails closed: the action is treated as impactful.
func (c *Classifier) IsImpactful(action string) bool {
	rule := c.rule.Load()
	if rule == nil {
		return true
	}

	out, _, err := rule.program.Eval(map[string]any{
		"action.name": action,
	})
	if err != nil {
		c.logger.Warn("impactful rule evaluation failed; treating action as impactful",
			"action", action,
			"expression", rule.Expression,
			"error", err,
		)
		return true
	}
	result, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return result
}

// Validate reports whether expr would compile, without installing it.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	c, err := NewClassifier("", nil)
	if err != nil {
		return err
	}
	_, err = c.Compile(expr)
	return err
}
