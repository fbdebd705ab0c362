// Package policy provides the CEL-based operator policy engine. Policies
// are expressions over the fraud feature set, loaded from the database and
// hot-reloadable.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// Engine compiles and evaluates policy rules.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.PolicyRule
	Program cel.Program
}

// Result is the outcome of one policy evaluation.
type Result struct {
	RuleID string
	Name   string
	Score  float64 // rule score in [0,1] before weighting
	Weight float64
	Err    error
}

// NewEngine creates a policy engine exposing the fraud feature variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("count_5m", cel.IntType),
		cel.Variable("count_1h", cel.IntType),
		cel.Variable("count_24h", cel.IntType),
		cel.Variable("amount_5m", cel.DoubleType),
		cel.Variable("amount_1h", cel.DoubleType),
		cel.Variable("amount_24h", cel.DoubleType),
		cel.Variable("avg_amount", cel.DoubleType),
		cel.Variable("max_amount", cel.DoubleType),
		cel.Variable("total_tx_count", cel.IntType),
		cel.Variable("account_age_days", cel.DoubleType),
		cel.Variable("country", cel.StringType),
		cel.Variable("is_new_country", cel.BoolType),
		cel.Variable("impossible_travel", cel.BoolType),
		cel.Variable("is_new_recipient", cel.BoolType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("previous_fraud_flags", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.PolicyRule) error {
	if rule == nil {
		return fmt.Errorf("policy rule is required")
	}
	_, err := e.compile(rule)
	return err
}

// LoadRule compiles and loads a single rule.
func (e *Engine) LoadRule(rule *domain.PolicyRule) error {
	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[rule.ID] = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules swaps the loaded rule set atomically.
func (e *Engine) ReloadRules(rules []*domain.PolicyRule) error {
	next := make(map[string]*CompiledRule, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// EvaluateAll runs every loaded rule against the activation. Evaluation
// errors are carried in the result, never aborting the batch.
func (e *Engine) EvaluateAll(activation map[string]any) []Result {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiled))
	for _, r := range e.compiled {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	results := make([]Result, 0, len(rules))
	for _, r := range rules {
		result := Result{
			RuleID: r.Rule.ID,
			Name:   r.Rule.Name,
			Weight: r.Rule.Weight,
		}

		out, _, err := r.Program.Eval(activation)
		if err != nil {
			result.Err = err
		} else {
			result.Score = toScore(out)
		}
		results = append(results, result)
	}
	return results
}

func (e *Engine) compile(rule *domain.PolicyRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("policy %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}

// toScore converts a CEL value to a score clamped to [0,1].
func toScore(val ref.Val) float64 {
	var score float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			score = 1.0
		}
	case types.Double:
		score = float64(v)
	case types.Int:
		score = float64(v)
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
