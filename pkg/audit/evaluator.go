package audit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// Evaluator compiles rule conditions to CEL programs and runs them against
// resource property bags. Programs are compiled once per condition and
// cached; evaluation carries a cost limit so a pathological policy document
// cannot stall an audit. Safe for concurrent use.
type Evaluator struct {
	env  *cel.Env
	mu   sync.RWMutex
	prgs map[string]cel.Program
}

// NewEvaluator builds the CEL environment shared by every rule. Numeric
// comparisons cross types because JSON decoding hands ports over as
// doubles while conditions compare against integer literals.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.DynType),
		cel.Variable("rules", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgs: make(map[string]cel.Program)}, nil
}

// Evaluate runs one rule against one resource. The returned violations are
// empty when the resource is compliant. Errors surface malformed
// conditions or documents the condition could not be applied to.
func (e *Evaluator) Evaluate(rule Rule, resource graph.Node) ([]Violation, error) {
	stmts := parseRulesJSON(resource.Str("rules_json"))
	violated, err := e.eval(rule.Condition, map[string]any{
		"resource": map[string]any(resource),
		"rules":    stmts,
	})
	if err != nil {
		return nil, err
	}
	if !violated {
		return nil, nil
	}
	return rule.describe(rule, resource, stmts), nil
}

func (e *Evaluator) eval(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgs[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		// Double check
		if prg, hit = e.prgs[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgs[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("eval: condition did not produce a bool")
	}
	return val, nil
}
