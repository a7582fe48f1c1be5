package automation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// expressionCostLimit bounds the work a single CEL evaluation may perform.
const expressionCostLimit = 1000000

// contextVariable is the CEL name under which the execution context is exposed.
const contextVariable = "ctx"

// ExpressionEvaluator compiles and caches CEL programs for expression conditions.
//
// Expressions see the execution context as the dynamic map variable ctx:
//
//	ctx.temperature > 21.5 && ctx.room == "lounge"
//
// Thread Safety: safe for concurrent use.
type ExpressionEvaluator struct {
	env      *cel.Env
	programs map[string]cel.Program // expression source -> compiled program
	mu       sync.RWMutex
}

// NewExpressionEvaluator creates an evaluator with the ctx variable declared.
func NewExpressionEvaluator() (*ExpressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(contextVariable, cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &ExpressionEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks the expression and caches its program.
func (x *ExpressionEvaluator) Compile(expression string) (cel.Program, error) {
	x.mu.RLock()
	prog, ok := x.programs[expression]
	x.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := x.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := x.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	x.mu.Lock()
	x.programs[expression] = prog
	x.mu.Unlock()
	return prog, nil
}

// Evaluate runs the expression against the context. A non-boolean
// result evaluates to false.
func (x *ExpressionEvaluator) Evaluate(expression string, vars map[string]any) (bool, error) {
	prog, err := x.Compile(expression)
	if err != nil {
		return false, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, _, err := prog.Eval(map[string]any{contextVariable: vars})
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

var (
	defaultExpressions     *ExpressionEvaluator
	defaultExpressionsErr  error
	defaultExpressionsOnce sync.Once
)

// sharedExpressions returns the process-wide evaluator used by Condition.Evaluate.
func sharedExpressions() (*ExpressionEvaluator, error) {
	defaultExpressionsOnce.Do(func() {
		defaultExpressions, defaultExpressionsErr = NewExpressionEvaluator()
	})
	return defaultExpressions, defaultExpressionsErr
}
