package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
)

// Evaluator runs Validate and then the contract's optional CEL condition
// expression. Compiled programs are cached by expression text.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator whose expressions see `event` (string) and
// `data` (the raw trigger payload).
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "trigger"),
	}, nil
}

// Match reports whether the event fires the contract. Expression failures are
// logged and treated as not matching.
func (e *Evaluator) Match(ctx context.Context, c *contracts.SettlementContract, event string, data contracts.TriggerData) bool {
	if !Validate(c.TriggerType, c.Conditions, event, data) {
		return false
	}
	if c.ConditionExpression == "" {
		return true
	}
	ok, err := e.Eval(c.ConditionExpression, event, data.Raw)
	if err != nil {
		e.logger.WarnContext(ctx, "condition expression failed",
			"contract_id", c.ID, "expression", c.ConditionExpression, "error", err)
		return false
	}
	return ok
}

// Compile checks that expr is a valid boolean expression.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval evaluates expr against event and payload.
func (e *Evaluator) Eval(expr, event string, payload map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	data, _ := celValue(payload).(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"event": event, "data": data})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

// celValue converts json.Number, which CEL cannot adapt, to int64 or float64.
func celValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = celValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = celValue(val)
		}
		return out
	default:
		return v
	}
}
