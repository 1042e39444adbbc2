package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"relay/pkg/models"
)

// Evaluator owns the CEL environment shared by every rule expression.
// Expressions see the event envelope as top-level variables. The event type
// is bound as event_type because type is a CEL builtin.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("correlation_id", cel.StringType),
		cel.Variable("occurred_at", cel.TimestampType),
		cel.Variable("detail", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Program is a compiled boolean expression. It is safe for concurrent use.
type Program struct {
	expression string
	program    cel.Program
}

func (p *Program) Expression() string {
	return p.expression
}

// Compile parses and type-checks a filter expression. The result type must be
// bool or dyn; dyn results are checked at evaluation time.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter expression must return bool, got %v", out)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Program{expression: expression, program: program}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.Compile(expression)
	return err
}

// Eval runs the program against an event. Evaluation errors, such as a
// missing map key, are returned to the caller.
func (p *Program) Eval(ctx context.Context, event models.Event) (bool, error) {
	detail := event.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}

	vars := map[string]interface{}{
		"id":             event.ID,
		"source":         event.Source,
		"event_type":     event.Type,
		"priority":       string(event.Priority),
		"correlation_id": event.CorrelationID,
		"occurred_at":    event.OccurredAt,
		"detail":         detail,
	}

	result, _, err := p.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
