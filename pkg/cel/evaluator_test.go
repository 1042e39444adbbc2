package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/models"
)

func newTestEvent() models.Event {
	return models.NewEventBuilder().
		WithID("evt-1").
		WithSource("assistant").
		WithType("UserInteraction").
		WithCorrelationID("conv-9").
		WithPriority(models.PriorityHigh).
		WithOccurredAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)).
		WithDetail(map[string]interface{}{
			"interactionType": "voice",
			"confidence":      0.82,
			"locale":          "en-GB",
			"user":            map[string]interface{}{"tier": "premium"},
			"attachments":     []interface{}{"a"},
		}).
		Build()
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "bool expression", expr: `detail.interactionType == "voice"`},
		{name: "dyn expression", expr: `detail.flagged`},
		{name: "envelope fields", expr: `source == "assistant"`},
		{name: "event type", expr: `event_type == "UserInteraction" && id != ""`},
		{name: "type builtin", expr: `type(detail.flagged) == bool`},
		{name: "syntax error", expr: `invalid syntax here!!!`, wantError: true},
		{name: "undefined variable", expr: `payload.status == "x"`, wantError: true},
		{name: "non-bool result", expr: `source + "x"`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eval.Compile(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range RuleExpressionExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateFilterExpression(expr))
		})
	}
}

func TestProgramEval(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	event := newTestEvent()

	tests := []struct {
		name      string
		expr      string
		want      bool
		wantError bool
	}{
		{name: "equals", expr: `detail.interactionType == "voice"`, want: true},
		{name: "range", expr: `detail.confidence >= 0.5 && detail.confidence < 0.8`, want: false},
		{name: "prefix", expr: `detail.locale.startsWith("en")`, want: true},
		{name: "nested", expr: `detail.user.tier == "premium"`, want: true},
		{name: "priority", expr: `priority in ["high", "critical"]`, want: true},
		{name: "event type", expr: `source == "assistant" && event_type == "UserInteraction"`, want: true},
		{name: "event type mismatch", expr: `event_type == "ErrorOccurred"`, want: false},
		{name: "correlation", expr: `correlation_id == "conv-9" && id == "evt-1"`, want: true},
		{name: "timestamp", expr: `occurred_at > timestamp("2024-01-01T00:00:00Z")`, want: true},
		{name: "has on missing", expr: `has(detail.sessionId)`, want: false},
		{name: "size", expr: `size(detail.attachments) > 0`, want: true},
		{name: "missing key errors", expr: `detail.sessionId == "x"`, wantError: true},
		{name: "dyn non-bool errors", expr: `detail.locale`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, err := eval.Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, program.Expression())

			got, err := program.Eval(context.Background(), event)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgramEval_NilDetail(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	program, err := eval.Compile(`has(detail.x)`)
	require.NoError(t, err)

	got, err := program.Eval(context.Background(), models.Event{Source: "a", Type: "b"})
	require.NoError(t, err)
	assert.False(t, got)
}
