package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithEventID(ctx, "evt-1")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithCorrelationID(ctx, "corr-1")

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"event_id", "evt-1",
		"correlation_id", "corr-1",
	}, GetLogFields(ctx))
}

func TestGettersOnMissingValues(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetTraceID(ctx))
	assert.Equal(t, "", GetServiceName(ctx))
}
