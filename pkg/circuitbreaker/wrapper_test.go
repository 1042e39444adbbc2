package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
)

func TestWrapper_OpensAfterFailures(t *testing.T) {
	w := NewWrapper(FromConfig("webhook:test", config.CircuitBreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	}))

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := w.Run(context.Background(), func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.True(t, w.IsOpen())
	err := w.Run(context.Background(), func() error { return nil })
	assert.True(t, IsOpenError(err))
}

func TestWrapper_CancelledContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("cancelled"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := w.Run(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}
