package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/models"
)

func fifoQueue(name string) Config {
	cfg := standardQueue(name)
	cfg.FIFO = true
	cfg.DedupWindow = 5 * time.Minute
	return cfg
}

func eventIDs(deliveries []Delivery) []string {
	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.Event.ID)
	}
	return ids
}

func TestFIFOGroupOrdering(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, clock, fifoQueue("analyticsQueue"))
	ctx := context.Background()

	for _, ev := range []models.Event{
		testEvent("a1", "session-a"),
		testEvent("a2", "session-a"),
		testEvent("b1", "session-b"),
		testEvent("a3", "session-a"),
	} {
		_, err := m.Enqueue(ctx, "analyticsQueue", ev)
		require.NoError(t, err)
	}

	batch, err := m.Receive(ctx, "analyticsQueue", ReceiveOptions{MaxMessages: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, eventIDs(batch))

	// a1 is in flight, so session-a stays blocked.
	batch2, err := m.Receive(ctx, "analyticsQueue", ReceiveOptions{MaxMessages: 10})
	require.NoError(t, err)
	assert.Empty(t, batch2)

	require.NoError(t, m.Ack(ctx, "analyticsQueue", batch[0].Handle))
	require.NoError(t, m.Ack(ctx, "analyticsQueue", batch[1].Handle))
	batch3, err := m.Receive(ctx, "analyticsQueue", ReceiveOptions{MaxMessages: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, eventIDs(batch3))

	// Expiry redelivers a2 before a3.
	clock.Advance(31 * time.Second)
	batch4, err := m.Receive(ctx, "analyticsQueue", ReceiveOptions{MaxMessages: 10})
	require.NoError(t, err)
	require.Len(t, batch4, 1)
	assert.Equal(t, "a2", batch4[0].Event.ID)
	assert.Equal(t, 2, batch4[0].ReceiveCount)

	require.NoError(t, m.Ack(ctx, "analyticsQueue", batch4[0].Handle))
	batch5, err := m.Receive(ctx, "analyticsQueue", ReceiveOptions{MaxMessages: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, eventIDs(batch5))
}

func TestFIFODeadLetterUnblocksGroup(t *testing.T) {
	clock := newFakeClock()
	cfg := fifoQueue("q")
	cfg.MaxReceiveCount = 1
	m, sink := newTestManager(t, clock, cfg)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "q", testEvent("a1", "session-a"))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "q", testEvent("a2", "session-a"))
	require.NoError(t, err)

	require.Equal(t, []string{"a1"}, eventIDs(receiveOne(t, m, "q")))
	clock.Advance(time.Minute)

	got := receiveOne(t, m, "q")
	assert.Equal(t, []string{"a2"}, eventIDs(got))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "a1", sink.all()[0].Event.ID)
}

// gatedSink holds Record until released and then fails with err.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *gatedSink) Record(_ context.Context, _ DeadLetter) error {
	s.entered <- struct{}{}
	<-s.release
	return s.err
}

func TestFIFOGroupBlockedWhileDeadLetterTransferPending(t *testing.T) {
	clock := newFakeClock()
	cfg := fifoQueue("q")
	cfg.MaxReceiveCount = 1
	m, _ := newTestManager(t, clock, cfg)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "q", testEvent("a1", "session-a"))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "q", testEvent("a2", "session-a"))
	require.NoError(t, err)

	require.Equal(t, []string{"a1"}, eventIDs(receiveOne(t, m, "q")))
	clock.Advance(time.Minute)

	gate := &gatedSink{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     fmt.Errorf("store down"),
	}
	m.SetDeadLetterSink(gate)

	done := make(chan []Delivery, 1)
	go func() {
		out, _ := m.Receive(ctx, "q", ReceiveOptions{MaxMessages: 1, ConsumerID: "c1"})
		done <- out
	}()
	<-gate.entered

	// a1 is mid-transfer and may come back, so a2 must wait.
	assert.Empty(t, receiveOne(t, m, "q"))

	close(gate.release)
	assert.Empty(t, <-done)

	stats, err := m.Stats("q")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)

	sink := &recordingSink{}
	m.SetDeadLetterSink(sink)
	assert.Equal(t, []string{"a2"}, eventIDs(receiveOne(t, m, "q")))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "a1", sink.all()[0].Event.ID)
}

func TestFIFODeduplication(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, clock, fifoQueue("q"))
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	dup, err := m.Enqueue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.MessageID, dup.MessageID)

	stats, err := m.Stats("q")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	clock.Advance(5*time.Minute + time.Second)
	again, err := m.Enqueue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.NotEqual(t, first.MessageID, again.MessageID)
}

func TestDedupFieldsSelectKey(t *testing.T) {
	clock := newFakeClock()
	cfg := fifoQueue("q")
	cfg.DedupFields = []string{"correlation_id", "detail.interactionType"}
	m, _ := newTestManager(t, clock, cfg)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)

	res, err := m.Enqueue(ctx, "q", testEvent("e2", "c1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate, "same correlation and interaction type")

	other := testEvent("e3", "c1")
	other.Detail["interactionType"] = "text"
	res, err = m.Enqueue(ctx, "q", other)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestRequeueBypassesDedup(t *testing.T) {
	m, _ := newTestManager(t, newFakeClock(), fifoQueue("q"))
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)

	id, err := m.Requeue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, id)

	stats, err := m.Stats("q")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)

	_, err = m.Requeue(ctx, "missing", testEvent("e1", "c1"))
	assert.True(t, errors.IsTargetUnavailable(err))
}

type failingDeduper struct {
	released int
}

func (d *failingDeduper) Claim(context.Context, string, string, time.Duration) (string, bool, error) {
	return "", false, fmt.Errorf("connection refused")
}

func (d *failingDeduper) Release(context.Context, string, string) error {
	d.released++
	return nil
}

func TestDedupStoreFailurePolicy(t *testing.T) {
	tests := []struct {
		name       string
		failClosed bool
	}{
		{name: "allow", failClosed: false},
		{name: "fail", failClosed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(logger.NopLogger(), WithClock(newFakeClock()))
			cfg := fifoQueue("q")
			cfg.FailOnDedupErr = tt.failClosed
			require.NoError(t, m.AddQueue(cfg, &failingDeduper{}))

			res, err := m.Enqueue(context.Background(), "q", testEvent("e1", "c1"))
			if tt.failClosed {
				require.Error(t, err)
				assert.True(t, errors.IsTargetUnavailable(err))
				return
			}
			require.NoError(t, err)
			assert.False(t, res.Duplicate)
		})
	}
}

func TestDedupClaimReleasedWhenQueueFull(t *testing.T) {
	clock := newFakeClock()
	dedup := NewMemoryDeduper(clock)
	m := NewManager(logger.NopLogger(), WithClock(clock))
	cfg := fifoQueue("q")
	cfg.MaxDepth = 1
	require.NoError(t, m.AddQueue(cfg, dedup))
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "q", testEvent("e1", "c1"))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "q", testEvent("e2", "c2"))
	require.Error(t, err)
	assert.Equal(t, 1, dedup.Size())
}
