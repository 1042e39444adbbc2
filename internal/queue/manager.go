package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/tracing"
)

type ReceiveOptions struct {
	MaxMessages int
	WaitSeconds int
	ConsumerID  string
}

// Manager owns every configured queue. Queues synchronise independently;
// mu only guards the name table.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue

	sinkMu sync.RWMutex
	sink   DeadLetterSink

	clock  Clock
	logger logger.Logger
}

type Option func(*Manager)

func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func NewManager(log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		queues: make(map[string]*Queue),
		clock:  systemClock{},
		logger: log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromConfig builds a manager with every configured queue. rdb may be nil
// when no queue uses the redis dedup store.
func FromConfig(queues []config.QueueConfig, rdb *redis.Client, cb config.CircuitBreakerConfig, log logger.Logger, opts ...Option) (*Manager, error) {
	m := NewManager(log, opts...)
	for _, qc := range queues {
		var dedup Deduper
		switch qc.DedupStore {
		case constants.DedupStoreRedis:
			if rdb == nil {
				return nil, fmt.Errorf("queue %s: redis dedup store requires a redis connection", qc.Name)
			}
			dedup = NewCircuitBreakerDeduper(NewRedisDeduper(rdb), "redis-dedup-"+qc.Name, cb)
		default:
			dedup = NewMemoryDeduper(m.clock)
		}
		if err := m.AddQueue(ConfigFrom(qc), dedup); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) AddQueue(cfg Config, dedup Deduper) error {
	if cfg.Name == "" {
		return errors.ErrValidation.WithMessage("queue name is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = constants.DefaultVisibilityTimeoutSeconds * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[cfg.Name]; exists {
		return errors.ErrConflict.WithMessage(fmt.Sprintf("queue %s already exists", cfg.Name))
	}
	m.queues[cfg.Name] = newQueue(cfg, dedup, m.clock, m.deadLetterSink, m.logger)
	return nil
}

// SetDeadLetterSink installs the destination for dead-lettered messages.
func (m *Manager) SetDeadLetterSink(sink DeadLetterSink) {
	m.sinkMu.Lock()
	m.sink = sink
	m.sinkMu.Unlock()
}

func (m *Manager) deadLetterSink() DeadLetterSink {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	return m.sink
}

func (m *Manager) queue(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

func (m *Manager) Has(name string) bool {
	_, ok := m.queue(name)
	return ok
}

func queueNotFound(name string) *errors.Error {
	return errors.ErrNotFound.WithMessage(fmt.Sprintf("queue %s not found", name)).WithDetail("queue", name)
}

// Enqueue adds event to the named queue. FIFO queues and queues with a dedup
// window drop duplicates and report the message that got there first.
func (m *Manager) Enqueue(ctx context.Context, name string, event models.Event) (EnqueueResult, error) {
	q, ok := m.queue(name)
	if !ok {
		metrics.IncEnqueued(name, "unavailable")
		return EnqueueResult{}, errors.ErrTargetUnavailable.
			WithMessage(fmt.Sprintf("queue %s does not exist", name)).
			WithDetail("queue", name)
	}

	res, err := q.enqueue(ctx, event, true)
	if err != nil {
		metrics.IncEnqueued(name, "unavailable")
		return EnqueueResult{}, err
	}
	return res, nil
}

// Requeue adds a fresh copy of event without consulting dedup. Redrive uses
// it so that a dead letter can return within its dedup window.
func (m *Manager) Requeue(ctx context.Context, name string, event models.Event) (string, error) {
	q, ok := m.queue(name)
	if !ok {
		return "", errors.ErrTargetUnavailable.
			WithMessage(fmt.Sprintf("queue %s does not exist", name)).
			WithDetail("queue", name)
	}

	res, err := q.enqueue(ctx, event, false)
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

func (m *Manager) Receive(ctx context.Context, name string, opts ReceiveOptions) (deliveries []Delivery, err error) {
	if opts.MaxMessages == 0 {
		opts.MaxMessages = 1
	}
	if opts.MaxMessages < 1 || opts.MaxMessages > constants.MaxReceiveBatch {
		return nil, errors.ErrValidation.WithMessage(
			fmt.Sprintf("maxMessages must be between 1 and %d", constants.MaxReceiveBatch))
	}
	if opts.WaitSeconds < 0 || opts.WaitSeconds > constants.MaxWaitSeconds {
		return nil, errors.ErrValidation.WithMessage(
			fmt.Sprintf("waitSeconds must be between 0 and %d", constants.MaxWaitSeconds))
	}

	q, ok := m.queue(name)
	if !ok {
		return nil, queueNotFound(name)
	}

	ctx, span := tracing.StartSpan(ctx, "queue.receive",
		attribute.String("queue", name),
		attribute.Int("max_messages", opts.MaxMessages),
		attribute.Int("wait_seconds", opts.WaitSeconds))
	defer func() {
		span.SetAttributes(attribute.Int("received", len(deliveries)))
		tracing.EndSpan(span, err)
	}()

	deliveries, err = q.receive(ctx, opts.MaxMessages, time.Duration(opts.WaitSeconds)*time.Second, opts.ConsumerID)
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// Ack deletes the message behind handle. A handle whose message was already
// deleted, dead-lettered or received again is ignored.
func (m *Manager) Ack(ctx context.Context, name, handle string) error {
	q, ok := m.queue(name)
	if !ok {
		return queueNotFound(name)
	}

	messageID, receipt, err := parseHandle(handle)
	if err != nil {
		return errors.ErrValidation.WithMessage(err.Error())
	}

	if !q.ack(messageID, receipt) {
		m.logger.InfowCtx(ctx, "Ignored stale acknowledgement", "queue", name, "message_id", messageID)
		metrics.IncAcked(name, "stale")
		return nil
	}
	metrics.IncAcked(name, "success")
	return nil
}

// ChangeVisibility moves the visibility deadline of a received message to
// now+seconds. Zero releases it immediately; reason is recorded in the
// message's failure history when it is next received.
func (m *Manager) ChangeVisibility(ctx context.Context, name, handle string, seconds int, reason string) error {
	if seconds < 0 || seconds > constants.MaxVisibilityTimeoutSeconds {
		return errors.ErrValidation.WithMessage(
			fmt.Sprintf("visibility timeout must be between 0 and %d seconds", constants.MaxVisibilityTimeoutSeconds))
	}

	q, ok := m.queue(name)
	if !ok {
		return queueNotFound(name)
	}

	messageID, receipt, err := parseHandle(handle)
	if err != nil {
		return errors.ErrValidation.WithMessage(err.Error())
	}

	if !q.changeVisibility(messageID, receipt, time.Duration(seconds)*time.Second, reason) {
		return errors.ErrNotFound.
			WithMessage("receipt handle is no longer current").
			WithDetail("queue", name).
			WithDetail("message_id", messageID)
	}

	m.logger.DebugwCtx(ctx, "Changed message visibility",
		"queue", name, "message_id", messageID, "seconds", seconds)
	return nil
}

func (m *Manager) Stats(name string) (Stats, error) {
	q, ok := m.queue(name)
	if !ok {
		return Stats{}, queueNotFound(name)
	}
	return q.stats(), nil
}

func (m *Manager) ListQueues() []Stats {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(queues))
	for _, q := range queues {
		out = append(out, q.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep applies retention to every queue and refreshes depth gauges.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	total := 0
	for _, q := range queues {
		n := q.sweep(now)
		if n > 0 {
			m.logger.InfowCtx(ctx, "Removed messages past retention", "queue", q.Name(), "count", n)
			metrics.AddExpired(q.Name(), n)
		}
		total += n

		s := q.stats()
		metrics.SetQueueDepth(q.Name(), s.Visible, s.InFlight)
	}
	return total
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = constants.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close stops every queue. Pending long polls return and later calls fail
// with TargetUnavailable.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.close()
	}
}
