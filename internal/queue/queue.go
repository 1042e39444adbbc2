package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
)

// Queue holds the messages of one configured queue. mu guards the message
// set; per-message delivery state changes by compare-and-swap so concurrent
// receivers only need the read lock.
type Queue struct {
	cfg    Config
	clock  Clock
	dedup  Deduper
	hasher *Hasher
	sink   func() DeadLetterSink
	logger logger.Logger

	mu      sync.RWMutex
	order   []*Message
	index   map[string]*Message
	garbage int
	seq     uint64
	closed  bool

	notifyMu sync.Mutex
	notify   chan struct{}
}

func newQueue(cfg Config, dedup Deduper, clock Clock, sink func() DeadLetterSink, log logger.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		clock:  clock,
		dedup:  dedup,
		hasher: NewHasher("sha256"),
		sink:   sink,
		logger: log.With("queue", cfg.Name),
		index:  make(map[string]*Message),
		notify: make(chan struct{}),
	}
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

// waitChan returns a channel that is closed on the next state change that
// could make a message receivable.
func (q *Queue) waitChan() <-chan struct{} {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	return q.notify
}

func (q *Queue) broadcast() {
	q.notifyMu.Lock()
	close(q.notify)
	q.notify = make(chan struct{})
	q.notifyMu.Unlock()
}

func (q *Queue) unavailable(msg string) *errors.Error {
	return errors.ErrTargetUnavailable.WithMessage(msg).WithDetail("queue", q.cfg.Name)
}

func (q *Queue) dedupEnabled() bool {
	return q.dedup != nil && q.cfg.DedupWindow > 0
}

func (q *Queue) enqueue(ctx context.Context, event models.Event, dedup bool) (EnqueueResult, error) {
	q.mu.RLock()
	closed, depth := q.closed, len(q.index)
	q.mu.RUnlock()

	if closed {
		return EnqueueResult{}, q.unavailable("queue is closed")
	}
	if q.cfg.MaxDepth > 0 && depth >= q.cfg.MaxDepth {
		return EnqueueResult{}, q.unavailable("queue is at capacity")
	}

	messageID := uuid.NewString()
	claimed := ""

	if dedup && q.dedupEnabled() {
		key := dedupKey(q.cfg.Name, q.hasher.ComputeHash(event, q.cfg.DedupFields))
		existing, fresh, err := q.dedup.Claim(ctx, key, messageID, q.cfg.DedupWindow)
		switch {
		case err != nil && q.cfg.FailOnDedupErr:
			return EnqueueResult{}, errors.ErrTargetUnavailable.
				WithMessage("dedup store unavailable").
				WithDetail("queue", q.cfg.Name).
				WithCause(err)
		case err != nil:
			q.logger.WarnwCtx(ctx, "Dedup store failed, enqueueing without dedup", "error", err)
			metrics.FallbackUsageTotal.WithLabelValues("queue_dedup", "allow").Inc()
		case !fresh:
			q.logger.DebugwCtx(ctx, "Dropped duplicate message", "existing_message_id", existing)
			metrics.IncEnqueued(q.cfg.Name, "duplicate")
			return EnqueueResult{MessageID: existing, Duplicate: true}, nil
		default:
			claimed = key
		}
	}

	now := q.clock.Now()
	msg := &Message{
		ID:              messageID,
		Queue:           q.cfg.Name,
		Event:           event.Clone(),
		GroupID:         event.CorrelationID,
		DedupKey:        claimed,
		FirstEnqueuedAt: now,
	}
	msg.state.Store(&deliveryState{status: statusActive, visibleAt: now})

	if err := q.insert(msg); err != nil {
		if claimed != "" {
			if relErr := q.dedup.Release(ctx, claimed, messageID); relErr != nil {
				q.logger.WarnwCtx(ctx, "Failed to release dedup claim", "error", relErr)
			}
		}
		return EnqueueResult{}, err
	}

	metrics.IncEnqueued(q.cfg.Name, "success")
	q.broadcast()
	return EnqueueResult{MessageID: messageID}, nil
}

func (q *Queue) insert(msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return q.unavailable("queue is closed")
	}
	if q.cfg.MaxDepth > 0 && len(q.index) >= q.cfg.MaxDepth {
		return q.unavailable("queue is at capacity")
	}

	q.seq++
	msg.seq = q.seq
	q.order = append(q.order, msg)
	q.index[msg.ID] = msg
	return nil
}

// remove drops a message that reached a terminal state.
func (q *Queue) remove(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.index[msg.ID] != msg {
		return
	}
	delete(q.index, msg.ID)
	q.garbage++

	if q.garbage > len(q.order)/2 {
		live := make([]*Message, 0, len(q.index))
		for _, m := range q.order {
			if q.index[m.ID] == m {
				live = append(live, m)
			}
		}
		q.order = live
		q.garbage = 0
	}
}

type pendingDeadLetter struct {
	msg  *Message
	prev *deliveryState
	dl   DeadLetter
}

type scanResult struct {
	deliveries  []Delivery
	deadLetters []pendingDeadLetter
	// nextVisible is the earliest time an in-flight message becomes visible
	// again, zero when nothing is in flight.
	nextVisible time.Time
}

func (q *Queue) scan(max int, consumerID string) scanResult {
	now := q.clock.Now()
	var res scanResult

	q.mu.RLock()
	defer q.mu.RUnlock()

	var blocked map[string]bool
	if q.cfg.FIFO {
		blocked = make(map[string]bool)
	}

	for _, msg := range q.order {
		if len(res.deliveries) >= max {
			break
		}

		fifoGroup := q.cfg.FIFO && msg.GroupID != ""
		if fifoGroup && blocked[msg.GroupID] {
			continue
		}

		cur := msg.snapshot()
		if cur.status == statusDeadLettered && fifoGroup {
			// A transfer in flight may still fail and restore the message.
			blocked[msg.GroupID] = true
		}
		if cur.status != statusActive {
			continue
		}
		if fifoGroup {
			// Any earlier live message blocks the rest of its group for this
			// scan, whether or not it is handed out here.
			blocked[msg.GroupID] = true
		}
		if !cur.visible(now) {
			if res.nextVisible.IsZero() || cur.visibleAt.Before(res.nextVisible) {
				res.nextVisible = cur.visibleAt
			}
			continue
		}

		history := cur.history
		if entry, ok := cur.closedDelivery(now, constants.FailureReasonVisibilityExpired); ok {
			history = append(append([]models.FailureEntry(nil), cur.history...), entry)
		}

		nextCount := cur.receiveCount + 1
		if q.cfg.MaxReceiveCount > 0 && nextCount > q.cfg.MaxReceiveCount {
			next := &deliveryState{
				status:       statusDeadLettered,
				visibleAt:    cur.visibleAt,
				receiveCount: cur.receiveCount,
				history:      history,
			}
			if !msg.state.CompareAndSwap(cur, next) {
				continue
			}
			res.deadLetters = append(res.deadLetters, pendingDeadLetter{
				msg:  msg,
				prev: cur,
				dl: DeadLetter{
					MessageID:       msg.ID,
					Queue:           q.cfg.Name,
					RedriveTarget:   q.cfg.RedriveTarget,
					Event:           msg.Event.Clone(),
					ReceiveCount:    cur.receiveCount,
					FirstEnqueuedAt: msg.FirstEnqueuedAt,
					FailureHistory:  history,
					Reason:          ReasonMaxReceiveCount,
					DeadLetteredAt:  now,
				},
			})
			continue
		}

		next := &deliveryState{
			status:       statusActive,
			visibleAt:    now.Add(q.cfg.VisibilityTimeout),
			receiveCount: nextCount,
			receipt:      uuid.NewString(),
			consumerID:   consumerID,
			history:      history,
		}
		if !msg.state.CompareAndSwap(cur, next) {
			continue
		}
		if cur.receipt != "" {
			metrics.IncRetried(q.cfg.Name)
		}

		res.deliveries = append(res.deliveries, Delivery{
			Handle:          makeHandle(msg.ID, next.receipt),
			MessageID:       msg.ID,
			Event:           msg.Event.Clone(),
			ReceiveCount:    next.receiveCount,
			FirstEnqueuedAt: msg.FirstEnqueuedAt,
			VisibleUntil:    next.visibleAt,
		})
	}

	return res
}

// transfer hands pending dead letters to the sink and returns how many left
// the queue. A message whose record could not be written returns to its
// previous state.
func (q *Queue) transfer(ctx context.Context, pending []pendingDeadLetter) int {
	sink := q.sink()
	moved := 0
	for _, p := range pending {
		if sink == nil {
			q.logger.ErrorwCtx(ctx, "No dead letter sink configured, discarding message",
				"message_id", p.msg.ID, "receive_count", p.dl.ReceiveCount)
			q.remove(p.msg)
			moved++
			continue
		}

		if err := sink.Record(ctx, p.dl); err != nil {
			q.logger.ErrorwCtx(ctx, "Failed to dead-letter message, keeping it queued",
				"message_id", p.msg.ID, "error", err)
			p.msg.state.Store(p.prev)
			continue
		}

		q.remove(p.msg)
		moved++
		q.logger.WarnwCtx(ctx, "Message moved to dead letter store",
			"message_id", p.msg.ID,
			"event_id", p.dl.Event.ID,
			"receive_count", p.dl.ReceiveCount)
		metrics.IncDeadLettered(q.cfg.Name, "max_receive_count_exceeded")
	}
	return moved
}

func (q *Queue) receive(ctx context.Context, max int, wait time.Duration, consumerID string) ([]Delivery, error) {
	deadline := time.Now().Add(wait)

	for {
		q.mu.RLock()
		closed := q.closed
		q.mu.RUnlock()
		if closed {
			return nil, q.unavailable("queue is closed")
		}

		changed := q.waitChan()
		res := q.scan(max, consumerID)
		moved := 0
		if len(res.deadLetters) > 0 {
			moved = q.transfer(ctx, res.deadLetters)
		}

		if len(res.deliveries) > 0 {
			metrics.AddReceived(q.cfg.Name, len(res.deliveries))
			return res.deliveries, nil
		}
		if moved > 0 && ctx.Err() == nil {
			// Transfers can unblock a FIFO group; look again before waiting.
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !res.nextVisible.IsZero() {
			if untilVisible := res.nextVisible.Sub(q.clock.Now()); untilVisible < remaining {
				remaining = untilVisible
				if remaining < time.Millisecond {
					remaining = time.Millisecond
				}
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) lookup(messageID string) (*Message, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	msg, ok := q.index[messageID]
	return msg, ok
}

// ack deletes the message if the handle's receipt is still current. It
// reports false for stale handles.
func (q *Queue) ack(messageID, receipt string) bool {
	msg, ok := q.lookup(messageID)
	if !ok {
		return false
	}

	for {
		cur := msg.snapshot()
		if cur.status != statusActive || cur.receipt != receipt {
			return false
		}
		next := &deliveryState{
			status:       statusDeleted,
			visibleAt:    cur.visibleAt,
			receiveCount: cur.receiveCount,
			history:      cur.history,
		}
		if msg.state.CompareAndSwap(cur, next) {
			break
		}
	}

	// The dedup claim outlives the message and expires with its window.
	q.remove(msg)
	return true
}

func (q *Queue) changeVisibility(messageID, receipt string, timeout time.Duration, reason string) bool {
	msg, ok := q.lookup(messageID)
	if !ok {
		return false
	}

	for {
		cur := msg.snapshot()
		if cur.status != statusActive || cur.receipt != receipt {
			return false
		}
		next := *cur
		next.visibleAt = q.clock.Now().Add(timeout)
		if reason != "" {
			next.releaseReason = reason
		} else if timeout == 0 {
			next.releaseReason = constants.FailureReasonReleased
		}
		if msg.state.CompareAndSwap(cur, &next) {
			break
		}
	}

	if timeout == 0 {
		q.broadcast()
	}
	return true
}

func (q *Queue) stats() Stats {
	now := q.clock.Now()
	s := Stats{
		Name:              q.cfg.Name,
		FIFO:              q.cfg.FIFO,
		VisibilityTimeout: int(q.cfg.VisibilityTimeout / time.Second),
		MaxReceiveCount:   q.cfg.MaxReceiveCount,
		RedriveTarget:     q.cfg.RedriveTarget,
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, msg := range q.index {
		st := msg.snapshot()
		if st.status != statusActive {
			continue
		}
		if st.inFlight(now) {
			s.InFlight++
		} else {
			s.Visible++
		}
	}
	s.Total = s.Visible + s.InFlight
	return s
}

// sweep removes messages older than the retention period and returns how
// many it dropped.
func (q *Queue) sweep(now time.Time) int {
	if q.cfg.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-q.cfg.Retention)

	q.mu.RLock()
	var expired []*Message
	for _, msg := range q.index {
		if msg.FirstEnqueuedAt.After(cutoff) {
			continue
		}
		cur := msg.snapshot()
		if cur.status != statusActive {
			continue
		}
		next := *cur
		next.status = statusExpired
		if msg.state.CompareAndSwap(cur, &next) {
			expired = append(expired, msg)
		}
	}
	q.mu.RUnlock()

	for _, msg := range expired {
		q.remove(msg)
	}
	if md, ok := q.dedup.(*MemoryDeduper); ok {
		md.Sweep(now)
	}
	return len(expired)
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.broadcast()
}
