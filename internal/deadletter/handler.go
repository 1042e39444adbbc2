package deadletter

import (
	"context"
	"fmt"
	"time"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/internal/queue"
	"relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
)

// Requeuer puts a redriven event back on a queue with a fresh receive count.
type Requeuer interface {
	Requeue(ctx context.Context, queue string, event models.Event) (string, error)
	Has(queue string) bool
}

// Notifier is told about every newly dead-lettered message.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type Handler struct {
	store     Store
	requeuer  Requeuer
	notifier  Notifier
	retention time.Duration
	pageSize  int
	logger    logger.Logger
	now       func() time.Time
}

type Option func(*Handler)

func WithNotifier(n Notifier) Option {
	return func(h *Handler) {
		h.notifier = n
	}
}

func WithRetention(d time.Duration) Option {
	return func(h *Handler) {
		h.retention = d
	}
}

func WithPageSize(n int) Option {
	return func(h *Handler) {
		h.pageSize = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func NewHandler(store Store, requeuer Requeuer, log logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		requeuer:  requeuer,
		retention: time.Duration(constants.DefaultDeadLetterRetentionDays) * 24 * time.Hour,
		pageSize:  constants.DefaultDeadLetterPageSize,
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record stores a message that exceeded its queue's max receive count. It
// satisfies queue.DeadLetterSink.
func (h *Handler) Record(ctx context.Context, dl queue.DeadLetter) error {
	rec := recordFrom(dl)
	if err := h.store.Insert(ctx, rec); err != nil {
		return errors.ErrServiceUnavailable.WithMessage("dead letter store unavailable").WithCause(err)
	}

	h.logger.InfowCtx(ctx, "Recorded dead letter",
		"id", rec.ID,
		"queue", rec.LastQueue,
		"event_id", rec.Event.ID,
		"receive_count", rec.ReceiveCount)
	h.refreshSize(ctx)

	if h.notifier != nil {
		h.notifier.Notify(ctx, models.Notification{
			NotificationType: models.NotificationDeadLettered,
			Queue:            rec.LastQueue,
			EventID:          rec.Event.ID,
			CorrelationID:    rec.Event.CorrelationID,
			Reason:           rec.Reason,
			Timestamp:        rec.DeadLetteredAt,
			Metadata: map[string]interface{}{
				"dead_letter_id": rec.ID,
				"receive_count":  rec.ReceiveCount,
			},
		})
	}
	return nil
}

func (h *Handler) Get(ctx context.Context, id string) (Record, error) {
	return h.store.Get(ctx, id)
}

// List pages through records in dead-letter order. queue filters by the
// source queue or its DLQ name; empty lists everything.
func (h *Handler) List(ctx context.Context, queueName, pageToken string, pageSize int) (Page, error) {
	if pageSize < 0 || pageSize > constants.MaxDeadLetterPageSize {
		return Page{}, errors.ErrValidation.WithMessage(
			fmt.Sprintf("pageSize must be between 1 and %d", constants.MaxDeadLetterPageSize))
	}
	if pageSize == 0 {
		pageSize = h.pageSize
	}

	after, err := decodePageToken(pageToken)
	if err != nil {
		return Page{}, err
	}

	records, lastSeq, more, err := h.store.List(ctx, queueName, after, pageSize)
	if err != nil {
		return Page{}, errors.ErrServiceUnavailable.WithMessage("dead letter store unavailable").WithCause(err)
	}

	page := Page{Records: records}
	if page.Records == nil {
		page.Records = []Record{}
	}
	if more {
		page.NextPageToken = encodePageToken(lastSeq)
	}
	return page, nil
}

// Redrive removes the record and re-enqueues its original event as a fresh
// message. The record is put back if the enqueue fails. targetQueue defaults
// to the queue it died in.
func (h *Handler) Redrive(ctx context.Context, id, targetQueue string) (RedriveResult, error) {
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return RedriveResult{}, err
	}

	if targetQueue == "" {
		targetQueue = rec.LastQueue
	}
	if !h.requeuer.Has(targetQueue) {
		metrics.IncRedrive(targetQueue, "failed")
		return RedriveResult{}, errors.ErrNotFound.
			WithMessage(fmt.Sprintf("queue %s not found", targetQueue)).
			WithDetail("queue", targetQueue)
	}

	// Claim the record before enqueueing so concurrent redrives of the same
	// id cannot both succeed.
	claimed, err := h.store.Delete(ctx, id)
	if err != nil {
		metrics.IncRedrive(targetQueue, "failed")
		return RedriveResult{}, errors.ErrServiceUnavailable.WithMessage("dead letter store unavailable").WithCause(err)
	}
	if !claimed {
		return RedriveResult{}, recordNotFound(id)
	}

	messageID, err := h.requeuer.Requeue(ctx, targetQueue, rec.Event)
	if err != nil {
		metrics.IncRedrive(targetQueue, "failed")
		if restoreErr := h.store.Insert(ctx, rec); restoreErr != nil {
			h.logger.ErrorwCtx(ctx, "Failed to restore dead letter after redrive failure",
				"id", id, "queue", targetQueue, "error", restoreErr)
		}
		return RedriveResult{}, err
	}

	metrics.IncRedrive(targetQueue, "success")
	h.refreshSize(ctx)
	h.logger.InfowCtx(ctx, "Redrove dead letter",
		"id", id, "queue", targetQueue, "message_id", messageID, "event_id", rec.Event.ID)

	return RedriveResult{RecordID: id, Queue: targetQueue, MessageID: messageID}, nil
}

// Sweep purges records older than the retention period.
func (h *Handler) Sweep(ctx context.Context) (int, error) {
	cutoff := h.now().Add(-h.retention)
	n, err := h.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.logger.InfowCtx(ctx, "Purged expired dead letters", "count", n)
	}
	h.refreshSize(ctx)
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (h *Handler) Run(ctx context.Context, interval time.Duration) error {
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
			if _, err := h.Sweep(ctx); err != nil {
				h.logger.WarnwCtx(ctx, "Dead letter sweep failed", "error", err)
			}
		}
	}
}

func (h *Handler) refreshSize(ctx context.Context) {
	n, err := h.store.Count(ctx)
	if err != nil {
		h.logger.DebugwCtx(ctx, "Failed to count dead letters", "error", err)
		return
	}
	metrics.SetDLQSize(n)
}
