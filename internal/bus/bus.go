package bus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/fanout"
	"relay/internal/logger"
	"relay/internal/queue"
	"relay/internal/routing"
	"relay/internal/schema"
	"relay/pkg/errors"
	"relay/pkg/logging"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/tracing"
)

type Validator interface {
	Validate(name string, version int, payload interface{}) (schema.ValidationResult, error)
}

type Router interface {
	Evaluate(ctx context.Context, event models.Event) []routing.Match
}

type QueueSink interface {
	Enqueue(ctx context.Context, queue string, event models.Event) (queue.EnqueueResult, error)
}

type TopicSink interface {
	Publish(ctx context.Context, topic string, event models.Event) (fanout.PublishResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusDuplicate = "duplicate"
	DeliveryStatusFailed    = "failed"
)

// Delivery is the outcome of the single attempt made for one target.
type Delivery struct {
	Target              string   `json:"target"`
	Status              string   `json:"status"`
	MessageID           string   `json:"message_id,omitempty"`
	Error               string   `json:"error,omitempty"`
	ErrorCode           string   `json:"error_code,omitempty"`
	FailedSubscriberIDs []string `json:"failed_subscriber_ids,omitempty"`
}

type AcceptResult struct {
	EventID        string       `json:"event_id"`
	CorrelationID  string       `json:"correlation_id"`
	MatchedRuleIDs []string     `json:"matched_rules"`
	Deliveries     []Delivery   `json:"deliveries"`
	Event          models.Event `json:"-"`
}

// Failed reports whether any target attempt failed.
func (r AcceptResult) Failed() bool {
	for _, d := range r.Deliveries {
		if d.Status == DeliveryStatusFailed {
			return true
		}
	}
	return false
}

// Binding pins the schema used for events with a given source and type.
// Version 0 means latest.
type Binding struct {
	Source  string
	Type    string
	Schema  string
	Version int
}

type bindingKey struct {
	source    string
	eventType string
}

func ParseBindings(cfgs []config.SchemaBindingConfig) ([]Binding, error) {
	out := make([]Binding, 0, len(cfgs))
	for _, bc := range cfgs {
		version, err := schema.ParseVersion(bc.Version)
		if err != nil {
			return nil, fmt.Errorf("binding %s/%s: %w", bc.Source, bc.Type, err)
		}
		out = append(out, Binding{Source: bc.Source, Type: bc.Type, Schema: bc.Schema, Version: version})
	}
	return out, nil
}

// Bus is the single ingestion point. Accept is safe for concurrent use.
type Bus struct {
	validator Validator
	router    Router
	queues    QueueSink
	topics    TopicSink
	notifier  Notifier
	bindings  map[bindingKey]Binding

	concurrency int
	logger      logger.Logger
	now         func() time.Time
}

type Option func(*Bus)

func WithBindings(bindings []Binding) Option {
	return func(b *Bus) {
		for _, bd := range bindings {
			b.bindings[bindingKey{source: bd.Source, eventType: bd.Type}] = bd
		}
	}
}

// WithFailureNotifier reports every failed target delivery.
func WithFailureNotifier(n Notifier) Option {
	return func(b *Bus) {
		b.notifier = n
	}
}

func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

func New(validator Validator, router Router, queues QueueSink, topics TopicSink, log logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		validator:   validator,
		router:      router,
		queues:      queues,
		topics:      topics,
		bindings:    make(map[bindingKey]Binding),
		concurrency: constants.DefaultBusConcurrency,
		logger:      log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// resolve returns the schema for an event, falling back to a schema named
// after the event type at its latest version.
func (b *Bus) resolve(source, eventType string) (string, int) {
	if bd, ok := b.bindings[bindingKey{source: source, eventType: eventType}]; ok {
		return bd.Schema, bd.Version
	}
	return eventType, 0
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Accept validates raw, routes it through every matching rule and makes one
// delivery attempt per distinct target. A rejected event is never delivered
// anywhere. Delivery failures do not fail Accept; they are reported in the
// result.
func (b *Bus) Accept(ctx context.Context, raw models.RawEvent) (result AcceptResult, err error) {
	start := time.Now()
	status := "accepted"
	defer func() {
		metrics.ObserveAcceptDuration(time.Since(start), status)
	}()

	ctx, span := tracing.StartSpan(ctx, "bus.accept",
		attribute.String("event.source", raw.Source),
		attribute.String("event.type", raw.Type))
	defer func() { tracing.EndSpan(span, err) }()

	if verr := models.ValidateRawEvent(&raw); verr != nil {
		status = "rejected"
		return AcceptResult{}, b.reject(ctx, raw, "invalid_envelope", errors.ErrValidation.
			WithMessage(verr.Error()).
			WithCause(verr))
	}

	event := b.stamp(raw)
	ctx = logging.WithEventID(ctx, event.ID)
	ctx = logging.WithCorrelationID(ctx, event.CorrelationID)
	span.SetAttributes(attribute.String("event.id", event.ID))

	schemaName, version := b.resolve(event.Source, event.Type)
	if _, verr := b.validator.Validate(schemaName, version, event.Detail); verr != nil {
		status = "rejected"
		return AcceptResult{}, b.reject(ctx, raw, rejectionReason(verr), asIngestError(verr))
	}

	metrics.IncAccepted(event.Source, event.Type)

	matches := b.router.Evaluate(ctx, event)
	targets := routing.DistinctTargets(matches)

	result = AcceptResult{
		EventID:        event.ID,
		CorrelationID:  event.CorrelationID,
		MatchedRuleIDs: routing.RuleIDs(matches),
		Deliveries:     b.dispatch(ctx, event, targets),
		Event:          event,
	}
	if result.Failed() {
		status = "partial"
	}

	b.logger.DebugwCtx(ctx, "Accepted event",
		"source", event.Source,
		"type", event.Type,
		"matched_rules", result.MatchedRuleIDs,
		"targets", len(targets))
	return result, nil
}

// stamp fills in the fields the producer may leave out.
func (b *Bus) stamp(raw models.RawEvent) models.Event {
	priority, _ := models.ParsePriority(raw.Priority)

	event := models.Event{
		ID:            raw.ID,
		Source:        raw.Source,
		Type:          raw.Type,
		Detail:        raw.Detail,
		CorrelationID: raw.CorrelationID,
		Priority:      priority,
	}
	if event.ID == "" {
		event.ID = newEventID()
	}
	if raw.OccurredAt != nil && !raw.OccurredAt.IsZero() {
		event.OccurredAt = raw.OccurredAt.UTC()
	} else {
		event.OccurredAt = b.now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = event.ID
	}
	return event
}

func (b *Bus) reject(ctx context.Context, raw models.RawEvent, reason string, err error) error {
	metrics.IncRejected(reason)
	b.logger.InfowCtx(ctx, "Rejected event",
		"source", raw.Source,
		"type", raw.Type,
		"reason", reason,
		"error", err)
	return err
}

func rejectionReason(err error) string {
	switch {
	case errors.IsSchemaNotFound(err):
		return "schema_not_found"
	case errors.IsSchemaMismatch(err):
		return "schema_mismatch"
	default:
		return "invalid_envelope"
	}
}

// asIngestError reports a missing schema as unprocessable rather than as a
// missing resource, since the request path itself exists.
func asIngestError(err error) error {
	var appErr *errors.Error
	if !errors.As(err, &appErr) || !errors.IsSchemaNotFound(err) {
		return err
	}
	out := appErr.WithMessage(appErr.Message)
	out.Status = http.StatusUnprocessableEntity
	return out
}

func (b *Bus) dispatch(ctx context.Context, event models.Event, targets []models.TargetRef) []Delivery {
	deliveries := make([]Delivery, len(targets))
	if len(targets) == 0 {
		return deliveries
	}

	g := new(errgroup.Group)
	g.SetLimit(b.concurrency)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			deliveries[i] = b.deliver(ctx, event, target)
			return nil
		})
	}
	_ = g.Wait()

	return deliveries
}

func (b *Bus) deliver(ctx context.Context, event models.Event, target models.TargetRef) Delivery {
	d := Delivery{Target: target.String()}

	err := errors.Guard(func() error {
		switch target.Kind {
		case models.TargetQueue:
			res, err := b.queues.Enqueue(ctx, target.Name, event)
			if err != nil {
				return err
			}
			d.MessageID = res.MessageID
			if res.Duplicate {
				d.Status = DeliveryStatusDuplicate
			}
			return nil
		case models.TargetTopic:
			res, err := b.topics.Publish(ctx, target.Name, event)
			d.FailedSubscriberIDs = res.FailedSubscriberIDs
			return err
		default:
			return errors.ErrTargetUnavailable.WithMessage(fmt.Sprintf("unknown target kind %q", target.Kind))
		}
	})

	if err == nil {
		if d.Status == "" {
			d.Status = DeliveryStatusDelivered
		}
		metrics.IncDeliveryAttempt(d.Target, "success")
		return d
	}

	d.Status = DeliveryStatusFailed
	d.Error = err.Error()
	d.ErrorCode = errors.Code(err)
	metrics.IncDeliveryAttempt(d.Target, "failed")
	b.logger.WarnwCtx(ctx, "Delivery to target failed",
		"target", d.Target,
		"error_code", d.ErrorCode,
		"error", err)

	if b.notifier != nil {
		b.notifier.Notify(ctx, models.Notification{
			NotificationType: models.NotificationDeliveryFailed,
			Target:           d.Target,
			EventID:          event.ID,
			CorrelationID:    event.CorrelationID,
			Reason:           d.Error,
			Timestamp:        b.now().UTC(),
			Metadata: map[string]interface{}{
				"error_code": d.ErrorCode,
			},
		})
	}
	return d
}
