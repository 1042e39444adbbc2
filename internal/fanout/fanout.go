package fanout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/tracing"
)

type PublishResult struct {
	Topic               string   `json:"topic"`
	Delivered           []string `json:"delivered"`
	FailedSubscriberIDs []string `json:"failed_subscriber_ids,omitempty"`
}

type TopicInfo struct {
	Name        string           `json:"name"`
	Subscribers []SubscriberInfo `json:"subscribers"`
}

// Fanout delivers published events to every subscriber of a topic.
// Subscriptions can change at any time and apply from the next Publish.
type Fanout struct {
	mu     sync.RWMutex
	topics map[string][]Subscriber
	// Notification topics carry relay's own events, which never pass schema
	// validation, so they must not feed queues.
	notificationTopics map[string]bool

	concurrency int
	logger      logger.Logger
}

type Option func(*Fanout)

func WithConcurrency(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithNotificationTopics marks topics that receive delivery notifications.
// Queue subscribers are refused on them.
func WithNotificationTopics(names ...string) Option {
	return func(f *Fanout) {
		for _, name := range names {
			if name != "" {
				f.notificationTopics[name] = true
			}
		}
	}
}

func New(log logger.Logger, opts ...Option) *Fanout {
	f := &Fanout{
		topics:             make(map[string][]Subscriber),
		notificationTopics: make(map[string]bool),
		concurrency: constants.DefaultFanoutConcurrency,
		logger:      log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FromConfig creates every configured topic and its subscribers.
func FromConfig(topics []config.TopicConfig, factory Factory, log logger.Logger, opts ...Option) (*Fanout, error) {
	f := New(log, append([]Option{WithConcurrency(factory.Fanout.Concurrency)}, opts...)...)
	for _, tc := range topics {
		f.AddTopic(tc.Name)
		for _, sc := range tc.Subscribers {
			sub, err := factory.Build(sc)
			if err != nil {
				return nil, fmt.Errorf("topic %s subscriber %s: %w", tc.Name, sc.ID, err)
			}
			if err := f.Subscribe(tc.Name, sub); err != nil {
				return nil, fmt.Errorf("topic %s: %w", tc.Name, err)
			}
		}
	}
	return f, nil
}

func (f *Fanout) AddTopic(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[name]; !ok {
		f.topics[name] = nil
	}
}

func (f *Fanout) HasTopic(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.topics[name]
	return ok
}

func topicNotFound(name string) *errors.Error {
	return errors.ErrNotFound.WithMessage(fmt.Sprintf("topic %s not found", name)).WithDetail("topic", name)
}

func (f *Fanout) Subscribe(topic string, sub Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.topics[topic]
	if !ok {
		return topicNotFound(topic)
	}
	if f.notificationTopics[topic] && sub.Kind() == constants.SubscriberKindQueue {
		return errors.ErrValidation.
			WithMessage(fmt.Sprintf("topic %s carries delivery notifications and cannot have queue subscribers", topic)).
			WithDetail("topic", topic).
			WithDetail("subscriber_id", sub.ID())
	}
	for _, existing := range subs {
		if existing.ID() == sub.ID() {
			return errors.ErrConflict.
				WithMessage(fmt.Sprintf("subscriber %s already subscribed to %s", sub.ID(), topic)).
				WithDetail("topic", topic)
		}
	}

	// Copy on write so Publish can range over a snapshot without the lock.
	next := make([]Subscriber, len(subs), len(subs)+1)
	copy(next, subs)
	f.topics[topic] = append(next, sub)
	return nil
}

func (f *Fanout) Unsubscribe(topic, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.topics[topic]
	if !ok {
		return topicNotFound(topic)
	}
	for i, s := range subs {
		if s.ID() != id {
			continue
		}
		next := make([]Subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		f.topics[topic] = next
		return nil
	}
	return errors.ErrNotFound.
		WithMessage(fmt.Sprintf("subscriber %s not found on %s", id, topic)).
		WithDetail("topic", topic)
}

func (f *Fanout) Topics() []TopicInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]TopicInfo, 0, len(f.topics))
	for name, subs := range f.topics {
		info := TopicInfo{Name: name, Subscribers: make([]SubscriberInfo, 0, len(subs))}
		for _, s := range subs {
			info.Subscribers = append(info.Subscribers, Describe(s))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Publish delivers event to every current subscriber of topic. Subscribers
// run independently; a failing one never stops the others. When some fail
// the result lists them and the error is PartialFailure.
func (f *Fanout) Publish(ctx context.Context, topic string, event models.Event) (result PublishResult, err error) {
	f.mu.RLock()
	subs, ok := f.topics[topic]
	f.mu.RUnlock()

	if !ok {
		return PublishResult{Topic: topic}, errors.ErrTargetUnavailable.
			WithMessage(fmt.Sprintf("topic %s does not exist", topic)).
			WithDetail("topic", topic)
	}

	ctx, span := tracing.StartSpan(ctx, "fanout.publish",
		attribute.String("topic", topic),
		attribute.String("event.id", event.ID),
		attribute.Int("subscribers", len(subs)))
	defer func() { tracing.EndSpan(span, err) }()

	delivered := make([]bool, len(subs))
	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)

	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			start := time.Now()
			deliverErr := errors.Guard(func() error {
				return sub.Deliver(ctx, event.Clone())
			})
			metrics.ObserveFanoutDelivery(topic, sub.Kind(), time.Since(start))

			if deliverErr != nil {
				metrics.IncFanoutDelivery(topic, sub.Kind(), "failed")
				f.logger.WarnwCtx(ctx, "Subscriber delivery failed",
					"topic", topic,
					"subscriber_id", sub.ID(),
					"kind", sub.Kind(),
					"event_id", event.ID,
					"error", deliverErr)
				return nil
			}
			metrics.IncFanoutDelivery(topic, sub.Kind(), "success")
			delivered[i] = true
			return nil
		})
	}
	_ = g.Wait()

	result = PublishResult{Topic: topic, Delivered: []string{}}
	for i, sub := range subs {
		if delivered[i] {
			result.Delivered = append(result.Delivered, sub.ID())
		} else {
			result.FailedSubscriberIDs = append(result.FailedSubscriberIDs, sub.ID())
		}
	}

	if len(result.FailedSubscriberIDs) > 0 {
		return result, errors.ErrPartialFailure.
			WithDetail("topic", topic).
			WithDetail("failed_subscriber_ids", result.FailedSubscriberIDs)
	}
	return result, nil
}

// TopicNotifier publishes delivery notifications to one topic. Publishing
// happens in the background so the caller never waits on subscribers.
type TopicNotifier struct {
	fanout *Fanout
	topic  string
	logger logger.Logger
	wg     sync.WaitGroup
}

func NewTopicNotifier(f *Fanout, topic string, log logger.Logger) *TopicNotifier {
	return &TopicNotifier{fanout: f, topic: topic, logger: log}
}

func (n *TopicNotifier) Notify(ctx context.Context, note models.Notification) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	event := note.ToEvent(id.String())
	bg := context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.fanout.Publish(bg, n.topic, event); err != nil {
			n.logger.WarnwCtx(bg, "Failed to publish notification",
				"topic", n.topic,
				"notification_type", note.NotificationType,
				"event_id", note.EventID,
				"error", err)
		}
	}()
}

// Wait blocks until every notification in flight has been published.
func (n *TopicNotifier) Wait() {
	n.wg.Wait()
}
