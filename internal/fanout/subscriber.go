package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay/internal/broker"
	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/queue"
	"relay/pkg/circuitbreaker"
	"relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/retry"
	"relay/pkg/tracing"
)

// Subscriber receives every event published to the topics it is subscribed
// to. Deliver must be safe for concurrent use.
type Subscriber interface {
	ID() string
	Kind() string
	Deliver(ctx context.Context, event models.Event) error
}

type SubscriberInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type describer interface {
	target() string
}

func Describe(s Subscriber) SubscriberInfo {
	info := SubscriberInfo{ID: s.ID(), Kind: s.Kind()}
	if d, ok := s.(describer); ok {
		info.Target = d.target()
	}
	return info
}

// WebhookSubscriber POSTs the event as JSON. Non-2xx answers other than 408
// and 429 in the 4xx range are not retried.
type WebhookSubscriber struct {
	id      string
	url     string
	headers map[string]string
	client  *http.Client
	policy  retry.Policy
	cb      *circuitbreaker.Wrapper
}

func NewWebhookSubscriber(id, url string, headers map[string]string, timeout time.Duration, policy retry.Policy, cb *circuitbreaker.Wrapper) *WebhookSubscriber {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &WebhookSubscriber{
		id:      id,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
		cb:      cb,
	}
}

func (s *WebhookSubscriber) ID() string     { return s.id }
func (s *WebhookSubscriber) Kind() string   { return constants.SubscriberKindWebhook }
func (s *WebhookSubscriber) target() string { return s.url }

func (s *WebhookSubscriber) Deliver(ctx context.Context, event models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	attempt := func() error {
		if s.cb == nil {
			return s.post(ctx, body, event)
		}
		err := s.cb.Run(ctx, func() error { return s.post(ctx, body, event) })
		if circuitbreaker.IsOpenError(err) {
			return retry.NewFatalError(fmt.Errorf("circuit breaker is open for %s: %w", s.cb.Name(), err))
		}
		return err
	}

	return retry.RetryWithCallback(ctx, s.policy, attempt, func(n int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("fanout_webhook", s.id).Inc()
	})
}

func (s *WebhookSubscriber) post(ctx context.Context, body []byte, event models.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Correlation-ID", event.CorrelationID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax {
		return nil
	}

	statusErr := fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return retry.NewFatalError(statusErr)
	}
	return statusErr
}

// KafkaSubscriber forwards events to a Kafka topic.
type KafkaSubscriber struct {
	id       string
	topic    string
	producer broker.Producer
	policy   retry.Policy
}

func NewKafkaSubscriber(id, topic string, producer broker.Producer, policy retry.Policy) *KafkaSubscriber {
	return &KafkaSubscriber{id: id, topic: topic, producer: producer, policy: policy}
}

func (s *KafkaSubscriber) ID() string     { return s.id }
func (s *KafkaSubscriber) Kind() string   { return constants.SubscriberKindKafka }
func (s *KafkaSubscriber) target() string { return s.topic }

func (s *KafkaSubscriber) Deliver(ctx context.Context, event models.Event) error {
	return retry.RetryWithCallback(ctx, s.policy, func() error {
		return s.producer.Publish(ctx, s.topic, event)
	}, func(int, error, time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("fanout_kafka", s.id).Inc()
	})
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, event models.Event) (queue.EnqueueResult, error)
	Has(queue string) bool
}

// QueueSubscriber drops published events into a managed queue.
type QueueSubscriber struct {
	id       string
	queue    string
	enqueuer Enqueuer
}

func NewQueueSubscriber(id, queueName string, enqueuer Enqueuer) *QueueSubscriber {
	return &QueueSubscriber{id: id, queue: queueName, enqueuer: enqueuer}
}

func (s *QueueSubscriber) ID() string     { return s.id }
func (s *QueueSubscriber) Kind() string   { return constants.SubscriberKindQueue }
func (s *QueueSubscriber) target() string { return s.queue }

func (s *QueueSubscriber) Deliver(ctx context.Context, event models.Event) error {
	_, err := s.enqueuer.Enqueue(ctx, s.queue, event)
	return err
}

// Factory turns subscriber configuration into live subscribers. Producer and
// Enqueuer may be nil when no subscriber of that kind is configured.
type Factory struct {
	Fanout         config.FanoutConfig
	CircuitBreaker config.CircuitBreakerConfig
	Producer       broker.Producer
	Enqueuer       Enqueuer
}

func (f Factory) Build(sc config.SubscriberConfig) (Subscriber, error) {
	if sc.ID == "" {
		return nil, errors.ErrValidation.WithMessage("subscriber id is required")
	}
	policy := retry.PolicyFromConfig(f.Fanout.Retry)

	switch sc.Kind {
	case constants.SubscriberKindWebhook:
		if sc.URL == "" {
			return nil, errors.ErrValidation.WithMessage("webhook subscriber requires url")
		}
		timeout := time.Duration(sc.TimeoutSeconds) * time.Second
		if timeout == 0 {
			timeout = time.Duration(f.Fanout.WebhookTimeoutSeconds) * time.Second
		}
		var cb *circuitbreaker.Wrapper
		if f.CircuitBreaker.Enabled {
			cb = circuitbreaker.NewWrapper(circuitbreaker.FromConfig("webhook-"+sc.ID, f.CircuitBreaker))
		}
		return NewWebhookSubscriber(sc.ID, sc.URL, sc.Headers, timeout, policy, cb), nil

	case constants.SubscriberKindKafka:
		if f.Producer == nil {
			return nil, errors.ErrValidation.WithMessage("kafka subscriber requires a configured broker")
		}
		if sc.KafkaTopic == "" {
			return nil, errors.ErrValidation.WithMessage("kafka subscriber requires kafka_topic")
		}
		return NewKafkaSubscriber(sc.ID, sc.KafkaTopic, f.Producer, policy), nil

	case constants.SubscriberKindQueue:
		if f.Enqueuer == nil || sc.Queue == "" {
			return nil, errors.ErrValidation.WithMessage("queue subscriber requires queue")
		}
		if !f.Enqueuer.Has(sc.Queue) {
			return nil, errors.ErrValidation.WithMessage(fmt.Sprintf("queue %s does not exist", sc.Queue))
		}
		return NewQueueSubscriber(sc.ID, sc.Queue, f.Enqueuer), nil

	default:
		return nil, errors.ErrValidation.WithMessage(
			fmt.Sprintf("unknown subscriber kind %q (valid: webhook, kafka, queue)", sc.Kind))
	}
}
