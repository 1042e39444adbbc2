package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
	"relay/internal/logger"
	"relay/internal/queue"
	"relay/pkg/errors"
	"relay/pkg/models"
	"relay/pkg/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxElapsedTime:  time.Second,
	}
}

func sampleEvent() models.Event {
	return models.Event{
		ID:            "evt-1",
		Source:        "assistant",
		Type:          "ErrorOccurred",
		Detail:        map[string]interface{}{"code": "TTS_TIMEOUT"},
		CorrelationID: "session-1",
		Priority:      models.PriorityHigh,
	}
}

type funcSubscriber struct {
	id      string
	deliver func(ctx context.Context, event models.Event) error
}

func (s *funcSubscriber) ID() string   { return s.id }
func (s *funcSubscriber) Kind() string { return "func" }
func (s *funcSubscriber) Deliver(ctx context.Context, event models.Event) error {
	return s.deliver(ctx, event)
}

func okSubscriber(id string, calls *int32) Subscriber {
	return &funcSubscriber{id: id, deliver: func(context.Context, models.Event) error {
		atomic.AddInt32(calls, 1)
		return nil
	}}
}

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	f := New(logger.NopLogger())
	f.AddTopic("alerts")

	var calls int32
	require.NoError(t, f.Subscribe("alerts", okSubscriber("a", &calls)))
	require.NoError(t, f.Subscribe("alerts", okSubscriber("b", &calls)))

	res, err := f.Publish(context.Background(), "alerts", sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Delivered)
	assert.Empty(t, res.FailedSubscriberIDs)
	assert.Equal(t, int32(2), calls)
}

func TestPublishPartialFailure(t *testing.T) {
	f := New(logger.NopLogger())
	f.AddTopic("alerts")

	var calls int32
	require.NoError(t, f.Subscribe("alerts", &funcSubscriber{id: "broken", deliver: func(context.Context, models.Event) error {
		return fmt.Errorf("boom")
	}}))
	require.NoError(t, f.Subscribe("alerts", &funcSubscriber{id: "panics", deliver: func(context.Context, models.Event) error {
		panic("subscriber bug")
	}}))
	require.NoError(t, f.Subscribe("alerts", okSubscriber("healthy", &calls)))

	res, err := f.Publish(context.Background(), "alerts", sampleEvent())
	require.Error(t, err)
	assert.True(t, errors.IsPartialFailure(err))
	assert.Equal(t, []string{"healthy"}, res.Delivered)
	assert.ElementsMatch(t, []string{"broken", "panics"}, res.FailedSubscriberIDs)
	assert.Equal(t, int32(1), calls)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	f := New(logger.NopLogger())
	f.AddTopic("alerts")

	release := make(chan struct{})
	fastDone := make(chan struct{})
	require.NoError(t, f.Subscribe("alerts", &funcSubscriber{id: "slow", deliver: func(context.Context, models.Event) error {
		<-release
		return nil
	}}))
	require.NoError(t, f.Subscribe("alerts", &funcSubscriber{id: "fast", deliver: func(context.Context, models.Event) error {
		close(fastDone)
		return nil
	}}))

	done := make(chan struct{})
	go func() {
		_, _ = f.Publish(context.Background(), "alerts", sampleEvent())
		close(done)
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber waited on slow one")
	}
	close(release)
	<-done
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := New(logger.NopLogger())
	f.AddTopic("alerts")
	var calls int32

	assert.True(t, errors.IsNotFound(f.Subscribe("missing", okSubscriber("a", &calls))))
	require.NoError(t, f.Subscribe("alerts", okSubscriber("a", &calls)))
	assert.True(t, errors.IsConflict(f.Subscribe("alerts", okSubscriber("a", &calls))))

	topics := f.Topics()
	require.Len(t, topics, 1)
	require.Len(t, topics[0].Subscribers, 1)
	assert.Equal(t, "a", topics[0].Subscribers[0].ID)

	require.NoError(t, f.Unsubscribe("alerts", "a"))
	assert.True(t, errors.IsNotFound(f.Unsubscribe("alerts", "a")))
	assert.True(t, errors.IsNotFound(f.Unsubscribe("missing", "a")))

	res, err := f.Publish(context.Background(), "alerts", sampleEvent())
	require.NoError(t, err)
	assert.Empty(t, res.Delivered)
	assert.Equal(t, int32(0), calls)

	_, err = f.Publish(context.Background(), "missing", sampleEvent())
	assert.True(t, errors.IsTargetUnavailable(err))
}

func TestNotificationTopicRefusesQueueSubscribers(t *testing.T) {
	m := queue.NewManager(logger.NopLogger())
	require.NoError(t, m.AddQueue(queue.Config{Name: "opsQueue", VisibilityTimeout: time.Minute}, nil))
	factory := Factory{Enqueuer: m}

	f := New(logger.NopLogger(), WithNotificationTopics("operations", ""))
	f.AddTopic("operations")
	f.AddTopic("alerts")

	sub, err := factory.Build(config.SubscriberConfig{ID: "ops-queue", Kind: "queue", Queue: "opsQueue"})
	require.NoError(t, err)

	err = f.Subscribe("operations", sub)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	require.NoError(t, f.Subscribe("alerts", sub))

	var calls int32
	require.NoError(t, f.Subscribe("operations", okSubscriber("ops-hook", &calls)))

	n := NewTopicNotifier(f, "operations", logger.NopLogger())
	n.Notify(context.Background(), models.Notification{
		NotificationType: models.NotificationDeadLettered,
		Queue:            "voiceQueue",
		EventID:          "evt-1",
		Timestamp:        time.Now(),
	})
	n.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	stats, err := m.Stats("opsQueue")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible)
}

func TestFromConfig_NotificationTopicWithQueueSubscriber(t *testing.T) {
	m := queue.NewManager(logger.NopLogger())
	require.NoError(t, m.AddQueue(queue.Config{Name: "opsQueue", VisibilityTimeout: time.Minute}, nil))

	_, err := FromConfig([]config.TopicConfig{
		{Name: "operations", Subscribers: []config.SubscriberConfig{
			{ID: "ops-queue", Kind: "queue", Queue: "opsQueue"},
		}},
	}, Factory{Enqueuer: m}, logger.NopLogger(), WithNotificationTopics("operations"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestWebhookSubscriber(t *testing.T) {
	var (
		mu       sync.Mutex
		received []models.Event
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		received = append(received, ev)
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("pager", srv.URL, map[string]string{"Authorization": "Bearer t"}, time.Second, fastPolicy(), nil)
	require.NoError(t, sub.Deliver(context.Background(), sampleEvent()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "evt-1", received[0].ID)
	assert.Equal(t, "Bearer t", headers.Get("Authorization"))
	assert.Equal(t, "evt-1", headers.Get("X-Event-ID"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("pager", srv.URL, nil, time.Second, fastPolicy(), nil)
	require.NoError(t, sub.Deliver(context.Background(), sampleEvent()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber("pager", srv.URL, nil, time.Second, fastPolicy(), nil)
	err := sub.Deliver(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookCircuitBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	factory := Factory{
		Fanout: config.FanoutConfig{Retry: config.RetryConfig{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		}},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute},
	}
	sub, err := factory.Build(config.SubscriberConfig{ID: "cb-test", Kind: "webhook", URL: srv.URL})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Error(t, sub.Deliver(context.Background(), sampleEvent()))
	}
	before := atomic.LoadInt32(&calls)

	err = sub.Deliver(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

type fakeProducer struct {
	mu        sync.Mutex
	published map[string][]models.Event
	failures  int
}

func (p *fakeProducer) Publish(_ context.Context, topic string, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("leader not available")
	}
	if p.published == nil {
		p.published = make(map[string][]models.Event)
	}
	p.published[topic] = append(p.published[topic], event)
	return nil
}

func (p *fakeProducer) PublishRaw(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaSubscriberRetries(t *testing.T) {
	producer := &fakeProducer{failures: 1}
	sub := NewKafkaSubscriber("audit", "assistant.audit", producer, fastPolicy())

	require.NoError(t, sub.Deliver(context.Background(), sampleEvent()))
	assert.Len(t, producer.published["assistant.audit"], 1)
}

func TestQueueSubscriber(t *testing.T) {
	m := queue.NewManager(logger.NopLogger())
	require.NoError(t, m.AddQueue(queue.Config{Name: "incidents", VisibilityTimeout: time.Minute}, nil))

	factory := Factory{Enqueuer: m}
	_, err := factory.Build(config.SubscriberConfig{ID: "q", Kind: "queue", Queue: "missing"})
	assert.True(t, errors.IsValidation(err))

	sub, err := factory.Build(config.SubscriberConfig{ID: "q", Kind: "queue", Queue: "incidents"})
	require.NoError(t, err)
	require.NoError(t, sub.Deliver(context.Background(), sampleEvent()))

	stats, err := m.Stats("incidents")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Visible)
}

func TestFactoryValidation(t *testing.T) {
	tests := []struct {
		name string
		sc   config.SubscriberConfig
	}{
		{name: "missing id", sc: config.SubscriberConfig{Kind: "webhook", URL: "http://x"}},
		{name: "webhook without url", sc: config.SubscriberConfig{ID: "a", Kind: "webhook"}},
		{name: "kafka without broker", sc: config.SubscriberConfig{ID: "a", Kind: "kafka", KafkaTopic: "t"}},
		{name: "queue without manager", sc: config.SubscriberConfig{ID: "a", Kind: "queue", Queue: "q"}},
		{name: "unknown kind", sc: config.SubscriberConfig{ID: "a", Kind: "sms"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Factory{}.Build(tt.sc)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestFromConfig(t *testing.T) {
	producer := &fakeProducer{}
	f, err := FromConfig([]config.TopicConfig{
		{Name: "alerts", Subscribers: []config.SubscriberConfig{
			{ID: "pager", Kind: "webhook", URL: "http://pager.internal/hook"},
			{ID: "audit", Kind: "kafka", KafkaTopic: "assistant.audit"},
		}},
		{Name: "empty"},
	}, Factory{Producer: producer}, logger.NopLogger())
	require.NoError(t, err)

	topics := f.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "alerts", topics[0].Name)
	assert.Equal(t, []SubscriberInfo{
		{ID: "pager", Kind: "webhook", Target: "http://pager.internal/hook"},
		{ID: "audit", Kind: "kafka", Target: "assistant.audit"},
	}, topics[0].Subscribers)
	assert.True(t, f.HasTopic("empty"))
}

func TestTopicNotifier(t *testing.T) {
	f := New(logger.NopLogger())
	f.AddTopic("ops")

	var (
		mu  sync.Mutex
		got []models.Event
	)
	require.NoError(t, f.Subscribe("ops", &funcSubscriber{id: "sink", deliver: func(_ context.Context, ev models.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}}))

	n := NewTopicNotifier(f, "ops", logger.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, models.Notification{
		NotificationType: models.NotificationDeadLettered,
		Queue:            "voiceQueue",
		EventID:          "evt-1",
		Reason:           "max receive count exceeded",
		Timestamp:        time.Now(),
	})
	cancel()
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, models.NotificationSource, got[0].Source)
	assert.Equal(t, "dead_lettered", got[0].Detail["notification_type"])
	assert.Equal(t, "voiceQueue", got[0].Detail["queue"])
	assert.NotEmpty(t, got[0].ID)
}
