package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/bus"
	"relay/internal/config"
	"relay/internal/deadletter"
	"relay/internal/fanout"
	"relay/internal/logger"
	"relay/internal/queue"
	"relay/internal/routing"
	"relay/internal/schema"
	"relay/pkg/errors"
	"relay/pkg/health"
)

const interactionSchema = `{
  "type": "object",
  "required": ["interactionType"],
  "properties": {"interactionType": {"type": "string", "enum": ["voice", "text"]}}
}`

type testServer struct {
	router  *gin.Engine
	queues  *queue.Manager
	topics  *fanout.Fanout
	schemas *schema.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := logger.NopLogger()

	registry := schema.NewRegistry(log)
	_, err := registry.Register(ctx, "UserInteraction", 1, []byte(interactionSchema))
	require.NoError(t, err)

	rules, err := routing.FromConfig([]config.RuleConfig{{
		ID:      "interactions",
		Type:    []string{"UserInteraction"},
		Targets: []string{"queue:analyticsQueue"},
	}}, nil)
	require.NoError(t, err)

	queues := queue.NewManager(log)
	require.NoError(t, queues.AddQueue(queue.Config{
		Name:              "analyticsQueue",
		VisibilityTimeout: 30 * time.Second,
		MaxReceiveCount:   1,
	}, queue.NewMemoryDeduper(nil)))
	require.NoError(t, queues.AddQueue(queue.Config{
		Name:              "replayQueue",
		VisibilityTimeout: 30 * time.Second,
	}, queue.NewMemoryDeduper(nil)))

	deadLetters := deadletter.NewHandler(deadletter.NewMemoryStore(), queues, log)
	queues.SetDeadLetterSink(deadLetters)

	topics := fanout.New(log)
	topics.AddTopic("alerts")

	b := bus.New(registry, routing.NewMatcher(rules, log), queues, topics, log)

	router := gin.New()
	NewHandler(Deps{
		Events:      b,
		Queues:      queues,
		Schemas:     registry,
		DeadLetters: deadLetters,
		Topics:      topics,
		Subscribers: fanout.Factory{Enqueuer: queues},
	}, log).RegisterRoutes(router)
	RegisterSystemRoutes(router, health.NewCheckerRegistry())

	return &testServer{router: router, queues: queues, topics: topics, schemas: registry}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func interactionBody(kind string) map[string]interface{} {
	return map[string]interface{}{
		"source": "assistant",
		"type":   "UserInteraction",
		"detail": map[string]interface{}{"interactionType": kind},
	}
}

func (s *testServer) receive(t *testing.T, queueName string) []queue.Delivery {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/queues/"+queueName+"/receive", ReceiveRequest{MaxMessages: 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[[]queue.Delivery](t, w)
}

func TestPublishEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{name: "accepted", body: interactionBody("voice"), wantStatus: http.StatusAccepted},
		{name: "malformed json", body: `{"source":`, wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{
			name:       "missing type",
			body:       map[string]interface{}{"source": "assistant", "detail": map[string]interface{}{}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{name: "schema mismatch", body: interactionBody("gesture"), wantStatus: http.StatusUnprocessableEntity, wantCode: "SCHEMA_MISMATCH"},
		{
			name: "unknown schema",
			body: map[string]interface{}{
				"source": "assistant",
				"type":   "Unregistered",
				"detail": map[string]interface{}{},
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "SCHEMA_NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(t, http.MethodPost, "/api/v1/events", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantCode != "" {
				resp := decode[errors.ErrorResponse](t, w)
				assert.Equal(t, tt.wantCode, resp.ErrorCode)
				stats, err := s.queues.Stats("analyticsQueue")
				require.NoError(t, err)
				assert.Equal(t, 0, stats.Total)
				return
			}

			resp := decode[AcceptResponse](t, w)
			assert.NotEmpty(t, resp.EventID)
			assert.Equal(t, []string{"interactions"}, resp.MatchedRules)
			require.Len(t, resp.Deliveries, 1)
			assert.Equal(t, bus.DeliveryStatusDelivered, resp.Deliveries[0].Status)
		})
	}
}

func TestReceiveAndAck(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/events", interactionBody("voice")).Code)

	deliveries := s.receive(t, "analyticsQueue")
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].ReceiveCount)
	assert.Equal(t, "UserInteraction", deliveries[0].Event.Type)

	handle := url.PathEscape(deliveries[0].Handle)
	w := s.do(t, http.MethodDelete, "/api/v1/queues/analyticsQueue/messages/"+handle, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// A second ack of the same handle is a no-op.
	w = s.do(t, http.MethodDelete, "/api/v1/queues/analyticsQueue/messages/"+handle, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/queues/analyticsQueue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[queue.Stats](t, w).Total)
}

func TestReceiveErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/queues/missing/receive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/queues/analyticsQueue/receive", ReceiveRequest{MaxMessages: 11})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/queues/analyticsQueue/receive", ReceiveRequest{WaitSeconds: 21})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/queues/analyticsQueue/receive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = s.do(t, http.MethodDelete, "/api/v1/queues/analyticsQueue/messages/not-a-handle", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChangeVisibility(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/events", interactionBody("text")).Code)

	deliveries := s.receive(t, "analyticsQueue")
	require.Len(t, deliveries, 1)
	path := "/api/v1/queues/analyticsQueue/messages/" + url.PathEscape(deliveries[0].Handle) + "/visibility"

	w := s.do(t, http.MethodPatch, path, map[string]interface{}{"visibility_timeout_seconds": 120})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPatch, path, map[string]interface{}{"visibility_timeout_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, path, map[string]interface{}{"reason": "no timeout"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, path, map[string]interface{}{"visibility_timeout_seconds": 0, "reason": "tts unavailable"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	stale := "/api/v1/queues/analyticsQueue/messages/" + url.PathEscape(deliveries[0].MessageID+".stale") + "/visibility"
	w = s.do(t, http.MethodPatch, stale, map[string]interface{}{"visibility_timeout_seconds": 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchemaRoutes(t *testing.T) {
	s := newTestServer(t)

	register := func(version int, body string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/api/v1/schemas", map[string]interface{}{
			"name":    "ErrorOccurred",
			"version": version,
			"body":    json.RawMessage(body),
		})
	}

	w := register(1, `{"type": "object", "required": ["code"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, decode[schema.RegistrationResult](t, w).Created)

	w = register(1, `{"type": "object", "required": ["code"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[schema.RegistrationResult](t, w).Created)

	w = register(1, `{"type": "object"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = register(2, `{"type": "object"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = register(3, `{"type": 12}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/schemas/ErrorOccurred/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{1, 2}, decode[[]int](t, w))

	w = s.do(t, http.MethodGet, "/api/v1/schemas/ErrorOccurred/versions/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[schema.Schema](t, w).Version)

	w = s.do(t, http.MethodGet, "/api/v1/schemas/ErrorOccurred/versions/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[schema.Schema](t, w).Version)

	w = s.do(t, http.MethodGet, "/api/v1/schemas/ErrorOccurred/versions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/schemas/ErrorOccurred/versions/9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/schemas/Missing/versions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/schemas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]schema.Schema](t, w), 2)

	w = s.do(t, http.MethodPost, "/api/v1/schemas", map[string]interface{}{"name": "NoBody", "version": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadLetterRoutes(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/v1/events", interactionBody("voice"))
	require.Equal(t, http.StatusAccepted, w.Code)
	eventID := decode[AcceptResponse](t, w).EventID

	// analyticsQueue allows a single receive; a release followed by another
	// receive moves the message to the dead-letter store.
	deliveries := s.receive(t, "analyticsQueue")
	require.Len(t, deliveries, 1)
	path := "/api/v1/queues/analyticsQueue/messages/" + url.PathEscape(deliveries[0].Handle) + "/visibility"
	require.Equal(t, http.StatusNoContent,
		s.do(t, http.MethodPatch, path, map[string]interface{}{"visibility_timeout_seconds": 0, "reason": "consumer crashed"}).Code)
	assert.Empty(t, s.receive(t, "analyticsQueue"))

	w = s.do(t, http.MethodGet, "/api/v1/deadletters?queue=analyticsQueue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[deadletter.Page](t, w)
	require.Len(t, page.Records, 1)
	record := page.Records[0]
	assert.Equal(t, eventID, record.Event.ID)
	assert.Equal(t, "analyticsQueue", record.LastQueue)
	require.NotEmpty(t, record.FailureHistory)
	assert.Equal(t, "consumer crashed", record.FailureHistory[0].ErrorReason)

	w = s.do(t, http.MethodGet, "/api/v1/deadletters?pageSize=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/deadletters/"+record.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, record.ID, decode[deadletter.Record](t, w).ID)

	w = s.do(t, http.MethodPost, "/api/v1/deadletters/"+record.ID+"/redrive", RedriveRequest{TargetQueue: "nowhere"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/deadletters/"+record.ID+"/redrive", RedriveRequest{TargetQueue: "replayQueue"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[deadletter.RedriveResult](t, w)
	assert.Equal(t, "replayQueue", result.Queue)

	replayed := s.receive(t, "replayQueue")
	require.Len(t, replayed, 1)
	assert.Equal(t, eventID, replayed[0].Event.ID)
	assert.Equal(t, 1, replayed[0].ReceiveCount)

	w = s.do(t, http.MethodGet, "/api/v1/deadletters/"+record.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/deadletters/"+record.ID+"/redrive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTopicRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/topics/alerts/subscriptions", SubscribeRequest{
		ID:    "alerts-to-replay",
		Kind:  "queue",
		Queue: "replayQueue",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	info := decode[fanout.SubscriberInfo](t, w)
	assert.Equal(t, "alerts-to-replay", info.ID)
	assert.Equal(t, "replayQueue", info.Target)

	w = s.do(t, http.MethodPost, "/api/v1/topics/alerts/subscriptions", SubscribeRequest{
		ID:    "alerts-to-replay",
		Kind:  "queue",
		Queue: "replayQueue",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/topics/alerts/subscriptions", SubscribeRequest{Kind: "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/topics/missing/subscriptions", SubscribeRequest{Kind: "queue", Queue: "replayQueue"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/topics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	topics := decode[[]fanout.TopicInfo](t, w)
	require.Len(t, topics, 1)
	assert.Equal(t, "alerts", topics[0].Name)
	require.Len(t, topics[0].Subscribers, 1)

	w = s.do(t, http.MethodDelete, "/api/v1/topics/alerts/subscriptions/alerts-to-replay", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/topics/alerts/subscriptions/alerts-to-replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListQueues(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/queues", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[[]queue.Stats](t, w)
	require.Len(t, stats, 2)
	assert.Equal(t, "analyticsQueue", stats[0].Name)
	assert.Equal(t, "replayQueue", stats[1].Name)

	w = s.do(t, http.MethodGet, "/api/v1/queues/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSystemRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checks := health.NewCheckerRegistry()
	router := gin.New()
	RegisterSystemRoutes(router, checks)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	checks.Register(health.NewCheckFunc("store", func(context.Context) error {
		return fmt.Errorf("connection refused")
	}))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
