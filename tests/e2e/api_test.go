//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/api"
	"relay/internal/deadletter"
	"relay/internal/fanout"
	"relay/internal/queue"
	"relay/pkg/errors"
	"relay/pkg/models"
)

const (
	defaultRelayURL    = "http://localhost:8080"
	messageWaitTimeout = 30 * time.Second
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func relayURL() string {
	if u := os.Getenv("RELAY_URL"); u != "" {
		return u
	}
	return defaultRelayURL
}

func requireRelay(t *testing.T) {
	t.Helper()
	resp, err := httpClient.Get(relayURL() + "/health")
	if err != nil {
		t.Skipf("relay not reachable at %s: %v", relayURL(), err)
	}
	resp.Body.Close()
}

func TestRelayHealth(t *testing.T) {
	requireRelay(t)

	resp, err := httpClient.Get(relayURL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.NotNil(t, health["status"])
}

func TestVoiceInteractionRoundTrip(t *testing.T) {
	requireRelay(t)

	eventID := uuid.NewString()
	status, accepted := publishEvent(t, models.RawEvent{
		ID:            eventID,
		Source:        "assistant",
		Type:          "UserInteraction",
		CorrelationID: "e2e-" + eventID,
		Detail: map[string]interface{}{
			"interactionType": "voice",
			"utterance":       "what's the weather",
		},
	})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, eventID, accepted.EventID)
	assert.Contains(t, accepted.MatchedRules, "voice-interactions")

	targets := make(map[string]string)
	for _, d := range accepted.Deliveries {
		targets[d.Target] = d.Status
	}
	assert.Equal(t, "delivered", targets["queue:voiceQueue"])
	assert.Equal(t, "delivered", targets["queue:analyticsQueue"])

	delivery := waitForEvent(t, "voiceQueue", eventID)
	assert.Equal(t, 1, delivery.ReceiveCount)
	assert.Equal(t, "voice", delivery.Event.Detail["interactionType"])
	ackMessage(t, "voiceQueue", delivery.Handle)

	delivery = waitForEvent(t, "analyticsQueue", eventID)
	ackMessage(t, "analyticsQueue", delivery.Handle)
}

func TestRejectsNonConformingEvent(t *testing.T) {
	requireRelay(t)

	body, _ := json.Marshal(models.RawEvent{
		Source: "assistant",
		Type:   "UserInteraction",
		Detail: map[string]interface{}{"utterance": "no interaction type"},
	})
	resp, err := httpClient.Post(relayURL()+"/api/v1/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var errResp errors.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, errors.ErrSchemaMismatch.Code, errResp.ErrorCode)
}

func TestCriticalErrorReachesAlertsTopic(t *testing.T) {
	requireRelay(t)

	eventID := uuid.NewString()
	status, accepted := publishEvent(t, models.RawEvent{
		ID:     eventID,
		Source: "assistant",
		Type:   "ErrorOccurred",
		Detail: map[string]interface{}{"code": "TTS_TIMEOUT", "severity": "critical"},
	})
	require.Equal(t, http.StatusAccepted, status)
	require.Len(t, accepted.Deliveries, 1)
	assert.Equal(t, "topic:alerts", accepted.Deliveries[0].Target)

	delivery := waitForEvent(t, "alertsQueue", eventID)
	ackMessage(t, "alertsQueue", delivery.Handle)
}

func TestSchemaRegistration(t *testing.T) {
	requireRelay(t)

	name := "E2E" + uuid.NewString()[:8]
	req := api.RegisterSchemaRequest{Name: name, Version: 1, Body: json.RawMessage(`{"type": "object"}`)}

	status := doJSON(t, http.MethodPost, "/api/v1/schemas", req, nil)
	assert.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, "/api/v1/schemas", req, nil)
	assert.Equal(t, http.StatusOK, status)

	req.Body = json.RawMessage(`{"type": "array"}`)
	status = doJSON(t, http.MethodPost, "/api/v1/schemas", req, nil)
	assert.Equal(t, http.StatusConflict, status)

	var versions []int
	status = doJSON(t, http.MethodGet, fmt.Sprintf("/api/v1/schemas/%s/versions", name), nil, &versions)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []int{1}, versions)
}

func TestTopicSubscriptions(t *testing.T) {
	requireRelay(t)

	id := "e2e-" + uuid.NewString()[:8]
	var info fanout.SubscriberInfo
	status := doJSON(t, http.MethodPost, "/api/v1/topics/alerts/subscriptions", api.SubscribeRequest{
		ID:    id,
		Kind:  "queue",
		Queue: "opsQueue",
	}, &info)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, id, info.ID)

	var topics []fanout.TopicInfo
	status = doJSON(t, http.MethodGet, "/api/v1/topics", nil, &topics)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, hasSubscriber(topics, "alerts", id))

	status = doJSON(t, http.MethodDelete, fmt.Sprintf("/api/v1/topics/alerts/subscriptions/%s", id), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = doJSON(t, http.MethodDelete, fmt.Sprintf("/api/v1/topics/alerts/subscriptions/%s", id), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeadLetterListing(t *testing.T) {
	requireRelay(t)

	var page deadletter.Page
	status := doJSON(t, http.MethodGet, "/api/v1/deadletters?pageSize=10", nil, &page)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, page.Records)

	status = doJSON(t, http.MethodGet, "/api/v1/deadletters/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func hasSubscriber(topics []fanout.TopicInfo, topic, id string) bool {
	for _, tp := range topics {
		if tp.Name != topic {
			continue
		}
		for _, s := range tp.Subscribers {
			if s.ID == id {
				return true
			}
		}
	}
	return false
}

func publishEvent(t *testing.T, event models.RawEvent) (int, api.AcceptResponse) {
	t.Helper()
	var out api.AcceptResponse
	status := doJSON(t, http.MethodPost, "/api/v1/events", event, &out)
	return status, out
}

// waitForEvent long polls queueName until eventID arrives. Unrelated
// messages are acked so leftovers from earlier runs do not block the test.
func waitForEvent(t *testing.T, queueName, eventID string) queue.Delivery {
	t.Helper()
	deadline := time.Now().Add(messageWaitTimeout)

	for time.Now().Before(deadline) {
		var deliveries []queue.Delivery
		status := doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/queues/%s/receive", queueName), api.ReceiveRequest{
			MaxMessages: 10,
			WaitSeconds: 2,
			ConsumerID:  "e2e",
		}, &deliveries)
		require.Equal(t, http.StatusOK, status)

		for _, d := range deliveries {
			if d.Event.ID == eventID {
				return d
			}
			ackMessage(t, queueName, d.Handle)
		}
	}

	t.Fatalf("event %s did not arrive on %s within %s", eventID, queueName, messageWaitTimeout)
	return queue.Delivery{}
}

func ackMessage(t *testing.T, queueName, handle string) {
	t.Helper()
	status := doJSON(t, http.MethodDelete, fmt.Sprintf("/api/v1/queues/%s/messages/%s", queueName, handle), nil, nil)
	require.Equal(t, http.StatusNoContent, status)
}

func doJSON(t *testing.T, method, path string, in, out interface{}) int {
	t.Helper()

	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, relayURL()+path, body)
	require.NoError(t, err)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
