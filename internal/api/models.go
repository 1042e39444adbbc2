package api

import (
	"encoding/json"

	"relay/internal/bus"
)

type AcceptResponse struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	MatchedRules  []string       `json:"matched_rules"`
	Deliveries    []bus.Delivery `json:"deliveries"`
}

type ReceiveRequest struct {
	MaxMessages int    `json:"max_messages"`
	WaitSeconds int    `json:"wait_seconds"`
	ConsumerID  string `json:"consumer_id"`
}

type VisibilityRequest struct {
	VisibilityTimeoutSeconds *int   `json:"visibility_timeout_seconds" binding:"required"`
	Reason                   string `json:"reason"`
}

type RegisterSchemaRequest struct {
	Name    string          `json:"name" binding:"required"`
	Version int             `json:"version" binding:"required,min=1"`
	Body    json.RawMessage `json:"body" binding:"required"`
}

type RedriveRequest struct {
	TargetQueue string `json:"target_queue"`
}

type SubscribeRequest struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind" binding:"required"`
	URL            string            `json:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	KafkaTopic     string            `json:"kafka_topic,omitempty"`
	Queue          string            `json:"queue,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}
