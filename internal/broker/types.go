package broker

import (
	"context"

	"relay/pkg/models"
)

// Producer publishes events to a streaming backend.
type Producer interface {
	Publish(ctx context.Context, topic string, event models.Event) error
	PublishRaw(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// HandlerFunc processes one decoded message. Returning a retry.FatalError
// skips the remaining attempts and routes the message to the DLQ topic.
type HandlerFunc func(ctx context.Context, event models.RawEvent) error

const (
	HeaderEventID     = "event-id"
	HeaderEventType   = "event-type"
	HeaderEventSource = "event-source"
	HeaderDLQReason   = "dlq-reason"
	HeaderDLQSource   = "dlq-source-topic"
	HeaderDLQTime     = "dlq-timestamp"
)
