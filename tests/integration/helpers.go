//go:build integration

package integration

import (
	"fmt"
	"time"

	"relay/internal/logger"
	"relay/internal/queue"
	"relay/pkg/models"
)

const (
	containerStartupTimeout = 60
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestEvent(id, correlationID string) models.Event {
	return models.NewEventBuilder().
		WithID(id).
		WithSource("assistant").
		WithType("UserInteraction").
		WithCorrelationID(correlationID).
		WithDetail(map[string]interface{}{
			"interactionType": "voice",
			"utterance":       "turn the lights off",
		}).
		Build()
}

func createTestDeadLetter(messageID, queueName string, at time.Time) queue.DeadLetter {
	return queue.DeadLetter{
		MessageID:       messageID,
		Queue:           queueName,
		RedriveTarget:   queueName + "-dlq",
		Event:           createTestEvent("evt-"+messageID, "session-1"),
		ReceiveCount:    3,
		FirstEnqueuedAt: at.Add(-time.Minute),
		FailureHistory: []models.FailureEntry{
			{Timestamp: at.Add(-30 * time.Second), ConsumerID: "worker-1", ErrorReason: "visibility timeout expired"},
			{Timestamp: at, ConsumerID: "worker-2", ErrorReason: fmt.Sprintf("tts failed for %s", messageID)},
		},
		Reason:         queue.ReasonMaxReceiveCount,
		DeadLetteredAt: at,
	}
}
