package models

import "time"

// Notification describes a delivery-side incident that collaborators may want
// to hear about, such as a message quarantined to the dead letter store.
type Notification struct {
	NotificationType string                 `json:"notification_type"`
	Queue            string                 `json:"queue,omitempty"`
	Target           string                 `json:"target,omitempty"`
	EventID          string                 `json:"event_id"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
	Reason           string                 `json:"reason"`
	Timestamp        time.Time              `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

const (
	NotificationDeadLettered   = "dead_lettered"
	NotificationDeliveryFailed = "delivery_failed"
)

const NotificationSource = "relay"

// ToEvent wraps the notification so it can travel through topic fanout.
func (n Notification) ToEvent(id string) Event {
	detail := map[string]interface{}{
		"notification_type": n.NotificationType,
		"event_id":          n.EventID,
		"reason":            n.Reason,
	}
	if n.Queue != "" {
		detail["queue"] = n.Queue
	}
	if n.Target != "" {
		detail["target"] = n.Target
	}
	if len(n.Metadata) > 0 {
		detail["metadata"] = n.Metadata
	}

	correlationID := n.CorrelationID
	if correlationID == "" {
		correlationID = n.EventID
	}

	return Event{
		ID:            id,
		Source:        NotificationSource,
		Type:          "DeliveryNotification",
		Detail:        detail,
		OccurredAt:    n.Timestamp,
		CorrelationID: correlationID,
		Priority:      PriorityHigh,
	}
}
