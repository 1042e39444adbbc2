package models

import "time"

type EventBuilder struct {
	event *Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: &Event{
			Detail:   make(map[string]interface{}),
			Priority: PriorityNormal,
		},
	}
}

func (b *EventBuilder) WithID(id string) *EventBuilder {
	b.event.ID = id
	return b
}

func (b *EventBuilder) WithSource(source string) *EventBuilder {
	b.event.Source = source
	return b
}

func (b *EventBuilder) WithType(eventType string) *EventBuilder {
	b.event.Type = eventType
	return b
}

func (b *EventBuilder) WithDetail(detail map[string]interface{}) *EventBuilder {
	b.event.Detail = detail
	return b
}

func (b *EventBuilder) WithDetailField(key string, value interface{}) *EventBuilder {
	b.event.Detail[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.CorrelationID = id
	return b
}

func (b *EventBuilder) WithPriority(p Priority) *EventBuilder {
	b.event.Priority = p
	return b
}

func (b *EventBuilder) WithOccurredAt(t time.Time) *EventBuilder {
	b.event.OccurredAt = t
	return b
}

func (b *EventBuilder) Build() Event {
	if b.event.OccurredAt.IsZero() {
		b.event.OccurredAt = time.Now().UTC()
	}
	return *b.event
}
