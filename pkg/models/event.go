package models

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(s)) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityCritical:
		return PriorityCritical, nil
	default:
		return "", fmt.Errorf("unknown priority %q (valid: normal, high, critical)", s)
	}
}

// Event is immutable once accepted by the bus. Consumers receive copies.
type Event struct {
	ID            string                 `json:"id"`
	Source        string                 `json:"source"`
	Type          string                 `json:"type"`
	Detail        map[string]interface{} `json:"detail"`
	OccurredAt    time.Time              `json:"occurred_at"`
	CorrelationID string                 `json:"correlation_id"`
	Priority      Priority               `json:"priority"`
}

// RawEvent is what producers submit. Unset fields are filled in on Accept.
type RawEvent struct {
	ID            string                 `json:"id,omitempty"`
	Source        string                 `json:"source"`
	Type          string                 `json:"type"`
	Detail        map[string]interface{} `json:"detail"`
	OccurredAt    *time.Time             `json:"occurred_at,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
}

// Field resolves a dotted path against the event. Top level names follow the
// JSON field names; anything under "detail." walks nested objects.
func (e Event) Field(path string) (interface{}, bool) {
	head, rest, nested := strings.Cut(path, ".")

	switch head {
	case "id":
		return e.ID, !nested && e.ID != ""
	case "source":
		return e.Source, !nested && e.Source != ""
	case "type":
		return e.Type, !nested && e.Type != ""
	case "correlation_id":
		return e.CorrelationID, !nested && e.CorrelationID != ""
	case "priority":
		return string(e.Priority), !nested && e.Priority != ""
	case "occurred_at":
		return e.OccurredAt, !nested && !e.OccurredAt.IsZero()
	case "detail":
		if e.Detail == nil {
			return nil, false
		}
		if !nested {
			return e.Detail, true
		}
		return lookup(e.Detail, rest)
	default:
		return nil, false
	}
}

func lookup(obj map[string]interface{}, path string) (interface{}, bool) {
	current := interface{}(obj)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Clone returns a deep copy so queued messages never share detail maps.
func (e Event) Clone() Event {
	out := e
	if e.Detail != nil {
		out.Detail = cloneMap(e.Detail)
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
