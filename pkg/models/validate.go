package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateRawEvent checks the envelope shape. Payload conformance is the
// schema registry's job.
func ValidateRawEvent(raw *RawEvent) error {
	if raw == nil {
		return &ValidationError{Field: "event", Message: "event cannot be nil"}
	}

	if raw.Source == "" {
		return &ValidationError{Field: "source", Message: "event source is required"}
	}

	if raw.Type == "" {
		return &ValidationError{Field: "type", Message: "event type is required"}
	}

	if raw.Detail == nil {
		return &ValidationError{Field: "detail", Message: "event detail must be a JSON object"}
	}

	if _, err := ParsePriority(raw.Priority); err != nil {
		return &ValidationError{Field: "priority", Message: err.Error()}
	}

	return nil
}
