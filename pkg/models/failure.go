package models

import "time"

// FailureEntry records one delivery that ended without an acknowledgement.
type FailureEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ConsumerID  string    `json:"consumer_id,omitempty"`
	ErrorReason string    `json:"error_reason"`
}
