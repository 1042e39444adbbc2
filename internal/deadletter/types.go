package deadletter

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"relay/internal/queue"
	"relay/pkg/errors"
	"relay/pkg/models"
)

// Record is a quarantined message. It is read-only apart from redrive, which
// removes it.
type Record struct {
	ID              string                `json:"id"`
	MessageID       string                `json:"message_id"`
	LastQueue       string                `json:"last_queue"`
	DLQName         string                `json:"dlq_name,omitempty"`
	Event           models.Event          `json:"original_event"`
	ReceiveCount    int                   `json:"receive_count"`
	FirstEnqueuedAt time.Time             `json:"first_enqueued_at"`
	FailureHistory  []models.FailureEntry `json:"failure_history"`
	Reason          string                `json:"reason"`
	DeadLetteredAt  time.Time             `json:"dead_lettered_at"`
}

func recordFrom(dl queue.DeadLetter) Record {
	history := dl.FailureHistory
	if history == nil {
		history = []models.FailureEntry{}
	}
	return Record{
		ID:              dl.MessageID,
		MessageID:       dl.MessageID,
		LastQueue:       dl.Queue,
		DLQName:         dl.RedriveTarget,
		Event:           dl.Event,
		ReceiveCount:    dl.ReceiveCount,
		FirstEnqueuedAt: dl.FirstEnqueuedAt,
		FailureHistory:  history,
		Reason:          dl.Reason,
		DeadLetteredAt:  dl.DeadLetteredAt,
	}
}

type Page struct {
	Records       []Record `json:"records"`
	NextPageToken string   `json:"next_page_token,omitempty"`
}

type RedriveResult struct {
	RecordID  string `json:"record_id"`
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
}

// Page tokens are opaque to callers; internally they carry the insertion
// sequence of the last record returned.
func encodePageToken(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodePageToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, errors.ErrValidation.WithMessage("invalid page token")
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.ErrValidation.WithMessage("invalid page token")
	}
	return seq, nil
}

func recordNotFound(id string) *errors.Error {
	return errors.ErrNotFound.WithMessage(fmt.Sprintf("dead letter %s not found", id)).WithDetail("id", id)
}
