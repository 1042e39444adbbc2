package queue

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/pkg/models"
)

// Config is the runtime form of a configured queue.
type Config struct {
	Name              string
	VisibilityTimeout time.Duration
	// MaxReceiveCount of zero disables dead-lettering.
	MaxReceiveCount int
	RedriveTarget   string
	FIFO            bool
	DedupWindow     time.Duration
	DedupFields     []string
	Retention       time.Duration
	MaxDepth        int
	FailOnDedupErr  bool
}

func ConfigFrom(qc config.QueueConfig) Config {
	return Config{
		Name:              qc.Name,
		VisibilityTimeout: time.Duration(qc.VisibilityTimeoutSeconds) * time.Second,
		MaxReceiveCount:   qc.MaxReceiveCount,
		RedriveTarget:     qc.RedriveTarget,
		FIFO:              qc.FIFO,
		DedupWindow:       time.Duration(qc.DedupWindowSeconds) * time.Second,
		DedupFields:       qc.DedupFields,
		Retention:         time.Duration(qc.RetentionSeconds) * time.Second,
		MaxDepth:          qc.MaxDepth,
		FailOnDedupErr:    qc.DedupOnError == constants.DedupOnErrorFail,
	}
}

type status int

const (
	statusActive status = iota
	statusDeleted
	statusDeadLettered
	statusExpired
)

// deliveryState is replaced wholesale on every transition; a message's
// current state is whatever its atomic pointer holds.
type deliveryState struct {
	status        status
	visibleAt     time.Time
	receiveCount  int
	receipt       string
	consumerID    string
	releaseReason string
	history       []models.FailureEntry
}

func (s *deliveryState) inFlight(now time.Time) bool {
	return s.status == statusActive && s.visibleAt.After(now)
}

func (s *deliveryState) visible(now time.Time) bool {
	return s.status == statusActive && !s.visibleAt.After(now)
}

// closedDelivery returns the failure entry for the previous delivery, if any.
func (s *deliveryState) closedDelivery(now time.Time, defaultReason string) (models.FailureEntry, bool) {
	if s.receipt == "" {
		return models.FailureEntry{}, false
	}
	reason := s.releaseReason
	if reason == "" {
		reason = defaultReason
	}
	return models.FailureEntry{Timestamp: now, ConsumerID: s.consumerID, ErrorReason: reason}, true
}

type Message struct {
	ID              string
	Queue           string
	Event           models.Event
	GroupID         string
	DedupKey        string
	FirstEnqueuedAt time.Time

	seq   uint64
	state atomic.Pointer[deliveryState]
}

func (m *Message) snapshot() *deliveryState {
	return m.state.Load()
}

// Delivery is a message handed to a consumer. Handle identifies this
// particular receive and is needed to ack or change visibility.
type Delivery struct {
	Handle          string       `json:"handle"`
	MessageID       string       `json:"message_id"`
	Event           models.Event `json:"event"`
	ReceiveCount    int          `json:"receive_count"`
	FirstEnqueuedAt time.Time    `json:"first_enqueued_at"`
	VisibleUntil    time.Time    `json:"visible_until"`
}

type EnqueueResult struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

type Stats struct {
	Name              string `json:"name"`
	FIFO              bool   `json:"fifo"`
	Visible           int    `json:"visible"`
	InFlight          int    `json:"in_flight"`
	Total             int    `json:"total"`
	VisibilityTimeout int    `json:"visibility_timeout_seconds"`
	MaxReceiveCount   int    `json:"max_receive_count"`
	RedriveTarget     string `json:"redrive_target,omitempty"`
}

// DeadLetter is what the manager hands to the sink when a message exceeds
// its queue's max receive count.
type DeadLetter struct {
	MessageID       string                `json:"message_id"`
	Queue           string                `json:"queue"`
	RedriveTarget   string                `json:"redrive_target"`
	Event           models.Event          `json:"event"`
	ReceiveCount    int                   `json:"receive_count"`
	FirstEnqueuedAt time.Time             `json:"first_enqueued_at"`
	FailureHistory  []models.FailureEntry `json:"failure_history"`
	Reason          string                `json:"reason"`
	DeadLetteredAt  time.Time             `json:"dead_lettered_at"`
}

// DeadLetterSink receives dead-lettered messages. A failing sink leaves the
// message in its queue.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

const ReasonMaxReceiveCount = "max receive count exceeded"

const handleSeparator = "."

func makeHandle(messageID, receipt string) string {
	return messageID + handleSeparator + receipt
}

func parseHandle(handle string) (messageID, receipt string, err error) {
	idx := strings.LastIndex(handle, handleSeparator)
	if idx <= 0 || idx == len(handle)-1 {
		return "", "", fmt.Errorf("malformed receipt handle")
	}
	return handle[:idx], handle[idx+1:], nil
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
