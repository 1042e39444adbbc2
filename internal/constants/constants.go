package constants

import "time"

const (
	ServiceName = "relay"
	APIBasePath = "/api/v1"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	ShutdownTimeout    = 10 * time.Second
	HealthCheckTimeout = 5 * time.Second
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	CacheKeyPrefixDedup  = "relay:dedup:"
	CacheKeyPrefixSchema = "relay:schema:"
	SchemaInvalidateChan = "relay:schemas:invalidate"
)

// Queue defaults mirror the usual managed-queue defaults.
const (
	DefaultVisibilityTimeoutSeconds = 30
	DefaultRetentionSeconds         = 4 * 24 * 3600
	DefaultDedupWindowSeconds       = 300
	DefaultMaxQueueDepth            = 100000
	MaxReceiveBatch                 = 10
	MaxWaitSeconds                  = 20
	MaxVisibilityTimeoutSeconds     = 12 * 3600
	DefaultSweepInterval            = 30 * time.Second
)

const (
	DefaultDeadLetterRetentionDays = 14
	DefaultDeadLetterPageSize      = 50
	MaxDeadLetterPageSize          = 500
)

const (
	DefaultFanoutConcurrency = 16
	DefaultBusConcurrency    = 8
)

const (
	SchemaVersionLatest = "latest"
)

const (
	FailureReasonVisibilityExpired = "visibility timeout expired"
	FailureReasonReleased          = "released by consumer"
)

const (
	DedupOnErrorAllow = "allow"
	DedupOnErrorFail  = "fail"
	DedupStoreMemory  = "memory"
	DedupStoreRedis   = "redis"
)

const (
	DeadLetterStoreMemory   = "memory"
	DeadLetterStorePostgres = "postgres"
)

const (
	SchemaStoreMemory = "memory"
	SchemaStoreRedis  = "redis"
)

const (
	TargetKindQueue = "queue"
	TargetKindTopic = "topic"
)

const (
	SubscriberKindWebhook = "webhook"
	SubscriberKindKafka   = "kafka"
	SubscriberKindQueue   = "queue"
)
