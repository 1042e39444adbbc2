package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_accepted_total",
			Help: "Total number of events accepted by the bus (count)",
		},
		[]string{"source", "type"},
	)

	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_rejected_total",
			Help: "Total number of events rejected at ingestion (count)",
		},
		[]string{"reason"},
	)

	EventsMatchedNoDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_matched_no_delivery_total",
			Help: "Total number of rule matches that had no delivery target (count)",
		},
		[]string{"rule_id"},
	)

	EventsUnmatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_unmatched_total",
			Help: "Total number of accepted events that matched no rule (count)",
		},
	)

	RuleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rule_matches_total",
			Help: "Total number of rule matches (count)",
		},
		[]string{"rule_id"},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Total number of fan-out delivery attempts per target (count)",
		},
		[]string{"target", "status"},
	)

	AcceptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_accept_duration_ms",
			Help:    "Duration of Accept including fan-out in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"status"},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_enqueued_total",
			Help: "Total number of messages enqueued (count)",
		},
		[]string{"queue", "status"},
	)

	QueueReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_received_total",
			Help: "Total number of messages handed to consumers (count)",
		},
		[]string{"queue"},
	)

	QueueRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_retried_total",
			Help: "Total number of redeliveries after a visibility timeout or release (count)",
		},
		[]string{"queue"},
	)

	QueueAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_acked_total",
			Help: "Total number of acknowledgements (count)",
		},
		[]string{"queue", "status"},
	)

	QueueExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_expired_total",
			Help: "Total number of messages removed by retention (count)",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Messages currently held by a queue (count)",
		},
		[]string{"queue", "state"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_lettered_total",
			Help: "Total number of messages moved to the dead letter store (count)",
		},
		[]string{"queue", "reason"},
	)

	DLQRedrivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_letter_redrives_total",
			Help: "Total number of dead letter redrives (count)",
		},
		[]string{"queue", "status"},
	)

	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_dead_letter_size",
			Help: "Records currently held in the dead letter store (count)",
		},
	)

	FanoutDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fanout_deliveries_total",
			Help: "Total number of per-subscriber topic deliveries (count)",
		},
		[]string{"topic", "kind", "status"},
	)

	FanoutDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_fanout_delivery_duration_ms",
			Help:    "Duration of a single subscriber delivery in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"topic", "kind"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"component", "target"},
	)

	SchemaRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_schema_registrations_total",
			Help: "Total number of schema registration calls (count)",
		},
		[]string{"status"},
	)

	SchemaValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_schema_validations_total",
			Help: "Total number of payload validations (count)",
		},
		[]string{"schema", "result"},
	)

	ActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_rules",
			Help: "Number of loaded routing rules (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"component", "strategy"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsAcceptedTotal,
			EventsRejectedTotal,
			EventsMatchedNoDeliveryTotal,
			EventsUnmatchedTotal,
			RuleMatchesTotal,
			DeliveryAttemptsTotal,
			AcceptDuration,
			QueueEnqueuedTotal,
			QueueReceivedTotal,
			QueueRetriedTotal,
			QueueAckedTotal,
			QueueExpiredTotal,
			QueueDepth,
			DLQMessagesTotal,
			DLQRedrivesTotal,
			DLQSize,
			FanoutDeliveriesTotal,
			FanoutDeliveryDuration,
			RetryAttemptsTotal,
			SchemaRegistrationsTotal,
			SchemaValidationsTotal,
			ActiveRules,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			FallbackUsageTotal,
			KafkaMessagesReadTotal,
			KafkaMessagesWrittenTotal,
			KafkaWriteDuration,
		)
	})
}

func IncAccepted(source, eventType string) {
	EventsAcceptedTotal.WithLabelValues(source, eventType).Inc()
}

func IncRejected(reason string) {
	EventsRejectedTotal.WithLabelValues(reason).Inc()
}

func IncMatchedNoDelivery(ruleID string) {
	EventsMatchedNoDeliveryTotal.WithLabelValues(ruleID).Inc()
}

func IncRuleMatch(ruleID string) {
	RuleMatchesTotal.WithLabelValues(ruleID).Inc()
}

func IncDeliveryAttempt(target, status string) {
	DeliveryAttemptsTotal.WithLabelValues(target, status).Inc()
}

func ObserveAcceptDuration(duration time.Duration, status string) {
	AcceptDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncEnqueued(queue, status string) {
	QueueEnqueuedTotal.WithLabelValues(queue, status).Inc()
}

func AddReceived(queue string, n int) {
	QueueReceivedTotal.WithLabelValues(queue).Add(float64(n))
}

func IncRetried(queue string) {
	QueueRetriedTotal.WithLabelValues(queue).Inc()
}

func IncAcked(queue, status string) {
	QueueAckedTotal.WithLabelValues(queue, status).Inc()
}

func AddExpired(queue string, n int) {
	QueueExpiredTotal.WithLabelValues(queue).Add(float64(n))
}

func SetQueueDepth(queue string, visible, inFlight int) {
	QueueDepth.WithLabelValues(queue, "visible").Set(float64(visible))
	QueueDepth.WithLabelValues(queue, "in_flight").Set(float64(inFlight))
}

func IncDeadLettered(queue, reason string) {
	DLQMessagesTotal.WithLabelValues(queue, reason).Inc()
}

func IncRedrive(queue, status string) {
	DLQRedrivesTotal.WithLabelValues(queue, status).Inc()
}

func SetDLQSize(size int) {
	DLQSize.Set(float64(size))
}

func IncFanoutDelivery(topic, kind, status string) {
	FanoutDeliveriesTotal.WithLabelValues(topic, kind, status).Inc()
}

func ObserveFanoutDelivery(topic, kind string, duration time.Duration) {
	FanoutDeliveryDuration.WithLabelValues(topic, kind).Observe(float64(duration.Milliseconds()))
}

func IncSchemaRegistration(status string) {
	SchemaRegistrationsTotal.WithLabelValues(status).Inc()
}

func IncSchemaValidation(schema, result string) {
	SchemaValidationsTotal.WithLabelValues(schema, result).Inc()
}

func SetActiveRules(count int) {
	ActiveRules.Set(float64(count))
}

func IncKafkaMessagesRead(topic string) {
	KafkaMessagesReadTotal.WithLabelValues(topic).Inc()
}

func IncKafkaMessagesWritten(topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(topic).Inc()
}

func ObserveKafkaWriteDuration(topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(topic).Observe(float64(duration.Milliseconds()))
}
