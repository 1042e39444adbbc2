package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"relay/internal/constants"
	"relay/pkg/models"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errs = append(errs, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateSchemas(cfg.Schemas, cfg.Database)...)
	errs = append(errs, validateQueues(cfg.Queues, cfg.Database)...)
	errs = append(errs, validateTopics(cfg.Topics, cfg.Queues, cfg.Broker)...)
	errs = append(errs, validateRules(cfg.Rules, cfg.Queues, cfg.Topics)...)

	if err := validateDeadLetter(cfg.DeadLetter, cfg.Database); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateNotifications(cfg.Notifications, cfg.Topics)...)

	if cfg.Ingestion.KafkaTopic != "" && cfg.Broker.Type != "kafka" {
		errs = append(errs, &ValidationError{
			Field:   "ingestion.kafka_topic",
			Message: "kafka ingestion requires broker.type kafka",
		})
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= constants.MaxWaitSeconds {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: fmt.Sprintf("write timeout must exceed the maximum long-poll wait of %ds", constants.MaxWaitSeconds),
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(field string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   field + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 || cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   field,
			Message: "intervals must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   field + ".multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Enabled() {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Enabled() {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.DB < 0 {
		return &ValidationError{
			Field:   "database.redis.db",
			Message: "db index must be non-negative",
		}
	}

	return nil
}

func validateSchemas(cfg SchemaRegistryConfig, db DatabaseConfig) []error {
	var errs []error

	switch cfg.Store {
	case "", constants.SchemaStoreMemory:
	case constants.SchemaStoreRedis:
		if !db.Redis.Enabled() {
			errs = append(errs, &ValidationError{
				Field:   "schemas.store",
				Message: "redis schema store requires database.redis",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "schemas.store",
			Message: fmt.Sprintf("unknown schema store: %s (valid: memory, redis)", cfg.Store),
		})
	}

	seen := make(map[string]bool)
	for i, def := range cfg.Definitions {
		field := fmt.Sprintf("schemas.definitions[%d]", i)
		if def.Name == "" {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: "schema name is required"})
		}
		if def.Version < 1 {
			errs = append(errs, &ValidationError{Field: field + ".version", Message: "schema version must be >= 1"})
		}
		if strings.TrimSpace(def.Body) == "" {
			errs = append(errs, &ValidationError{Field: field + ".body", Message: "schema body or file is required"})
		}
		key := fmt.Sprintf("%s@%d", def.Name, def.Version)
		if seen[key] {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("duplicate schema definition %s", key)})
		}
		seen[key] = true
	}

	for i, b := range cfg.Bindings {
		field := fmt.Sprintf("schemas.bindings[%d]", i)
		if b.Source == "" || b.Type == "" || b.Schema == "" {
			errs = append(errs, &ValidationError{Field: field, Message: "source, type and schema are required"})
		}
		if b.Version != "" && b.Version != constants.SchemaVersionLatest {
			if v, err := strconv.Atoi(b.Version); err != nil || v < 1 {
				errs = append(errs, &ValidationError{Field: field + ".version", Message: "version must be 'latest' or a positive integer"})
			}
		}
	}

	return errs
}

func validateQueues(queues []QueueConfig, db DatabaseConfig) []error {
	var errs []error
	names := make(map[string]bool, len(queues))

	for i, q := range queues {
		field := fmt.Sprintf("queues[%d]", i)

		if q.Name == "" {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: "queue name is required"})
			continue
		}
		if names[q.Name] {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate queue name %s", q.Name)})
		}
		names[q.Name] = true

		if q.VisibilityTimeoutSeconds < 0 || q.VisibilityTimeoutSeconds > constants.MaxVisibilityTimeoutSeconds {
			errs = append(errs, &ValidationError{
				Field:   field + ".visibility_timeout_seconds",
				Message: fmt.Sprintf("must be between 0 and %d", constants.MaxVisibilityTimeoutSeconds),
			})
		}
		if q.MaxReceiveCount < 0 {
			errs = append(errs, &ValidationError{Field: field + ".max_receive_count", Message: "must be non-negative (0 disables dead-lettering)"})
		}
		if q.RetentionSeconds < 0 || q.MaxDepth < 0 || q.DedupWindowSeconds < 0 {
			errs = append(errs, &ValidationError{Field: field, Message: "retention, depth and dedup window must be non-negative"})
		}
		if !q.FIFO && len(q.DedupFields) > 0 {
			errs = append(errs, &ValidationError{Field: field + ".dedup_fields", Message: "dedup fields only apply to fifo queues"})
		}
		switch q.DedupStore {
		case "", constants.DedupStoreMemory:
		case constants.DedupStoreRedis:
			if !db.Redis.Enabled() {
				errs = append(errs, &ValidationError{Field: field + ".dedup_store", Message: "redis dedup store requires database.redis"})
			}
		default:
			errs = append(errs, &ValidationError{Field: field + ".dedup_store", Message: fmt.Sprintf("unknown dedup store %s", q.DedupStore)})
		}
		if q.DedupOnError != "" && q.DedupOnError != constants.DedupOnErrorAllow && q.DedupOnError != constants.DedupOnErrorFail {
			errs = append(errs, &ValidationError{Field: field + ".dedup_on_error", Message: "must be allow or fail"})
		}
	}

	return errs
}

func validateTopics(topics []TopicConfig, queues []QueueConfig, broker BrokerConfig) []error {
	var errs []error
	queueNames := queueNameSet(queues)
	names := make(map[string]bool, len(topics))

	for i, topic := range topics {
		field := fmt.Sprintf("topics[%d]", i)
		if topic.Name == "" {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: "topic name is required"})
			continue
		}
		if names[topic.Name] {
			errs = append(errs, &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate topic name %s", topic.Name)})
		}
		names[topic.Name] = true

		ids := make(map[string]bool)
		for j, sub := range topic.Subscribers {
			subField := fmt.Sprintf("%s.subscribers[%d]", field, j)
			if sub.ID == "" {
				errs = append(errs, &ValidationError{Field: subField + ".id", Message: "subscriber id is required"})
			} else if ids[sub.ID] {
				errs = append(errs, &ValidationError{Field: subField + ".id", Message: fmt.Sprintf("duplicate subscriber id %s", sub.ID)})
			}
			ids[sub.ID] = true

			if err := validateSubscriber(subField, sub, queueNames, broker); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errs
}

func validateSubscriber(field string, sub SubscriberConfig, queueNames map[string]bool, broker BrokerConfig) error {
	switch sub.Kind {
	case constants.SubscriberKindWebhook:
		u, err := url.Parse(sub.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: field + ".url", Message: "webhook subscriber needs an http(s) url"}
		}
	case constants.SubscriberKindKafka:
		if sub.KafkaTopic == "" {
			return &ValidationError{Field: field + ".kafka_topic", Message: "kafka subscriber needs kafka_topic"}
		}
		if broker.Type != "kafka" {
			return &ValidationError{Field: field + ".kind", Message: "kafka subscriber requires broker.type kafka"}
		}
	case constants.SubscriberKindQueue:
		if !queueNames[sub.Queue] {
			return &ValidationError{Field: field + ".queue", Message: fmt.Sprintf("unknown queue %q", sub.Queue)}
		}
	default:
		return &ValidationError{
			Field:   field + ".kind",
			Message: fmt.Sprintf("unknown subscriber kind %q (valid: webhook, kafka, queue)", sub.Kind),
		}
	}
	return nil
}

func validateRules(rules []RuleConfig, queues []QueueConfig, topics []TopicConfig) []error {
	var errs []error
	queueNames := queueNameSet(queues)
	topicNames := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicNames[t.Name] = true
	}

	ids := make(map[string]bool, len(rules))
	for i, rule := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		if rule.ID == "" {
			errs = append(errs, &ValidationError{Field: field + ".id", Message: "rule id is required"})
		} else if ids[rule.ID] {
			errs = append(errs, &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate rule id %s", rule.ID)})
		}
		ids[rule.ID] = true

		for j, clause := range rule.Match {
			if err := validateClause(fmt.Sprintf("%s.match[%d]", field, j), clause); err != nil {
				errs = append(errs, err)
			}
		}

		for j, raw := range rule.Targets {
			targetField := fmt.Sprintf("%s.targets[%d]", field, j)
			ref, err := models.ParseTargetRef(raw)
			if err != nil {
				errs = append(errs, &ValidationError{Field: targetField, Message: err.Error()})
				continue
			}
			if ref.Kind == models.TargetQueue && !queueNames[ref.Name] {
				errs = append(errs, &ValidationError{Field: targetField, Message: fmt.Sprintf("unknown queue %q", ref.Name)})
			}
			if ref.Kind == models.TargetTopic && !topicNames[ref.Name] {
				errs = append(errs, &ValidationError{Field: targetField, Message: fmt.Sprintf("unknown topic %q", ref.Name)})
			}
		}
	}

	return errs
}

func validateClause(field string, c ClauseConfig) error {
	kinds := 0
	if len(c.In) > 0 {
		kinds++
	}
	if c.Range != nil {
		kinds++
	}
	if c.Exists != nil {
		kinds++
	}
	if c.Prefix != nil {
		kinds++
	}
	if c.Expression != "" {
		kinds++
	}

	if kinds != 1 {
		return &ValidationError{Field: field, Message: "clause must set exactly one of in, range, exists, prefix, expression"}
	}
	if c.Expression == "" && c.Field == "" {
		return &ValidationError{Field: field + ".field", Message: "field is required"}
	}
	if c.Exists != nil && !*c.Exists {
		return &ValidationError{Field: field + ".exists", Message: "only exists: true is supported"}
	}
	if c.Range != nil {
		if c.Range.Min == nil && c.Range.Max == nil {
			return &ValidationError{Field: field + ".range", Message: "range needs min or max"}
		}
		if c.Range.Min != nil && c.Range.Max != nil && *c.Range.Min > *c.Range.Max {
			return &ValidationError{Field: field + ".range", Message: "min must not exceed max"}
		}
	}
	return nil
}

func validateDeadLetter(cfg DeadLetterConfig, db DatabaseConfig) error {
	switch cfg.Store {
	case "", constants.DeadLetterStoreMemory:
	case constants.DeadLetterStorePostgres:
		if !db.Postgres.Enabled() {
			return &ValidationError{Field: "dead_letter.store", Message: "postgres dead letter store requires database.postgres"}
		}
	default:
		return &ValidationError{
			Field:   "dead_letter.store",
			Message: fmt.Sprintf("unknown dead letter store: %s (valid: memory, postgres)", cfg.Store),
		}
	}

	if cfg.RetentionDays < 1 {
		return &ValidationError{Field: "dead_letter.retention_days", Message: "retention must be at least one day"}
	}
	if cfg.PageSize < 1 || cfg.PageSize > constants.MaxDeadLetterPageSize {
		return &ValidationError{
			Field:   "dead_letter.page_size",
			Message: fmt.Sprintf("page size must be between 1 and %d", constants.MaxDeadLetterPageSize),
		}
	}
	return nil
}

// validateNotifications checks that notification topics exist and have no
// queue subscribers. Notification events are not schema validated, and a
// queue subscriber could dead-letter them back into the same topic.
func validateNotifications(cfg NotificationsConfig, topics []TopicConfig) []error {
	byName := make(map[string]TopicConfig, len(topics))
	for _, t := range topics {
		byName[t.Name] = t
	}

	var errs []error
	check := func(field, name string) {
		if name == "" {
			return
		}
		topic, ok := byName[name]
		if !ok {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("unknown topic %q", name)})
			return
		}
		for _, sub := range topic.Subscribers {
			if sub.Kind == constants.SubscriberKindQueue {
				errs = append(errs, &ValidationError{
					Field:   field,
					Message: fmt.Sprintf("notification topic %q cannot have queue subscriber %s", name, sub.ID),
				})
			}
		}
	}
	check("notifications.dead_letter_topic", cfg.DeadLetterTopic)
	if cfg.DeliveryFailureTopic != cfg.DeadLetterTopic {
		check("notifications.delivery_failure_topic", cfg.DeliveryFailureTopic)
	}
	return errs
}

func queueNameSet(queues []QueueConfig) map[string]bool {
	names := make(map[string]bool, len(queues))
	for _, q := range queues {
		names[q.Name] = true
	}
	return names
}
