package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Database       DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Broker         BrokerConfig         `mapstructure:"broker" yaml:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
	Ingestion      IngestionConfig      `mapstructure:"ingestion" yaml:"ingestion"`
	Schemas        SchemaRegistryConfig `mapstructure:"schemas" yaml:"schemas"`
	Queues         []QueueConfig        `mapstructure:"queues" yaml:"queues"`
	Rules          []RuleConfig         `mapstructure:"rules" yaml:"rules"`
	Topics         []TopicConfig        `mapstructure:"topics" yaml:"topics"`
	DeadLetter     DeadLetterConfig     `mapstructure:"dead_letter" yaml:"dead_letter"`
	Notifications  NotificationsConfig  `mapstructure:"notifications" yaml:"notifications"`
	Fanout         FanoutConfig         `mapstructure:"fanout" yaml:"fanout"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	Port                int `mapstructure:"port" yaml:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// WriteTimeout must exceed the longest long-poll wait.
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

type DatabaseConfig struct {
	Postgres       PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis          RedisConfig    `mapstructure:"redis" yaml:"redis"`
	RunMigrations  bool           `mapstructure:"run_migrations" yaml:"run_migrations"`
	MigrationsPath string         `mapstructure:"migrations_path" yaml:"migrations_path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"`
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

func (c BrokerConfig) Enabled() bool {
	return c.Type != ""
}

type KafkaConfig struct {
	Brokers  []string    `mapstructure:"brokers" yaml:"brokers"`
	GroupID  string      `mapstructure:"group_id" yaml:"group_id"`
	DLQTopic string      `mapstructure:"dlq_topic" yaml:"dlq_topic"`
	Retry    RetryConfig `mapstructure:"retry" yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type IngestionConfig struct {
	// KafkaTopic, when set, feeds events read from Kafka into the bus.
	KafkaTopic  string          `mapstructure:"kafka_topic" yaml:"kafka_topic"`
	Concurrency int             `mapstructure:"concurrency" yaml:"concurrency"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled"`
	RPS             float64 `mapstructure:"rps" yaml:"rps"`
	Burst           int     `mapstructure:"burst" yaml:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age" yaml:"max_age"`
}

type SchemaRegistryConfig struct {
	Store       string                `mapstructure:"store" yaml:"store"`
	Definitions []SchemaConfig        `mapstructure:"definitions" yaml:"definitions"`
	Bindings    []SchemaBindingConfig `mapstructure:"bindings" yaml:"bindings"`
}

type SchemaConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Version int    `mapstructure:"version" yaml:"version"`
	Body    string `mapstructure:"body" yaml:"body,omitempty"`
	File    string `mapstructure:"file" yaml:"file,omitempty"`
}

// SchemaBindingConfig maps an event (source, type) to a schema name and a
// version selector ("latest" or a number).
type SchemaBindingConfig struct {
	Source  string `mapstructure:"source" yaml:"source"`
	Type    string `mapstructure:"type" yaml:"type"`
	Schema  string `mapstructure:"schema" yaml:"schema"`
	Version string `mapstructure:"version" yaml:"version"`
}

type QueueConfig struct {
	Name                     string   `mapstructure:"name" yaml:"name"`
	VisibilityTimeoutSeconds int      `mapstructure:"visibility_timeout_seconds" yaml:"visibility_timeout_seconds"`
	MaxReceiveCount          int      `mapstructure:"max_receive_count" yaml:"max_receive_count"`
	RedriveTarget            string   `mapstructure:"redrive_target" yaml:"redrive_target"`
	FIFO                     bool     `mapstructure:"fifo" yaml:"fifo"`
	DedupWindowSeconds       int      `mapstructure:"dedup_window_seconds" yaml:"dedup_window_seconds"`
	DedupFields              []string `mapstructure:"dedup_fields" yaml:"dedup_fields"`
	RetentionSeconds         int      `mapstructure:"retention_seconds" yaml:"retention_seconds"`
	MaxDepth                 int      `mapstructure:"max_depth" yaml:"max_depth"`
	// DedupStore is "memory" or "redis". DedupOnError decides whether a
	// failing store lets the message through ("allow") or rejects it ("fail").
	DedupStore   string `mapstructure:"dedup_store" yaml:"dedup_store,omitempty"`
	DedupOnError string `mapstructure:"dedup_on_error" yaml:"dedup_on_error,omitempty"`
}

type RuleConfig struct {
	ID          string         `mapstructure:"id" yaml:"id"`
	Description string         `mapstructure:"description" yaml:"description,omitempty"`
	Source      []string       `mapstructure:"source" yaml:"source,omitempty"`
	Type        []string       `mapstructure:"type" yaml:"type,omitempty"`
	Match       []ClauseConfig `mapstructure:"match" yaml:"match,omitempty"`
	Targets     []string       `mapstructure:"targets" yaml:"targets"`
}

// ClauseConfig holds exactly one of In, Range, Exists, Prefix or Expression.
type ClauseConfig struct {
	Field      string        `mapstructure:"field" yaml:"field,omitempty"`
	In         []interface{} `mapstructure:"in" yaml:"in,omitempty"`
	Range      *RangeConfig  `mapstructure:"range" yaml:"range,omitempty"`
	Exists     *bool         `mapstructure:"exists" yaml:"exists,omitempty"`
	Prefix     *string       `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Expression string        `mapstructure:"expression" yaml:"expression,omitempty"`
}

type RangeConfig struct {
	Min          *float64 `mapstructure:"min" yaml:"min,omitempty"`
	Max          *float64 `mapstructure:"max" yaml:"max,omitempty"`
	ExclusiveMin bool     `mapstructure:"exclusive_min" yaml:"exclusive_min,omitempty"`
	ExclusiveMax bool     `mapstructure:"exclusive_max" yaml:"exclusive_max,omitempty"`
}

type TopicConfig struct {
	Name        string             `mapstructure:"name" yaml:"name"`
	Subscribers []SubscriberConfig `mapstructure:"subscribers" yaml:"subscribers"`
}

type SubscriberConfig struct {
	ID             string            `mapstructure:"id" yaml:"id"`
	Kind           string            `mapstructure:"kind" yaml:"kind"`
	URL            string            `mapstructure:"url" yaml:"url,omitempty"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	KafkaTopic     string            `mapstructure:"kafka_topic" yaml:"kafka_topic,omitempty"`
	Queue          string            `mapstructure:"queue" yaml:"queue,omitempty"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

type DeadLetterConfig struct {
	Store                string `mapstructure:"store" yaml:"store"`
	RetentionDays        int    `mapstructure:"retention_days" yaml:"retention_days"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	PageSize             int    `mapstructure:"page_size" yaml:"page_size"`
}

type NotificationsConfig struct {
	DeadLetterTopic      string `mapstructure:"dead_letter_topic" yaml:"dead_letter_topic"`
	DeliveryFailureTopic string `mapstructure:"delivery_failure_topic" yaml:"delivery_failure_topic"`
}

type FanoutConfig struct {
	Concurrency           int         `mapstructure:"concurrency" yaml:"concurrency"`
	WebhookTimeoutSeconds int         `mapstructure:"webhook_timeout_seconds" yaml:"webhook_timeout_seconds"`
	Retry                 RetryConfig `mapstructure:"retry" yaml:"retry"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio" yaml:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests" yaml:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string        `mapstructure:"service_name" yaml:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp" yaml:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler" yaml:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type" yaml:"type"`
	Param float64 `mapstructure:"param" yaml:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
