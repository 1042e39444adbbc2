package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"relay/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := loadSchemaFiles(&cfg, filepath.Dir(configFile)); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10)
	viper.SetDefault("server.write_timeout_seconds", constants.MaxWaitSeconds+10)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("schemas.store", constants.SchemaStoreMemory)
	viper.SetDefault("dead_letter.store", constants.DeadLetterStoreMemory)
	viper.SetDefault("database.migrations_path", "migrations/postgres")
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("ingestion.kafka_topic", "INGESTION_KAFKA_TOPIC")
	viper.BindEnv("dead_letter.store", "DEAD_LETTER_STORE")
	viper.BindEnv("schemas.store", "SCHEMAS_STORE")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}

// loadSchemaFiles inlines schema bodies referenced by path. Relative paths
// resolve against the config file's directory.
func loadSchemaFiles(cfg *Config, baseDir string) error {
	for i := range cfg.Schemas.Definitions {
		def := &cfg.Schemas.Definitions[i]
		if def.File == "" || def.Body != "" {
			continue
		}

		path := def.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read schema file for %s v%d: %w", def.Name, def.Version, err)
		}
		def.Body = string(body)
	}
	return nil
}

// ApplyDefaults fills zero values that have a sensible default. It is exported
// so tests and programmatic callers get the same behaviour as LoadConfig.
func ApplyDefaults(cfg *Config) {
	for i := range cfg.Queues {
		q := &cfg.Queues[i]
		if q.VisibilityTimeoutSeconds == 0 {
			q.VisibilityTimeoutSeconds = constants.DefaultVisibilityTimeoutSeconds
		}
		if q.RetentionSeconds == 0 {
			q.RetentionSeconds = constants.DefaultRetentionSeconds
		}
		if q.MaxDepth == 0 {
			q.MaxDepth = constants.DefaultMaxQueueDepth
		}
		if q.DedupStore == "" {
			q.DedupStore = constants.DedupStoreMemory
		}
		if q.DedupOnError == "" {
			q.DedupOnError = constants.DedupOnErrorAllow
		}
		if q.FIFO && q.DedupWindowSeconds == 0 {
			q.DedupWindowSeconds = constants.DefaultDedupWindowSeconds
		}
		if q.RedriveTarget == "" {
			q.RedriveTarget = q.Name + "-dlq"
		}
	}

	for i := range cfg.Schemas.Bindings {
		if cfg.Schemas.Bindings[i].Version == "" {
			cfg.Schemas.Bindings[i].Version = constants.SchemaVersionLatest
		}
	}

	if cfg.DeadLetter.RetentionDays == 0 {
		cfg.DeadLetter.RetentionDays = constants.DefaultDeadLetterRetentionDays
	}
	if cfg.DeadLetter.PageSize == 0 {
		cfg.DeadLetter.PageSize = constants.DefaultDeadLetterPageSize
	}
	if cfg.DeadLetter.SweepIntervalSeconds == 0 {
		cfg.DeadLetter.SweepIntervalSeconds = int(constants.DefaultSweepInterval.Seconds())
	}

	if cfg.Fanout.Concurrency == 0 {
		cfg.Fanout.Concurrency = constants.DefaultFanoutConcurrency
	}
	if cfg.Fanout.WebhookTimeoutSeconds == 0 {
		cfg.Fanout.WebhookTimeoutSeconds = int(constants.DefaultHTTPTimeout.Seconds())
	}
	if cfg.Ingestion.Concurrency == 0 {
		cfg.Ingestion.Concurrency = constants.DefaultBusConcurrency
	}
}
