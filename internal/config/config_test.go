package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/constants"
)

const testConfigYAML = `
server:
  port: 9090
logging:
  level: debug
schemas:
  definitions:
    - name: UserInteraction
      version: 1
      file: user_interaction.json
  bindings:
    - source: assistant
      type: UserInteraction
      schema: UserInteraction
queues:
  - name: voiceQueue
    visibility_timeout_seconds: 60
    max_receive_count: 3
  - name: analyticsQueue
    fifo: true
    dedup_fields: [correlation_id, detail.interactionType]
topics:
  - name: alerts
    subscribers:
      - id: pager
        kind: webhook
        url: https://hooks.example.com/pager
rules:
  - id: voice
    source: [assistant]
    type: [UserInteraction]
    match:
      - field: detail.interactionType
        in: [voice]
      - field: detail.confidence
        range:
          min: 0.5
    targets: [queue:voiceQueue]
  - id: analytics
    source: [assistant]
    type: [UserInteraction]
    targets: [analyticsQueue, topic:alerts]
notifications:
  dead_letter_topic: alerts
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user_interaction.json"), []byte(`{"type":"object"}`), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.Len(t, cfg.Schemas.Definitions, 1)
	assert.JSONEq(t, `{"type":"object"}`, cfg.Schemas.Definitions[0].Body)
	assert.Equal(t, constants.SchemaVersionLatest, cfg.Schemas.Bindings[0].Version)

	require.Len(t, cfg.Queues, 2)
	voice := cfg.Queues[0]
	assert.Equal(t, 60, voice.VisibilityTimeoutSeconds)
	assert.Equal(t, 3, voice.MaxReceiveCount)
	assert.Equal(t, "voiceQueue-dlq", voice.RedriveTarget)
	assert.Equal(t, constants.DefaultRetentionSeconds, voice.RetentionSeconds)

	analytics := cfg.Queues[1]
	assert.True(t, analytics.FIFO)
	assert.Equal(t, constants.DefaultVisibilityTimeoutSeconds, analytics.VisibilityTimeoutSeconds)
	assert.Equal(t, constants.DefaultDedupWindowSeconds, analytics.DedupWindowSeconds)

	require.Len(t, cfg.Rules, 2)
	require.Len(t, cfg.Rules[0].Match, 2)
	assert.Equal(t, []interface{}{"voice"}, cfg.Rules[0].Match[0].In)
	require.NotNil(t, cfg.Rules[0].Match[1].Range)
	assert.Equal(t, 0.5, *cfg.Rules[0].Match[1].Range.Min)

	assert.Equal(t, constants.DefaultDeadLetterRetentionDays, cfg.DeadLetter.RetentionDays)
	assert.Equal(t, constants.DefaultDeadLetterPageSize, cfg.DeadLetter.PageSize)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080, ReadTimeoutSeconds: 10, WriteTimeoutSeconds: 30},
		Queues: []QueueConfig{{Name: "q1", MaxReceiveCount: 3}},
		Topics: []TopicConfig{{Name: "t1"}},
		Rules: []RuleConfig{{
			ID:      "r1",
			Targets: []string{"queue:q1", "topic:t1"},
		}},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidateStatic(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		field   string
		wantErr bool
	}{
		{name: "valid", mutate: func(cfg *Config) {}},
		{
			name:    "bad port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			field:   "server.port",
			wantErr: true,
		},
		{
			name:    "write timeout shorter than long poll",
			mutate:  func(cfg *Config) { cfg.Server.WriteTimeoutSeconds = 5 },
			field:   "server.write_timeout_seconds",
			wantErr: true,
		},
		{
			name:    "duplicate queue",
			mutate:  func(cfg *Config) { cfg.Queues = append(cfg.Queues, QueueConfig{Name: "q1"}) },
			field:   "queues[1].name",
			wantErr: true,
		},
		{
			name:    "rule targets unknown queue",
			mutate:  func(cfg *Config) { cfg.Rules[0].Targets = []string{"queue:nope"} },
			field:   "rules[0].targets[0]",
			wantErr: true,
		},
		{
			name: "clause with two kinds",
			mutate: func(cfg *Config) {
				prefix := "en"
				cfg.Rules[0].Match = []ClauseConfig{{Field: "detail.locale", In: []interface{}{"en"}, Prefix: &prefix}}
			},
			field:   "rules[0].match[0]",
			wantErr: true,
		},
		{
			name: "inverted range",
			mutate: func(cfg *Config) {
				lo, hi := 5.0, 1.0
				cfg.Rules[0].Match = []ClauseConfig{{Field: "detail.n", Range: &RangeConfig{Min: &lo, Max: &hi}}}
			},
			field:   "rules[0].match[0].range",
			wantErr: true,
		},
		{
			name: "kafka subscriber without broker",
			mutate: func(cfg *Config) {
				cfg.Topics[0].Subscribers = []SubscriberConfig{{ID: "k", Kind: "kafka", KafkaTopic: "x"}}
			},
			field:   "topics[0].subscribers[0].kind",
			wantErr: true,
		},
		{
			name:    "postgres dead letter store without postgres",
			mutate:  func(cfg *Config) { cfg.DeadLetter.Store = constants.DeadLetterStorePostgres },
			field:   "dead_letter.store",
			wantErr: true,
		},
		{
			name:    "notification topic unknown",
			mutate:  func(cfg *Config) { cfg.Notifications.DeadLetterTopic = "missing" },
			field:   "notifications.dead_letter_topic",
			wantErr: true,
		},
		{
			name: "queue subscriber on notification topic",
			mutate: func(cfg *Config) {
				cfg.Topics[0].Subscribers = []SubscriberConfig{{ID: "ops", Kind: "queue", Queue: "q1"}}
				cfg.Notifications.DeliveryFailureTopic = "t1"
			},
			field:   "notifications.delivery_failure_topic",
			wantErr: true,
		},
		{
			name: "webhook subscriber on notification topic",
			mutate: func(cfg *Config) {
				cfg.Topics[0].Subscribers = []SubscriberConfig{{ID: "ops", Kind: "webhook", URL: "https://ops.example.com/hook"}}
				cfg.Notifications.DeadLetterTopic = "t1"
				cfg.Notifications.DeliveryFailureTopic = "t1"
			},
		},
		{
			name: "bad schema binding version",
			mutate: func(cfg *Config) {
				cfg.Schemas.Bindings = []SchemaBindingConfig{{Source: "a", Type: "b", Schema: "c", Version: "v2"}}
			},
			field:   "schemas.bindings[0].version",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateStatic(cfg)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
