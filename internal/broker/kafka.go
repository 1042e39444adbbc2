package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/logging"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/retry"
	"relay/pkg/tracing"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, logger: log}
}

// Publish keys messages by correlation id so one conversation stays on one
// partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, event models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := event.CorrelationID
	if key == "" {
		key = event.ID
	}

	return p.PublishRaw(ctx, topic, []byte(key), body, map[string]string{
		HeaderEventID:     event.ID,
		HeaderEventType:   event.Type,
		HeaderEventSource: event.Source,
	})
}

func (p *KafkaProducer) PublishRaw(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	kh := make([]kafka.Header, 0, len(headers)+2)
	for k, v := range headers {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}
	kh = tracing.InjectTraceContext(ctx, kh)

	start := time.Now()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: kh,
		Time:    start,
	})
	metrics.ObserveKafkaWriteDuration(topic, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(topic)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	reader      messageReader
	newReader   func(topic string) messageReader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: constants.ServiceName,
	}
	consumer.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume blocks until ctx is done. Every fetched message is committed once
// it has been handled, dead-lettered, or found undecodable.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := c.newReader(topic)
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx, reader, topic, handler)
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, reader messageReader, topic string, handler HandlerFunc) {
	loopCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(loopCtx, "Started consuming", "topic", topic)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(loopCtx, "Stopped consuming", "topic", topic, "reason", "context canceled")
				return
			}
			c.logger.ErrorwCtx(loopCtx, "Error fetching kafka message", "error", err, "topic", topic)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		metrics.IncKafkaMessagesRead(topic)
		c.handleMessage(loopCtx, m, topic, handler)

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(loopCtx, "Failed to commit message", "error", err, "topic", topic)
		}
	}
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, m kafka.Message, topic string, handler HandlerFunc) {
	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	var raw models.RawEvent
	if err := json.Unmarshal(m.Value, &raw); err != nil {
		spanErr = err
		c.logger.ErrorwCtx(msgCtx, "Failed to unmarshal message", "error", err, "topic", topic)
		c.deadLetter(msgCtx, m, err, topic)
		return
	}
	if raw.ID != "" {
		msgCtx = logging.WithEventID(msgCtx, raw.ID)
	}
	if raw.CorrelationID != "" {
		msgCtx = logging.WithCorrelationID(msgCtx, raw.CorrelationID)
	}

	if err := c.processMessageWithRetry(msgCtx, raw, handler, topic); err != nil {
		spanErr = err
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries", "error", err, "topic", topic)
		c.deadLetter(msgCtx, m, err, topic)
	}
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, raw models.RawEvent, handler HandlerFunc, topic string) error {
	policy := retry.PolicyFromConfig(c.cfg.Retry)

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = retry.NewFatalError(errors.RecoverPanic(r))
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing", "error", err, "topic", topic)
			}
		}()
		return handler(ctx, raw)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("ingestion", topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) deadLetter(ctx context.Context, m kafka.Message, cause error, sourceTopic string) {
	if c.dlqProducer == nil {
		c.logger.WarnwCtx(ctx, "No DLQ configured, committing message to avoid blocking", "topic", sourceTopic)
		return
	}

	headers := map[string]string{
		HeaderDLQReason: cause.Error(),
		HeaderDLQSource: sourceTopic,
		HeaderDLQTime:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.dlqProducer.PublishRaw(ctx, c.cfg.DLQTopic, m.Key, m.Value, headers); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ", "error", err, "topic", sourceTopic)
		return
	}

	metrics.IncDeadLettered(sourceTopic, "ingestion_failed")
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", cause.Error(),
	)
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	var err error
	if reader != nil {
		err = reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}
