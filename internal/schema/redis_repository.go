package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/errors"
)

// RedisRepository keeps one hash per schema name, keyed by version, and
// announces new versions on a pub/sub channel.
type RedisRepository struct {
	client  *redis.Client
	prefix  string
	channel string
	logger  logger.Logger
}

func NewRedisRepository(client *redis.Client, log logger.Logger) *RedisRepository {
	return &RedisRepository{
		client:  client,
		prefix:  constants.CacheKeyPrefixSchema,
		channel: constants.SchemaInvalidateChan,
		logger:  log,
	}
}

func (r *RedisRepository) key(name string) string {
	return r.prefix + name
}

func (r *RedisRepository) Create(ctx context.Context, s Schema) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	field := strconv.Itoa(s.Version)
	created, err := r.client.HSetNX(ctx, r.key(s.Name), field, payload).Result()
	if err != nil {
		return errors.ErrServiceUnavailable.WithCause(fmt.Errorf("failed to store schema: %w", err))
	}

	if !created {
		existing, err := r.Get(ctx, s.Name, s.Version)
		if err != nil {
			return err
		}
		if sameBody(existing.Body, s.Body) {
			return nil
		}
		return errors.ErrDuplicateVersion.WithDetail("name", s.Name).WithDetail("version", s.Version)
	}

	if err := r.client.Publish(ctx, r.channel, fmt.Sprintf("%s:%d", s.Name, s.Version)).Err(); err != nil {
		r.logger.Warnw("Failed to publish schema change", "error", err, "schema", s.Name, "version", s.Version)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, name string, version int) (Schema, error) {
	raw, err := r.client.HGet(ctx, r.key(name), strconv.Itoa(version)).Bytes()
	if err == redis.Nil {
		return Schema{}, errors.ErrSchemaNotFound.WithDetail("name", name).WithDetail("version", version)
	}
	if err != nil {
		return Schema{}, errors.ErrServiceUnavailable.WithCause(fmt.Errorf("failed to load schema: %w", err))
	}

	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to decode schema %s v%d: %w", name, version, err)
	}
	return s, nil
}

func (r *RedisRepository) LoadAll(ctx context.Context) ([]Schema, error) {
	var out []Schema

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entries, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load schemas from %s: %w", iter.Val(), err)
		}
		for field, raw := range entries {
			var s Schema
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				r.logger.Warnw("Skipping undecodable schema", "key", iter.Val(), "version", field, "error", err)
				continue
			}
			out = append(out, s)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan schemas: %w", err)
	}

	sortSchemas(out)
	return out, nil
}

// Watch blocks until ctx is done, calling onChange for every announced
// "name:version" message.
func (r *RedisRepository) Watch(ctx context.Context, onChange func(name string, version int)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			idx := strings.LastIndexByte(msg.Payload, ':')
			if idx <= 0 {
				continue
			}
			version, err := strconv.Atoi(msg.Payload[idx+1:])
			if err != nil {
				continue
			}
			onChange(msg.Payload[:idx], version)
		}
	}
}
