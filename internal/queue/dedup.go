package queue

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/pkg/circuitbreaker"
	"relay/pkg/models"
)

// Hasher derives a dedup key from selected event fields.
type Hasher struct {
	algorithm string
}

func NewHasher(algorithm string) *Hasher {
	return &Hasher{algorithm: algorithm}
}

// ComputeHash hashes the values at the given field paths in order. Missing
// fields hash as empty so that two events both lacking a field still collide.
// With no fields the event id is the key.
func (h *Hasher) ComputeHash(event models.Event, fields []string) string {
	if len(fields) == 0 {
		fields = []string{"id"}
	}

	var builder strings.Builder
	for _, field := range fields {
		val, ok := event.Field(field)
		if !ok {
			val = ""
		}
		builder.WriteString(fmt.Sprintf("%s=%v|", field, val))
	}

	input := builder.String()
	switch h.algorithm {
	case "md5":
		sum := md5.Sum([]byte(input))
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:])
	}
}

func dedupKey(queue, hash string) string {
	return constants.CacheKeyPrefixDedup + queue + ":" + hash
}

// Deduper remembers which message first claimed a dedup key within a window.
type Deduper interface {
	// Claim returns fresh=true when key was unclaimed and now belongs to
	// messageID. Otherwise existingID names the message holding it.
	Claim(ctx context.Context, key, messageID string, window time.Duration) (existingID string, fresh bool, err error)
	// Release drops the claim if messageID still holds it.
	Release(ctx context.Context, key, messageID string) error
}

type memoryClaim struct {
	messageID string
	expiresAt time.Time
}

type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	clock  Clock
}

func NewMemoryDeduper(clock Clock) *MemoryDeduper {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryDeduper{claims: make(map[string]memoryClaim), clock: clock}
}

func (d *MemoryDeduper) Claim(_ context.Context, key, messageID string, window time.Duration) (string, bool, error) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.claims[key]; ok && c.expiresAt.After(now) {
		return c.messageID, false, nil
	}
	d.claims[key] = memoryClaim{messageID: messageID, expiresAt: now.Add(window)}
	return messageID, true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.claims[key]; ok && c.messageID == messageID {
		delete(d.claims, key)
	}
	return nil
}

// Sweep drops expired claims and returns how many were removed.
func (d *MemoryDeduper) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, c := range d.claims {
		if !c.expiresAt.After(now) {
			delete(d.claims, key)
			removed++
		}
	}
	return removed
}

func (d *MemoryDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claims)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeduper shares dedup claims between relay instances. Keys expire with
// the window, so Redis does the cleanup.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Claim(ctx context.Context, key, messageID string, window time.Duration) (string, bool, error) {
	// Two rounds cover a claim that expires between SETNX and GET.
	for i := 0; i < 2; i++ {
		ok, err := d.client.SetNX(ctx, key, messageID, window).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim dedup key: %w", err)
		}
		if ok {
			return messageID, true, nil
		}

		existing, err := d.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read dedup key: %w", err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("dedup key %s kept expiring while claiming", key)
}

func (d *RedisDeduper) Release(ctx context.Context, key, messageID string) error {
	if err := releaseScript.Run(ctx, d.client, []string{key}, messageID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}

// CircuitBreakerDeduper stops calling a failing dedup store until it
// recovers. Callers see the breaker error like any other store error.
type CircuitBreakerDeduper struct {
	inner Deduper
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerDeduper(inner Deduper, name string, cfg config.CircuitBreakerConfig) Deduper {
	if !cfg.Enabled {
		return inner
	}
	return &CircuitBreakerDeduper{
		inner: inner,
		cb:    circuitbreaker.NewWrapper(circuitbreaker.FromConfig(name, cfg)),
	}
}

type claimResult struct {
	existingID string
	fresh      bool
}

func (d *CircuitBreakerDeduper) Claim(ctx context.Context, key, messageID string, window time.Duration) (string, bool, error) {
	result, err := d.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		existing, fresh, err := d.inner.Claim(ctx, key, messageID, window)
		return claimResult{existingID: existing, fresh: fresh}, err
	})
	if err != nil {
		if d.cb.IsOpen() {
			return "", false, fmt.Errorf("circuit breaker is open for %s: %w", d.cb.Name(), err)
		}
		return "", false, err
	}

	res, ok := result.(claimResult)
	if !ok {
		return "", false, fmt.Errorf("dedup store returned invalid result type")
	}
	return res.existingID, res.fresh, nil
}

func (d *CircuitBreakerDeduper) Release(ctx context.Context, key, messageID string) error {
	return d.cb.Run(ctx, func() error {
		return d.inner.Release(ctx, key, messageID)
	})
}

func (d *CircuitBreakerDeduper) State() string {
	return d.cb.State().String()
}
