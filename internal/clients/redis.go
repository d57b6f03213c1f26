package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"webcrawler/provisioner/internal/config"
	"webcrawler/provisioner/internal/provisioner"
)

const redisProbeName = "redis"

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock re-taken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// lockStore is the subset of Redis used by RedisLocker. It is implemented by
// the real go-redis client and by test doubles.
type lockStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	PingResult(ctx context.Context) (string, error)
	Close() error
}

type goRedisStore struct {
	client *redis.Client
}

func (r *goRedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *goRedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *goRedisStore) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *goRedisStore) Close() error {
	return r.client.Close()
}

// RedisLocker is a single-key SET NX PX lock that keeps concurrent init
// containers from provisioning the same database at once.
type RedisLocker struct {
	prefix   string
	ttl      time.Duration
	cb       *gobreaker.CircuitBreaker
	store    lockStore
	newToken func() string
}

// NewRedisLocker creates a RedisLocker. go-redis dials lazily, so nothing is
// connected until the first command.
func NewRedisLocker(cfg config.RedisConfig, cb *gobreaker.CircuitBreaker) *RedisLocker {
	return &RedisLocker{
		prefix: cfg.KeyPrefix,
		ttl:    cfg.LockTTL,
		cb:     cb,
		store: &goRedisStore{client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		})},
		newToken: uuid.NewString,
	}
}

// Acquire takes the lock for key. It fails with provisioner.ErrLockHeld when
// another holder has it. The returned release func deletes the lock only if
// this holder still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	full := l.prefix + ":" + key
	token := l.newToken()

	ok, err := l.store.SetNX(ctx, full, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("SET NX %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", full, provisioner.ErrLockHeld)
	}

	release := func(ctx context.Context) error {
		released, err := l.store.CompareAndDelete(ctx, full, token)
		if err != nil {
			return fmt.Errorf("releasing %s: %w", full, err)
		}
		if !released {
			return fmt.Errorf("lock %s expired before release", full)
		}
		return nil
	}
	return release, nil
}

// Probe sends a PING command to Redis and validates the PONG response. The
// call is wrapped in the circuit breaker.
func (l *RedisLocker) Probe(ctx context.Context) provisioner.ProbeResult {
	start := time.Now()

	_, err := l.cb.Execute(func() (any, error) {
		val, err := l.store.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return provisioner.ProbeResult{
			Name:      redisProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return provisioner.ProbeResult{
		Name:      redisProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// Close releases the underlying Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.store.Close()
}
