package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/abuseguard/internal/retry"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisPingRetries = 3

	redisKeyPrefix = "abuseguard:rl:"
)

// fixedWindowScript is the server-side twin of apply(). Keys expire at the
// end of their window, so Redis evicts them without a sweep.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
local reset = tonumber(redis.call('HGET', key, 'reset') or '0')

if attempts == 0 or now >= reset then
  reset = now + window
  redis.call('HSET', key, 'attempts', 1, 'reset', reset)
  redis.call('PEXPIREAT', key, reset)
  return {1, limit - 1, reset}
end

if attempts >= limit then
  return {0, 0, reset}
end

attempts = redis.call('HINCRBY', key, 'attempts', 1)
return {1, limit - attempts, reset}
`)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// RedisStore shares rate-limit state between instances.
type RedisStore struct {
	client redis.UniversalClient

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to Redis and verifies the connection, retrying the
// initial ping with backoff.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultRedisPoolSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultRedisDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	err := retry.Do(ctx, defaultRedisPingRetries, 100*time.Millisecond, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, identifier string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, redisKeyPrefix+identifier).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	attempts, err := strconv.Atoi(vals["attempts"])
	if err != nil {
		return nil, fmt.Errorf("parse attempts %q: %w", vals["attempts"], err)
	}
	resetMS, err := strconv.ParseInt(vals["reset"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset %q: %w", vals["reset"], err)
	}
	return &Record{
		Identifier:    identifier,
		Attempts:      attempts,
		WindowResetAt: time.UnixMilli(resetMS),
	}, nil
}

func (s *RedisStore) Set(ctx context.Context, rec Record) error {
	key := redisKeyPrefix + rec.Identifier
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "attempts", rec.Attempts, "reset", rec.WindowResetAt.UnixMilli())
		p.PExpireAt(ctx, key, rec.WindowResetAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set record: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+identifier).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Sweep is a no-op: every key carries a PEXPIREAT at its window end.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Hit runs the fixed-window script atomically on the server.
func (s *RedisStore) Hit(ctx context.Context, identifier string, maxAttempts int, window time.Duration, now time.Time) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + identifier},
		now.UnixMilli(), window.Milliseconds(), maxAttempts,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("running rate-limit script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate-limit script result: %T", res)
	}

	allowed, err := asInt64(values[0])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing allowed: %w", err)
	}
	remaining, err := asInt64(values[1])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing remaining: %w", err)
	}
	reset, err := asInt64(values[2])
	if err != nil {
		return Decision{}, fmt.Errorf("parsing reset: %w", err)
	}

	return Decision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(reset),
	}, nil
}

// Ping checks connectivity (health checks).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client. Idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
