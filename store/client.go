package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskgate/config"
)

// scanBatch is the COUNT hint for SCAN-based key enumeration.
const scanBatch = 100

// Client wraps two Redis connections: a short-timeout pool for regular
// operations and a dedicated connection with a long read timeout for
// blocking stream reads.
type Client struct {
	rdb      *redis.Client
	blocking *redis.Client
	retry    RetryConfig
	logger   *slog.Logger
}

// NewClient creates a store client from configuration.
func NewClient(cfg config.RedisConfig, res config.ResilienceConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	blockTimeout := time.Duration(cfg.BlockingReadTimeoutSeconds) * time.Second
	blocking := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    2,
		ReadTimeout: blockTimeout,
	})

	return &Client{
		rdb:      rdb,
		blocking: blocking,
		retry:    retryConfigFrom(res),
		logger:   logger,
	}
}

// NewClientFromRedis wraps existing connections. Used by tests with miniredis.
func NewClientFromRedis(rdb, blocking *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if blocking == nil {
		blocking = rdb
	}
	return &Client{rdb: rdb, blocking: blocking, retry: DefaultRetryConfig(), logger: logger}
}

// Close releases both connection pools.
func (c *Client) Close() error {
	err := c.rdb.Close()
	if c.blocking != c.rdb {
		if berr := c.blocking.Close(); err == nil {
			err = berr
		}
	}
	return err
}

// Ping checks store connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return classify(c.rdb.Ping(ctx).Err())
}

// ── Scalar ─────────────────────────────────────────────────────────────

// Get returns the value of a scalar key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// Set writes a scalar key with a TTL. Zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return classify(c.rdb.Set(ctx, key, value, ttl).Err())
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return classify(c.rdb.Del(ctx, keys...).Err())
}

// Exists reports whether the key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// ── Record fields (hash) ───────────────────────────────────────────────

// HGet returns one hash field. ErrNotFound if the field is absent.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", classify(err)
	}
	return v, nil
}

// HSet writes one hash field.
func (c *Client) HSet(ctx context.Context, key, field string, value any) error {
	return classify(c.rdb.HSet(ctx, key, field, value).Err())
}

// HSetMap writes several hash fields in one call.
func (c *Client) HSetMap(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return classify(c.rdb.HSet(ctx, key, fields).Err())
}

// HGetAll returns all fields of a hash. An absent key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return classify(c.rdb.HDel(ctx, key, fields...).Err())
}

// HIncrBy atomically increments an integer hash field and returns the
// new value.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := c.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// ── Sequences (list) ───────────────────────────────────────────────────

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, values ...any) error {
	return classify(c.rdb.LPush(ctx, key, values...).Err())
}

// RPush appends values to a list.
func (c *Client) RPush(ctx context.Context, key string, values ...any) error {
	return classify(c.rdb.RPush(ctx, key, values...).Err())
}

// LRange reads list elements between inclusive indices. Negative indices
// count from the tail.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	return vals, nil
}

// LTrim trims a list to the inclusive index window.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return classify(c.rdb.LTrim(ctx, key, start, stop).Err())
}

// LLen returns the list length.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// LSet overwrites one list element in place.
func (c *Client) LSet(ctx context.Context, key string, index int64, value any) error {
	return classify(c.rdb.LSet(ctx, key, index, value).Err())
}

// ── Key enumeration ────────────────────────────────────────────────────

// Keys returns key names matching the glob pattern via SCAN. O(N) over
// the keyspace; callers use it sparingly for queue enumeration.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, classify(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// ── TTL ────────────────────────────────────────────────────────────────

// Expire sets a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return classify(c.rdb.Expire(ctx, key, ttl).Err())
}

// ExpireMany refreshes the TTL on several keys in one round trip.
func (c *Client) ExpireMany(ctx context.Context, keys []string, ttl time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	return classify(err)
}

// ── Pipelining & scripting ─────────────────────────────────────────────

// Pipeline executes a batch of writes in a single round trip.
func (c *Client) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := c.rdb.Pipelined(ctx, fn)
	return classify(err)
}

// Eval runs a server-side script atomically over the given keys.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// ── Retry ──────────────────────────────────────────────────────────────

// Retry runs fn, retrying transient failures with bounded exponential
// backoff per the configured resilience policy.
func (c *Client) Retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		backoff := c.retry.backoff(attempt)
		c.logger.Debug("Transient store error, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}
