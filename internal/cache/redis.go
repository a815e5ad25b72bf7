package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisTier is the optional L3 distributed tier. Writes are best-effort
// (a down Redis never fails a Set through the manager); reads are
// authoritative on miss-propagation: only a confirmed absence counts as a
// miss, a transport error is reported so the manager does not backfill a
// stale negative.
type RedisTier struct {
	client     goredis.UniversalClient
	namespace  string
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// RedisTierConfig holds configuration for the L3 tier.
type RedisTierConfig struct {
	Addr         string
	Password     string
	DB           int
	Namespace    string
	DefaultTTL   time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultRedisTierConfig returns sensible defaults.
func DefaultRedisTierConfig() RedisTierConfig {
	return RedisTierConfig{
		Addr:         "localhost:6379",
		Namespace:    "morc",
		DefaultTTL:   time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(cfg RedisTierConfig) (*RedisTier, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisTier{
		client:     client,
		namespace:  cfg.Namespace,
		defaultTTL: cfg.DefaultTTL,
	}, nil
}

func (t *RedisTier) prefixKey(key string) string {
	if t.namespace == "" {
		return key
	}
	return t.namespace + ":" + key
}

// Get fetches key; (nil, nil) only on confirmed absence.
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.client.Get(ctx, t.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			t.misses.Add(1)
			return nil, nil
		}
		t.errs.Add(1)
		return nil, err
	}
	t.hits.Add(1)
	return val, nil
}

// Set stores key with TTL.
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	if err := t.client.Set(ctx, t.prefixKey(key), value, ttl).Err(); err != nil {
		t.errs.Add(1)
		return err
	}
	t.sets.Add(1)
	return nil
}

// Delete removes key.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefixKey(key)).Err(); err != nil {
		t.errs.Add(1)
		return err
	}
	return nil
}

// Close releases the client's connection pool.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

// Stats returns tier counters. Entry and byte totals are not tracked for
// the distributed tier; Redis owns its own accounting.
func (t *RedisTier) Stats() TierStats {
	return TierStats{
		Hits:   t.hits.Load(),
		Misses: t.misses.Load(),
		Sets:   t.sets.Load(),
		Errors: t.errs.Load(),
	}
}
