// Package cache implements the multi-tier response cache: an
// in-memory L1 with LRU eviction, an on-disk L2 with durable headers and
// optional compression, and an optional distributed L3 backed by Redis.
// Reads walk L1 -> L2 -> L3 with backfill; writes go through L1 and L2
// synchronously and L3 asynchronously.
package cache

import (
	"context"
	"time"
)

// Tier is the contract every cache tier satisfies. Get returns (nil, nil)
// on a miss; an expired entry is a miss regardless of whether the tier's
// eviction has caught up with it.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
	Stats() TierStats
}

// TierStats holds per-tier counters for monitoring.
type TierStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Errors  int64 `json:"errors"`
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Stats aggregates tier statistics for Status reporting.
type Stats struct {
	L1      TierStats `json:"l1"`
	L2      TierStats `json:"l2"`
	L3      TierStats `json:"l3"`
	HitRate float64   `json:"hit_rate"`
}
