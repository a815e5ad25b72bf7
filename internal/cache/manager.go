package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
)

// Manager coordinates the cache tiers. Read order L1 -> L2 -> L3 with
// backfill into the faster tiers on a lower-tier hit; write order is
// write-through to L1 and L2, asynchronous best-effort to L3.
type Manager struct {
	l1 *MemoryTier
	l2 *DiskTier
	l3 Tier // optional distributed tier; nil when not configured

	l1TTL time.Duration

	bus    *events.Bus
	logger *observability.Logger

	hits   atomic.Int64
	misses atomic.Int64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// ManagerConfig holds configuration for the cache manager.
type ManagerConfig struct {
	// L1TTL bounds how long a backfilled or written entry stays in memory
	// regardless of the entry's own TTL.
	L1TTL time.Duration
}

// NewManager wires the tiers. l2 and l3 may be nil; a nil l2 degrades the
// manager to memory-only, a nil l3 simply skips the distributed tier.
func NewManager(cfg ManagerConfig, l1 *MemoryTier, l2 *DiskTier, l3 Tier, bus *events.Bus, logger *observability.Logger) *Manager {
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 5 * time.Minute
	}
	return &Manager{
		l1:     l1,
		l2:     l2,
		l3:     l3,
		l1TTL:  cfg.L1TTL,
		bus:    bus,
		logger: logger,
	}
}

// Get walks the tiers for key. A hit in a lower tier backfills the tiers
// above it. Returns (nil, nil) on a full miss; expired entries never
// surface regardless of tier eviction lag.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := m.l1.Get(ctx, key); err == nil && val != nil {
		m.hit(key, model.TierL1)
		return val, nil
	}

	if m.l2 != nil {
		val, err := m.l2.Get(ctx, key)
		if err == nil && val != nil {
			m.hit(key, model.TierL2)
			_ = m.l1.Set(ctx, key, val, m.l1TTL)
			return val, nil
		}
	}

	if m.l3 != nil {
		val, err := m.l3.Get(ctx, key)
		if err != nil {
			// Transport failure is not an authoritative miss; log and treat
			// as absent without poisoning upper tiers.
			if m.logger != nil {
				m.logger.Warn("l3 read failed", "error", err)
			}
		} else if val != nil {
			m.hit(key, model.TierL3)
			_ = m.l1.Set(ctx, key, val, m.l1TTL)
			if m.l2 != nil {
				_ = m.l2.Set(ctx, key, val, m.l1TTL)
			}
			return val, nil
		}
	}

	m.misses.Add(1)
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.CacheMiss, Payload: events.CacheMissPayload{Fingerprint: key}})
	}
	return nil, nil
}

// Set writes through to L1 and L2 synchronously; the L3 write happens on
// its own goroutine and a failure there is logged, never surfaced.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.l1.Set(ctx, key, value, minDuration(ttl, m.l1TTL)); err != nil {
		return err
	}
	if m.l2 != nil {
		if err := m.l2.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	if m.l3 != nil && !m.closed.Load() {
		v := make([]byte, len(value))
		copy(v, value)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.l3.Set(wctx, key, v, ttl); err != nil && m.logger != nil {
				m.logger.Warn("l3 write failed", "error", err)
			}
		}()
	}
	return nil
}

// Has reports whether key resolves in any tier. It performs a full Get,
// so a lower-tier hit backfills the upper tiers and counts as a hit.
func (m *Manager) Has(ctx context.Context, key string) bool {
	val, err := m.Get(ctx, key)
	return err == nil && val != nil
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) error {
	_ = m.l1.Delete(ctx, key)
	if m.l2 != nil {
		_ = m.l2.Delete(ctx, key)
	}
	if m.l3 != nil {
		return m.l3.Delete(ctx, key)
	}
	return nil
}

// Flush clears L1. The disk tier is kept so a restart finds warm entries;
// callers that need a cold disk use the tier's Flush directly.
func (m *Manager) Flush() {
	m.l1.Flush()
}

// Close drains in-flight L3 writes and closes every tier.
func (m *Manager) Close() error {
	m.closed.Store(true)
	m.wg.Wait()
	_ = m.l1.Close()
	if m.l2 != nil {
		_ = m.l2.Close()
	}
	if m.l3 != nil {
		return m.l3.Close()
	}
	return nil
}

// Stats aggregates the tier counters.
func (m *Manager) Stats() Stats {
	s := Stats{L1: m.l1.Stats()}
	if m.l2 != nil {
		s.L2 = m.l2.Stats()
	}
	if m.l3 != nil {
		s.L3 = m.l3.Stats()
	}
	hits := m.hits.Load()
	total := hits + m.misses.Load()
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (m *Manager) hit(key string, tier model.CacheTier) {
	m.hits.Add(1)
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.CacheHit, Payload: events.CacheHitPayload{Fingerprint: key, Tier: string(tier)}})
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}
