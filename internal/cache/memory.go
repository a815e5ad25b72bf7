package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryTier is the L1 cache: in-memory, LRU-evicted, bounded by both
// entry count and total byte size.
type MemoryTier struct {
	mu sync.Mutex

	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	bytes   int64

	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type memoryEntry struct {
	key        string
	value      []byte
	expiration time.Time // zero means no expiry
}

// MemoryTierConfig holds configuration for the L1 tier.
type MemoryTierConfig struct {
	MaxEntries      int
	MaxBytes        int64
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultMemoryTierConfig returns sensible defaults.
func DefaultMemoryTierConfig() MemoryTierConfig {
	return MemoryTierConfig{
		MaxEntries:      1000,
		MaxBytes:        64 << 20,
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// NewMemoryTier creates the L1 tier and starts its expiry sweep.
func NewMemoryTier(cfg MemoryTierConfig) *MemoryTier {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	t := &MemoryTier{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		maxEntries:  cfg.MaxEntries,
		maxBytes:    cfg.MaxBytes,
		defaultTTL:  cfg.DefaultTTL,
		stopCleanup: make(chan struct{}),
	}
	t.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go t.cleanupLoop()
	return t
}

func (t *MemoryTier) cleanupLoop() {
	for {
		select {
		case <-t.cleanupTicker.C:
			t.evictExpired()
		case <-t.stopCleanup:
			return
		}
	}
}

func (t *MemoryTier) evictExpired() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, el := range t.entries {
		e := el.Value.(*memoryEntry)
		if !e.expiration.IsZero() && now.After(e.expiration) {
			t.removeLocked(key, el)
		}
	}
}

// Get returns the value for key, promoting it to most recently used. An
// expired entry is removed and reported as a miss.
func (t *MemoryTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	el, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		t.misses.Add(1)
		return nil, nil
	}
	e := el.Value.(*memoryEntry)
	if !e.expiration.IsZero() && time.Now().After(e.expiration) {
		t.removeLocked(key, el)
		t.mu.Unlock()
		t.misses.Add(1)
		return nil, nil
	}
	t.lru.MoveToFront(el)
	out := make([]byte, len(e.value))
	copy(out, e.value)
	t.mu.Unlock()

	t.hits.Add(1)
	return out, nil
}

// Set stores value under key, evicting least-recently-used entries until
// both the entry-count and byte bounds hold. A single value larger than
// the byte bound is skipped rather than thrashing the whole tier.
func (t *MemoryTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if int64(len(value)) > t.maxBytes {
		return nil
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}

	v := make([]byte, len(value))
	copy(v, value)

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[key]; ok {
		t.removeLocked(key, el)
	}

	e := &memoryEntry{key: key, value: v, expiration: time.Now().Add(ttl)}
	el := t.lru.PushFront(e)
	t.entries[key] = el
	t.bytes += int64(len(v))
	t.sets.Add(1)

	for (len(t.entries) > t.maxEntries || t.bytes > t.maxBytes) && t.lru.Len() > 0 {
		oldest := t.lru.Back()
		old := oldest.Value.(*memoryEntry)
		t.removeLocked(old.key, oldest)
	}
	return nil
}

// Delete removes key from the tier.
func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.entries[key]; ok {
		t.removeLocked(key, el)
	}
	return nil
}

func (t *MemoryTier) removeLocked(key string, el *list.Element) {
	e := el.Value.(*memoryEntry)
	t.lru.Remove(el)
	delete(t.entries, key)
	t.bytes -= int64(len(e.value))
}

// Close stops the expiry sweep.
func (t *MemoryTier) Close() error {
	t.stopOnce.Do(func() {
		t.cleanupTicker.Stop()
		close(t.stopCleanup)
	})
	return nil
}

// Flush removes all entries.
func (t *MemoryTier) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*list.Element)
	t.lru = list.New()
	t.bytes = 0
}

// Len returns the number of resident entries.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns tier counters.
func (t *MemoryTier) Stats() TierStats {
	t.mu.Lock()
	entries := int64(len(t.entries))
	bytes := t.bytes
	t.mu.Unlock()
	return TierStats{
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
		Sets:    t.sets.Load(),
		Entries: entries,
		Bytes:   bytes,
	}
}
