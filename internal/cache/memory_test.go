package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryTier(t *testing.T, cfg MemoryTierConfig) *MemoryTier {
	t.Helper()
	tier := NewMemoryTier(cfg)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestMemoryTierSetGet(t *testing.T) {
	tier := newTestMemoryTier(t, DefaultMemoryTierConfig())
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k1", []byte("v1"), time.Minute))

	val, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestMemoryTierMissReturnsNil(t *testing.T) {
	tier := newTestMemoryTier(t, DefaultMemoryTierConfig())
	val, err := tier.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestMemoryTierExpiredEntryIsMiss(t *testing.T) {
	tier := newTestMemoryTier(t, DefaultMemoryTierConfig())
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	val, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, val)
	assert.Zero(t, tier.Len())
}

func TestMemoryTierEntryCountEviction(t *testing.T) {
	cfg := DefaultMemoryTierConfig()
	cfg.MaxEntries = 3
	tier := newTestMemoryTier(t, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, tier.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}

	assert.Equal(t, 3, tier.Len())
	val, _ := tier.Get(ctx, "k0")
	assert.Nil(t, val, "oldest entry should be evicted")
	val, _ = tier.Get(ctx, "k3")
	assert.NotNil(t, val)
}

func TestMemoryTierByteBoundEviction(t *testing.T) {
	cfg := DefaultMemoryTierConfig()
	cfg.MaxBytes = 10
	tier := newTestMemoryTier(t, cfg)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", []byte("12345"), time.Minute))
	require.NoError(t, tier.Set(ctx, "b", []byte("12345"), time.Minute))
	require.NoError(t, tier.Set(ctx, "c", []byte("12345"), time.Minute))

	stats := tier.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(10))
	val, _ := tier.Get(ctx, "a")
	assert.Nil(t, val)
}

func TestMemoryTierLRUPromotionOnGet(t *testing.T) {
	cfg := DefaultMemoryTierConfig()
	cfg.MaxEntries = 2
	tier := newTestMemoryTier(t, cfg)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", []byte("v"), time.Minute))
	require.NoError(t, tier.Set(ctx, "b", []byte("v"), time.Minute))

	_, err := tier.Get(ctx, "a") // promote a over b
	require.NoError(t, err)
	require.NoError(t, tier.Set(ctx, "c", []byte("v"), time.Minute))

	val, _ := tier.Get(ctx, "a")
	assert.NotNil(t, val)
	val, _ = tier.Get(ctx, "b")
	assert.Nil(t, val)
}

func TestMemoryTierOversizedValueSkipped(t *testing.T) {
	cfg := DefaultMemoryTierConfig()
	cfg.MaxBytes = 4
	tier := newTestMemoryTier(t, cfg)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "big", []byte("too large"), time.Minute))
	val, _ := tier.Get(ctx, "big")
	assert.Nil(t, val)
}

func TestMemoryTierGetReturnsCopy(t *testing.T) {
	tier := newTestMemoryTier(t, DefaultMemoryTierConfig())
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k", []byte("abc"), time.Minute))
	val, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	val[0] = 'x'

	again, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryTierDeleteAndFlush(t *testing.T) {
	tier := newTestMemoryTier(t, DefaultMemoryTierConfig())
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k1", []byte("v"), time.Minute))
	require.NoError(t, tier.Set(ctx, "k2", []byte("v"), time.Minute))

	require.NoError(t, tier.Delete(ctx, "k1"))
	assert.Equal(t, 1, tier.Len())

	tier.Flush()
	assert.Zero(t, tier.Len())
	assert.Zero(t, tier.Stats().Bytes)
}

func TestMemoryTierStats(t *testing.T) {
	tier := newTestMemoryTier(t, DefaultMemoryTierConfig())
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k", []byte("v"), time.Minute))
	_, _ = tier.Get(ctx, "k")
	_, _ = tier.Get(ctx, "missing")

	stats := tier.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}
