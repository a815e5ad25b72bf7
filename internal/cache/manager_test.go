package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/events"
)

func newTestManager(t *testing.T, withL2 bool, l3 Tier, bus *events.Bus) *Manager {
	t.Helper()
	l1 := NewMemoryTier(DefaultMemoryTierConfig())
	var l2 *DiskTier
	if withL2 {
		var err error
		l2, err = NewDiskTier(DiskTierConfig{Dir: t.TempDir()})
		require.NoError(t, err)
	}
	m := NewManager(ManagerConfig{}, l1, l2, l3, bus, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerWriteThroughReadBack(t *testing.T) {
	m := newTestManager(t, true, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.True(t, m.Has(ctx, "k"))
}

func TestManagerL2BackfillsL1(t *testing.T) {
	m := newTestManager(t, true, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	m.l1.Flush()

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	// Second read must come from L1 again.
	before := m.l1.Stats().Hits
	_, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, before+1, m.l1.Stats().Hits)
}

func TestManagerSetThenGetByteIdentical(t *testing.T) {
	l1 := NewMemoryTier(DefaultMemoryTierConfig())
	l2, err := NewDiskTier(DiskTierConfig{Dir: t.TempDir(), Compression: true})
	require.NoError(t, err)
	m := NewManager(ManagerConfig{}, l1, l2, nil, nil, nil)
	defer m.Close()
	ctx := context.Background()

	payload := []byte("result payload with some repetition repetition repetition")
	require.NoError(t, m.Set(ctx, "k", payload, time.Minute))
	m.l1.Flush() // force the compressed disk path

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, payload, val)
}

func TestManagerMissReturnsNil(t *testing.T) {
	m := newTestManager(t, true, nil, nil)
	val, err := m.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestManagerExpiredNeverSurfaces(t *testing.T) {
	m := newTestManager(t, true, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestManagerDeleteRemovesAllTiers(t *testing.T) {
	m := newTestManager(t, true, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Delete(ctx, "k"))

	assert.False(t, m.Has(ctx, "k"))
}

func TestManagerPublishesHitAndMissEvents(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	m := newTestManager(t, false, nil, bus)
	ctx := context.Background()

	_, _ = m.Get(ctx, "k")
	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, _ = m.Get(ctx, "k")

	var sawMiss, sawHit bool
	deadline := time.After(time.Second)
	for !(sawMiss && sawHit) {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.CacheMiss:
				sawMiss = true
			case events.CacheHit:
				payload, ok := ev.Payload.(events.CacheHitPayload)
				require.True(t, ok)
				assert.Equal(t, "l1_memory", payload.Tier)
				sawHit = true
			}
		case <-deadline:
			t.Fatalf("missing events: miss=%v hit=%v", sawMiss, sawHit)
		}
	}
}

func TestManagerWorksWithoutL2(t *testing.T) {
	m := newTestManager(t, false, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestManagerL3AsyncWriteAndMissPropagation(t *testing.T) {
	l3 := newTestRedisTier(t)
	m := newTestManager(t, true, l3, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	// The L3 write is asynchronous.
	require.Eventually(t, func() bool {
		val, err := l3.Get(ctx, "k")
		return err == nil && val != nil
	}, time.Second, 10*time.Millisecond)

	// Drop the upper tiers; the L3 hit must backfill them.
	m.l1.Flush()
	require.NoError(t, m.l2.Delete(ctx, "k"))

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Positive(t, m.l1.Stats().Entries)
}

func TestManagerStatsAggregate(t *testing.T) {
	m := newTestManager(t, true, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, _ = m.Get(ctx, "k")
	_, _ = m.Get(ctx, "missing")

	stats := m.Stats()
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.Equal(t, int64(1), stats.L1.Hits)
}
