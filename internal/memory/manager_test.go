package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/morc/internal/events"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

func TestAllocateWithinBudget(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)

	id, err := m.Allocate(context.Background(), 60, 1, "m-a")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	used, max := m.Usage()
	assert.Equal(t, int64(60), used)
	assert.Equal(t, int64(100), max)
}

func TestAllocateRejectsOversized(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 200, 1, "m-a")
	assert.Equal(t, pkgerrors.KindOutOfMemory, pkgerrors.KindOf(err))
}

func TestAllocateRejectsNonPositive(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 0, 1, "m-a")
	assert.Equal(t, pkgerrors.KindBadRequest, pkgerrors.KindOf(err))
}

func TestFreeReturnsCapacity(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)
	id, err := m.Allocate(context.Background(), 100, 1, "m-a")
	require.NoError(t, err)

	m.Free(id)
	used, _ := m.Usage()
	assert.Zero(t, used)

	_, err = m.Allocate(context.Background(), 100, 1, "m-b")
	assert.NoError(t, err)
}

func TestEvictsLowestPriorityVictim(t *testing.T) {
	var evicted []string
	evictor := func(ctx context.Context, modelID string) error {
		evicted = append(evicted, modelID)
		return nil
	}
	m := NewManager(Config{MaxBytes: 100}, evictor, nil, nil)

	_, err := m.Allocate(context.Background(), 80, 1, "m-big")
	require.NoError(t, err)
	_, err = m.Allocate(context.Background(), 15, 5, "m-small")
	require.NoError(t, err)

	_, err = m.Allocate(context.Background(), 20, 3, "m-new")
	require.NoError(t, err)

	assert.Equal(t, []string{"m-big"}, evicted)
	used, _ := m.Usage()
	assert.Equal(t, int64(35), used)
}

func TestAllocateAtExactMaxEvictsOnNextByte(t *testing.T) {
	var evicted []string
	evictor := func(ctx context.Context, modelID string) error {
		evicted = append(evicted, modelID)
		return nil
	}
	m := NewManager(Config{MaxBytes: 100}, evictor, nil, nil)

	_, err := m.Allocate(context.Background(), 100, 1, "m-a")
	require.NoError(t, err)

	_, err = m.Allocate(context.Background(), 1, 2, "m-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"m-a"}, evicted)
}

func TestNoEvictionOfHigherPriority(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, func(context.Context, string) error { return nil }, nil, nil)

	_, err := m.Allocate(context.Background(), 90, 5, "m-hot")
	require.NoError(t, err)

	_, err = m.Allocate(context.Background(), 50, 1, "m-cold")
	assert.Equal(t, pkgerrors.KindOutOfMemory, pkgerrors.KindOf(err))

	used, _ := m.Usage()
	assert.Equal(t, int64(90), used)
}

func TestAllocateWithoutEvictorFails(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 80, 1, "m-a")
	require.NoError(t, err)

	_, err = m.Allocate(context.Background(), 40, 5, "m-b")
	assert.Equal(t, pkgerrors.KindOutOfMemory, pkgerrors.KindOf(err))
}

func TestEvictionPublishesMemoryPressure(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	m := NewManager(Config{MaxBytes: 100}, func(context.Context, string) error { return nil }, bus, nil)
	_, err := m.Allocate(context.Background(), 80, 1, "m-a")
	require.NoError(t, err)
	_, _ = m.Allocate(context.Background(), 40, 5, "m-b")

	select {
	case ev := <-ch:
		assert.Equal(t, events.MemoryPressure, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no memory pressure event")
	}
}

func TestOptimizeCompressesColdAllocations(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100, CompressionEnabled: true, ColdAfter: time.Nanosecond}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 80, 1, "m-a")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Optimize(context.Background()))

	used, _ := m.Usage()
	assert.Equal(t, int64(40), used)
}

func TestOptimizeSkipsWarmAllocations(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100, CompressionEnabled: true, ColdAfter: time.Hour}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 80, 1, "m-a")
	require.NoError(t, err)

	require.NoError(t, m.Optimize(context.Background()))
	used, _ := m.Usage()
	assert.Equal(t, int64(80), used)
}

func TestOptimizeSwapsAndRestoreReturns(t *testing.T) {
	swapDir := t.TempDir()
	m := NewManager(Config{MaxBytes: 100, SwapPath: swapDir, ColdAfter: time.Nanosecond}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 80, 1, "m-a")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Optimize(context.Background()))

	assert.True(t, m.IsSwapped("m-a"))
	used, _ := m.Usage()
	assert.Zero(t, used)

	require.NoError(t, m.Restore(context.Background(), "m-a"))
	assert.False(t, m.IsSwapped("m-a"))
	used, _ = m.Usage()
	assert.Equal(t, int64(80), used)
}

func TestRestoreEvictsToMakeRoom(t *testing.T) {
	swapDir := t.TempDir()
	var evicted []string
	evictor := func(ctx context.Context, modelID string) error {
		evicted = append(evicted, modelID)
		return nil
	}
	m := NewManager(Config{MaxBytes: 100, SwapPath: swapDir, ColdAfter: time.Nanosecond}, evictor, nil, nil)

	_, err := m.Allocate(context.Background(), 80, 5, "m-hot")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Optimize(context.Background()))
	require.True(t, m.IsSwapped("m-hot"))

	_, err = m.Allocate(context.Background(), 90, 1, "m-filler")
	require.NoError(t, err)

	require.NoError(t, m.Restore(context.Background(), "m-hot"))
	assert.Equal(t, []string{"m-filler"}, evicted)
	used, _ := m.Usage()
	assert.Equal(t, int64(80), used)
}

func TestTouchKeepsAllocationWarm(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100, CompressionEnabled: true, ColdAfter: 50 * time.Millisecond}, nil, nil, nil)
	_, err := m.Allocate(context.Background(), 80, 1, "m-a")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	m.Touch("m-a")
	require.NoError(t, m.Optimize(context.Background()))

	used, _ := m.Usage()
	assert.Equal(t, int64(80), used)
}

func TestFreeByOwnerUnknownIsNoOp(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)
	m.FreeByOwner("never-allocated")
	used, _ := m.Usage()
	assert.Zero(t, used)
}

func TestLoadThenFreeRestoresObservableState(t *testing.T) {
	m := NewManager(Config{MaxBytes: 100}, nil, nil, nil)
	before, _ := m.Usage()
	beforeAllocs := len(m.Allocations())

	id, err := m.Allocate(context.Background(), 42, 1, "m-a")
	require.NoError(t, err)
	m.Free(id)

	after, _ := m.Usage()
	assert.Equal(t, before, after)
	assert.Len(t, m.Allocations(), beforeAllocs)
}
