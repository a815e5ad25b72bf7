// Package memory implements the allocation ledger bounding resident model
// memory. Allocations are declared sizes, not real buffers: the
// loaders own the bytes, the manager owns the accounting and the eviction
// policy that keeps the non-swapped sum under the configured maximum.
package memory

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// compressedRatio is the accounting factor applied to a compressed
// allocation's resident size.
const compressedRatio = 0.5

// Evictor unloads the model owning a victim allocation. The orchestrator
// supplies it; the registry transition back to Registered happens there.
type Evictor func(ctx context.Context, modelID string) error

// Config tunes the memory manager.
type Config struct {
	// MaxBytes bounds the sum of non-swapped allocation sizes.
	MaxBytes int64
	// SwapPath, if set, enables swapping cold allocations to disk.
	SwapPath string
	// CompressionEnabled allows Optimize to compress cold allocations.
	CompressionEnabled bool
	// GCInterval is the period of the background Optimize loop; zero
	// disables the loop.
	GCInterval time.Duration
	// ColdAfter is the idle duration after which an allocation is eligible
	// for compression or swap.
	ColdAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  8 << 30,
		ColdAfter: 5 * time.Minute,
	}
}

type allocation struct {
	model.MemoryAllocation
	lastTouched time.Time
}

// Manager tracks declared allocations under a single ledger lock. Victim
// eviction runs outside the lock after marking, so a slow Loader.Unload
// cannot stall unrelated Allocate calls.
type Manager struct {
	mu          sync.Mutex
	allocations map[string]*allocation
	byOwner     map[string]string // owner model id -> allocation id
	used        int64             // non-swapped, post-compression sum

	config  Config
	evictor Evictor
	bus     *events.Bus
	logger  *observability.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a memory manager. evictor may be nil, in which case
// Allocate fails with OutOfMemory instead of evicting.
func NewManager(cfg Config, evictor Evictor, bus *events.Bus, logger *observability.Logger) *Manager {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.ColdAfter <= 0 {
		cfg.ColdAfter = DefaultConfig().ColdAfter
	}
	return &Manager{
		allocations: make(map[string]*allocation),
		byOwner:     make(map[string]string),
		config:      cfg,
		evictor:     evictor,
		bus:         bus,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Start launches the periodic Optimize loop when GCInterval is configured.
func (m *Manager) Start(ctx context.Context) {
	if m.config.GCInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.config.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if err := m.Optimize(ctx); err != nil && m.logger != nil {
					m.logger.Warn("periodic optimize failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the background loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Allocate reserves size bytes for owner. When the reservation would exceed
// the maximum, the lowest-priority victims are evicted (unloading their
// models) until it fits; if eviction cannot make room the call fails with
// OutOfMemory.
func (m *Manager) Allocate(ctx context.Context, size int64, priority int, owner string) (string, error) {
	if size <= 0 {
		return "", pkgerrors.NewBadRequest(owner, "allocation size must be positive")
	}
	if size > m.config.MaxBytes {
		return "", pkgerrors.NewOutOfMemory(owner, "allocation larger than configured maximum")
	}

	for {
		m.mu.Lock()
		if m.used+size <= m.config.MaxBytes {
			id := uuid.New().String()
			m.allocations[id] = &allocation{
				MemoryAllocation: model.MemoryAllocation{
					ID:         id,
					SizeBytes:  size,
					Priority:   priority,
					OwnerModel: owner,
				},
				lastTouched: time.Now(),
			}
			m.byOwner[owner] = id
			m.used += size
			m.mu.Unlock()
			return id, nil
		}

		victim := m.pickVictimLocked(owner, priority)
		used := m.used
		m.mu.Unlock()

		m.publishPressure(used)

		if victim == "" || m.evictor == nil {
			return "", pkgerrors.NewOutOfMemory(owner, "insufficient memory after eviction")
		}
		if err := m.evictor(ctx, victim); err != nil {
			if m.logger != nil {
				m.logger.Warn("eviction failed", "model_id", victim, "error", err)
			}
			return "", pkgerrors.NewOutOfMemory(owner, "eviction of victim failed")
		}
		m.FreeByOwner(victim)
	}
}

// pickVictimLocked returns the owner of the lowest-priority non-swapped
// allocation, or "" if nothing is evictable. The requester's own model and
// higher-or-equal priority allocations are never chosen over a strictly
// lower-priority one; with no strictly lower candidate, eviction is
// refused so a low-priority load cannot displace hotter models.
func (m *Manager) pickVictimLocked(requester string, requesterPriority int) string {
	candidates := make([]*allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		if a.OwnerModel == requester || a.Swapped {
			continue
		}
		if a.Priority >= requesterPriority {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].lastTouched.Before(candidates[j].lastTouched)
	})
	return candidates[0].OwnerModel
}

// Free releases an allocation by id. Unknown ids are a no-op.
func (m *Manager) Free(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeLocked(id)
}

// FreeByOwner releases the allocation owned by a model, used on unload.
func (m *Manager) FreeByOwner(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byOwner[owner]; ok {
		m.freeLocked(id)
	}
}

func (m *Manager) freeLocked(id string) {
	a, ok := m.allocations[id]
	if !ok {
		return
	}
	if !a.Swapped {
		m.used -= m.residentSize(a)
	}
	delete(m.allocations, id)
	delete(m.byOwner, a.OwnerModel)
	if a.Swapped && m.config.SwapPath != "" {
		_ = os.Remove(m.swapFile(id))
	}
}

// Touch refreshes an owner's allocation recency, called on each inference.
func (m *Manager) Touch(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byOwner[owner]; ok {
		if a, ok := m.allocations[id]; ok {
			a.lastTouched = time.Now()
		}
	}
}

// Usage returns the current non-swapped usage and the configured maximum.
func (m *Manager) Usage() (used, max int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, m.config.MaxBytes
}

// Allocations returns a snapshot of the ledger for Status reporting.
func (m *Manager) Allocations() []model.MemoryAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MemoryAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a.MemoryAllocation)
	}
	return out
}

// Optimize compresses cold allocations and, when a swap path is
// configured, swaps the coldest ones out entirely. Swapped allocations
// leave the resident sum; a later Restore brings them back.
func (m *Manager) Optimize(ctx context.Context) error {
	m.mu.Lock()
	cutoff := time.Now().Add(-m.config.ColdAfter)
	var cold []*allocation
	for _, a := range m.allocations {
		if !a.Swapped && a.lastTouched.Before(cutoff) {
			cold = append(cold, a)
		}
	}
	sort.Slice(cold, func(i, j int) bool { return cold[i].lastTouched.Before(cold[j].lastTouched) })

	for _, a := range cold {
		select {
		case <-ctx.Done():
			m.mu.Unlock()
			return ctx.Err()
		default:
		}
		switch {
		case m.config.SwapPath != "":
			m.used -= m.residentSize(a)
			a.Swapped = true
		case m.config.CompressionEnabled && !a.Compressed:
			m.used -= a.SizeBytes
			a.Compressed = true
			m.used += m.residentSize(a)
		}
	}
	swapped := make([]string, 0, len(cold))
	for _, a := range cold {
		if a.Swapped {
			swapped = append(swapped, a.ID)
		}
	}
	m.mu.Unlock()

	// Swap markers are written outside the ledger lock; the marker is
	// bookkeeping only, the loader still owns the real bytes.
	for _, id := range swapped {
		if err := m.writeSwapMarker(id); err != nil && m.logger != nil {
			m.logger.Warn("swap marker write failed", "allocation_id", id, "error", err)
		}
	}
	return nil
}

// Restore brings a swapped allocation back into the resident sum before an
// inference runs on its owner. The restore is synchronous and may itself
// trigger eviction to make room.
func (m *Manager) Restore(ctx context.Context, owner string) error {
	m.mu.Lock()
	id, ok := m.byOwner[owner]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	a := m.allocations[id]
	if a == nil || !a.Swapped {
		m.mu.Unlock()
		return nil
	}
	need := m.residentSize(a)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.used+need <= m.config.MaxBytes {
			a.Swapped = false
			a.lastTouched = time.Now()
			m.used += need
			m.mu.Unlock()
			if m.config.SwapPath != "" {
				_ = os.Remove(m.swapFile(id))
			}
			return nil
		}
		victim := m.pickVictimLocked(owner, a.Priority)
		m.mu.Unlock()

		if victim == "" || m.evictor == nil {
			return pkgerrors.NewOutOfMemory(owner, "cannot restore swapped allocation")
		}
		if err := m.evictor(ctx, victim); err != nil {
			return pkgerrors.NewOutOfMemory(owner, "eviction during restore failed")
		}
		m.FreeByOwner(victim)
	}
}

// IsSwapped reports whether a model's allocation is currently swapped out.
func (m *Manager) IsSwapped(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byOwner[owner]; ok {
		if a, ok := m.allocations[id]; ok {
			return a.Swapped
		}
	}
	return false
}

func (m *Manager) residentSize(a *allocation) int64 {
	if a.Compressed {
		return int64(float64(a.SizeBytes) * compressedRatio)
	}
	return a.SizeBytes
}

func (m *Manager) swapFile(id string) string {
	return filepath.Join(m.config.SwapPath, id+".swap")
}

func (m *Manager) writeSwapMarker(id string) error {
	if m.config.SwapPath == "" {
		return nil
	}
	if err := os.MkdirAll(m.config.SwapPath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.swapFile(id), []byte(id), 0o644)
}

func (m *Manager) publishPressure(used int64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: events.MemoryPressure, Payload: events.MemoryPressurePayload{
		UsedBytes: used,
		MaxBytes:  m.config.MaxBytes,
	}})
}
