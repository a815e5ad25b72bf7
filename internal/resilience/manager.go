package resilience

import (
	"sync"
	"time"

	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
)

// Manager owns the per-model resilience state: one HealthRecord, one
// CircuitBreaker, and one SlotSemaphore per registered model, created
// lazily and discarded when the model is removed. Mutation of one model's
// state never contends with another's.
type Manager struct {
	mu       sync.RWMutex
	health   map[string]*model.HealthRecord
	breakers map[string]*CircuitBreaker
	slots    map[string]*SlotSemaphore
	cbConfig CircuitBreakerConfig
	perModel int
	bus      *events.Bus
}

// ManagerConfig contains configuration for the resilience manager.
type ManagerConfig struct {
	CircuitBreaker CircuitBreakerConfig
	// PerModelMaxInFlight caps concurrent inferences per model.
	PerModelMaxInFlight int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
		PerModelMaxInFlight: 4,
	}
}

// NewManager creates a resilience manager publishing circuit transitions
// to bus.
func NewManager(cfg ManagerConfig, bus *events.Bus) *Manager {
	if cfg.PerModelMaxInFlight <= 0 {
		cfg.PerModelMaxInFlight = 4
	}
	return &Manager{
		health:   make(map[string]*model.HealthRecord),
		breakers: make(map[string]*CircuitBreaker),
		slots:    make(map[string]*SlotSemaphore),
		cbConfig: cfg.CircuitBreaker,
		perModel: cfg.PerModelMaxInFlight,
		bus:      bus,
	}
}

// Health returns (creating if needed) the health record for modelID.
func (m *Manager) Health(modelID string) *model.HealthRecord {
	m.mu.RLock()
	h, ok := m.health[modelID]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.health[modelID]; ok {
		return h
	}
	h = model.NewHealthRecord(modelID)
	m.health[modelID] = h
	return h
}

// Breaker returns (creating if needed) the circuit breaker for modelID.
func (m *Manager) Breaker(modelID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[modelID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[modelID]; ok {
		return cb
	}
	cb = NewCircuitBreaker(modelID, m.cbConfig)
	cb.OnStateChange(m.onCircuitTransition)
	m.breakers[modelID] = cb
	return cb
}

// Slots returns (creating if needed) the slot semaphore for modelID.
func (m *Manager) Slots(modelID string) *SlotSemaphore {
	m.mu.RLock()
	s, ok := m.slots[modelID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[modelID]; ok {
		return s
	}
	s = NewSlotSemaphore(m.perModel)
	m.slots[modelID] = s
	return s
}

// SetSlotCapacity installs a custom-capacity semaphore for a model, used
// when the registry knows a model's declared concurrency differs from the
// global default.
func (m *Manager) SetSlotCapacity(modelID string, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[modelID] = NewSlotSemaphore(capacity)
}

// RecordSuccess updates the health record and breaker after a successful
// inference.
func (m *Manager) RecordSuccess(modelID string, latency time.Duration) {
	m.Health(modelID).RecordSuccess(latency)
	m.Breaker(modelID).RecordSuccess()
}

// RecordFailure updates the health record and breaker after a failed
// inference. errClass is the error kind string for diagnostics.
func (m *Manager) RecordFailure(modelID, errClass string, latency time.Duration) {
	m.Health(modelID).RecordFailure(errClass, latency)
	m.Breaker(modelID).RecordFailure()
}

// CircuitState returns the breaker state for modelID, Closed if the model
// has never been observed.
func (m *Manager) CircuitState(modelID string) model.CircuitState {
	m.mu.RLock()
	cb, ok := m.breakers[modelID]
	m.mu.RUnlock()
	if !ok {
		return model.CircuitClosed
	}
	return cb.State()
}

// Remove discards all resilience state for a model, called when the
// registry unregisters it.
func (m *Manager) Remove(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, modelID)
	delete(m.breakers, modelID)
	delete(m.slots, modelID)
}

// Snapshots returns a point-in-time health snapshot per tracked model.
func (m *Manager) Snapshots() []model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Snapshot, 0, len(m.health))
	for id, h := range m.health {
		snap := h.Snapshot()
		if cb, ok := m.breakers[id]; ok {
			snap.Circuit = cb.State()
		}
		out = append(out, snap)
	}
	return out
}

// onCircuitTransition mirrors breaker state into the health record and
// publishes CircuitOpened/CircuitClosed events.
func (m *Manager) onCircuitTransition(modelID string, from, to model.CircuitState) {
	m.Health(modelID).SetCircuit(to)

	if m.bus == nil {
		return
	}
	switch to {
	case model.CircuitOpen:
		m.bus.Publish(events.Event{Type: events.CircuitOpened, Payload: events.CircuitOpenedPayload{ModelID: modelID}})
	case model.CircuitClosed:
		m.bus.Publish(events.Event{Type: events.CircuitClosed, Payload: events.CircuitClosedPayload{ModelID: modelID}})
	}
}
