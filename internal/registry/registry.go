// Package registry holds the authoritative collection of Models: a keyed
// map plus secondary indexes (by format, by capability, by status), typed
// lifecycle events, and optional manifest persistence.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// ErrAlreadyExists is returned by Register when the id collides with an
// already-registered model.
type ErrAlreadyExists struct{ ID string }

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("registry: model %q already registered", e.ID)
}

// Patch carries the subset of Update-able fields (status, last-used,
// counters). Nil pointer fields are left untouched.
type Patch struct {
	Status      *model.Status
	LastUsed    *time.Time
	BumpErrors  bool
}

// Registry is a keyed collection of Models with consistent secondary
// indexes, a watch channel, and a monotonically increasing candidate-set
// version the Router's route cache uses for invalidation.
type Registry struct {
	mu sync.RWMutex

	byID         map[string]*model.Model
	byFormat     map[model.Format]map[string]struct{}
	byCapability map[string]map[string]struct{}
	byStatus     map[model.Status]map[string]struct{}

	bus     *events.Bus
	logger  *observability.Logger

	candidateSetVersion uint64
}

// New constructs an empty Registry publishing to bus.
func New(bus *events.Bus, logger *observability.Logger) *Registry {
	return &Registry{
		byID:         make(map[string]*model.Model),
		byFormat:     make(map[model.Format]map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
		byStatus:     make(map[model.Status]map[string]struct{}),
		bus:          bus,
		logger:       logger,
	}
}

// Register inserts m, failing with ErrAlreadyExists if its id collides.
// Indexes are updated atomically with the primary map under the registry's
// single writer lock.
func (r *Registry) Register(m *model.Model) error {
	r.mu.Lock()
	if _, exists := r.byID[m.ID]; exists {
		r.mu.Unlock()
		return &ErrAlreadyExists{ID: m.ID}
	}
	r.byID[m.ID] = m
	r.indexInsert(m)
	r.bumpCandidateSetVersionLocked()
	r.mu.Unlock()

	r.publish(events.Event{Type: events.ModelAdded, Payload: events.ModelAddedPayload{ModelID: m.ID, Format: string(m.Format)}})
	return nil
}

// Unregister transitions the model to Unloading, invokes unloadFn (normally
// Loader.Unload) on its handle, then removes it from all indexes. Concurrent
// inference on id must be cancelled by the caller (Dispatcher) with
// ModelUnavailable; the registry itself only owns bookkeeping.
func (r *Registry) Unregister(ctx context.Context, id string, unloadFn func(context.Context, model.Handle) error) error {
	r.mu.Lock()
	m, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return pkgerrors.NewModelUnavailable(id, "model not registered")
	}
	oldStatus := m.Status()
	r.indexRemove(m)
	m.SetStatus(model.StatusUnloading)
	r.indexInsertStatusOnly(m)
	r.mu.Unlock()

	r.publish(events.Event{Type: events.ModelStatusChanged, Payload: events.ModelStatusChangedPayload{ModelID: id, OldState: string(oldStatus), NewState: string(model.StatusUnloading)}})

	if unloadFn != nil {
		if err := unloadFn(ctx, m.Handle()); err != nil {
			if r.logger != nil {
				r.logger.Warn("unload failed", "model_id", id, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.indexRemove(m)
	delete(r.byID, id)
	r.bumpCandidateSetVersionLocked()
	r.mu.Unlock()

	m.SetHandle(nil)
	r.publish(events.Event{Type: events.ModelRemoved, Payload: events.ModelRemovedPayload{ModelID: id}})
	return nil
}

// Get returns the model for id, or false if not registered.
func (r *Registry) Get(id string) (*model.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// All returns a snapshot slice of every registered model.
func (r *Registry) All() []*model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Model, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// ByFormat returns a snapshot of models registered under the given format.
func (r *Registry) ByFormat(tag model.Format) []*model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(r.byFormat[tag])
}

// ByCapability returns a snapshot of models declaring the given capability.
func (r *Registry) ByCapability(tag string) []*model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(r.byCapability[tag])
}

// Loaded returns a snapshot of models currently in the Loaded state.
func (r *Registry) Loaded() []*model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(r.byStatus[model.StatusLoaded])
}

func (r *Registry) resolveLocked(ids map[string]struct{}) []*model.Model {
	out := make([]*model.Model, 0, len(ids))
	for id := range ids {
		if m, ok := r.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Update applies patch to the model registered under id atomically,
// re-indexing by status if it changed.
func (r *Registry) Update(id string, patch Patch) error {
	r.mu.Lock()
	m, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return pkgerrors.NewModelUnavailable(id, "model not registered")
	}

	oldStatus := m.Status()
	if patch.Status != nil && *patch.Status != oldStatus {
		r.removeFromStatusIndexLocked(id, oldStatus)
		m.SetStatus(*patch.Status)
		r.addToStatusIndexLocked(id, *patch.Status)
		r.bumpCandidateSetVersionLocked()
	}
	r.mu.Unlock()

	if patch.LastUsed != nil {
		m.TouchLastUsed(*patch.LastUsed)
	}
	if patch.BumpErrors {
		m.IncrementErrorCount()
	}

	if patch.Status != nil && *patch.Status != oldStatus {
		r.publish(events.Event{Type: events.ModelStatusChanged, Payload: events.ModelStatusChangedPayload{
			ModelID: id, OldState: string(oldStatus), NewState: string(*patch.Status),
		}})
	}
	return nil
}

// CandidateSetVersion returns the current version, bumped whenever an event
// occurs that could change Router decisions (registration, removal, or a
// status transition). The Router's route cache keys on it for invalidation.
func (r *Registry) CandidateSetVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.candidateSetVersion
}

func (r *Registry) bumpCandidateSetVersionLocked() {
	r.candidateSetVersion++
}

func (r *Registry) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// indexInsert adds m to every secondary index. Caller holds the write lock.
func (r *Registry) indexInsert(m *model.Model) {
	r.addToFormatIndexLocked(m.ID, m.Format)
	for _, c := range m.Metadata.Capabilities {
		r.addToCapabilityIndexLocked(m.ID, c)
	}
	r.addToStatusIndexLocked(m.ID, m.Status())
}

// indexInsertStatusOnly re-adds m to the status index after a status-only
// mutation performed outside indexInsert (used by Unregister's first phase).
func (r *Registry) indexInsertStatusOnly(m *model.Model) {
	r.addToStatusIndexLocked(m.ID, m.Status())
}

// indexRemove removes m from every secondary index. Caller holds the write lock.
func (r *Registry) indexRemove(m *model.Model) {
	r.removeFromFormatIndexLocked(m.ID, m.Format)
	for _, c := range m.Metadata.Capabilities {
		r.removeFromCapabilityIndexLocked(m.ID, c)
	}
	r.removeFromStatusIndexLocked(m.ID, m.Status())
}

func (r *Registry) addToFormatIndexLocked(id string, f model.Format) {
	set, ok := r.byFormat[f]
	if !ok {
		set = make(map[string]struct{})
		r.byFormat[f] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) removeFromFormatIndexLocked(id string, f model.Format) {
	if set, ok := r.byFormat[f]; ok {
		delete(set, id)
	}
}

func (r *Registry) addToCapabilityIndexLocked(id, tag string) {
	set, ok := r.byCapability[tag]
	if !ok {
		set = make(map[string]struct{})
		r.byCapability[tag] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) removeFromCapabilityIndexLocked(id, tag string) {
	if set, ok := r.byCapability[tag]; ok {
		delete(set, id)
	}
}

func (r *Registry) addToStatusIndexLocked(id string, s model.Status) {
	set, ok := r.byStatus[s]
	if !ok {
		set = make(map[string]struct{})
		r.byStatus[s] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) removeFromStatusIndexLocked(id string, s model.Status) {
	if set, ok := r.byStatus[s]; ok {
		delete(set, id)
	}
}
