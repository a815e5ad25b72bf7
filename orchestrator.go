// Package morc is the model orchestration core: a transport-agnostic
// facade over the router, registry, dispatcher, and resilience layer. The
// Orchestrator is constructed explicitly at the composition root and
// handed to transport adapters by parameter; there are no module-load
// side effects or ambient singletons.
package morc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/morc/internal/cache"
	"github.com/blueberrycongee/morc/internal/config"
	"github.com/blueberrycongee/morc/internal/engine"
	"github.com/blueberrycongee/morc/internal/ensemble"
	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/memory"
	"github.com/blueberrycongee/morc/internal/metrics"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	"github.com/blueberrycongee/morc/internal/pipeline"
	"github.com/blueberrycongee/morc/internal/pool"
	"github.com/blueberrycongee/morc/internal/registry"
	"github.com/blueberrycongee/morc/internal/resilience"
	"github.com/blueberrycongee/morc/internal/router"
	"github.com/blueberrycongee/morc/internal/streaming"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
	loaderpkg "github.com/blueberrycongee/morc/pkg/loader"
)

// LoadSpec describes one model to load.
type LoadSpec struct {
	Source     string
	Format     model.Format // empty means probe registered engines
	ID         string       // generated when empty
	Name       string
	Parameters model.Parameters
	Metadata   model.Metadata
	// Priority is the model's eviction priority; higher survives longer.
	Priority int
}

// Status is the orchestrator's observable state.
type Status struct {
	Ready       bool              `json:"ready"`
	LoadedCount int               `json:"loaded_count"`
	Engines     []string          `json:"engines"`
	MemoryUsed  int64             `json:"memory_used"`
	MemoryMax   int64             `json:"memory_max"`
	Cache       cache.Stats       `json:"cache"`
	Health      []model.Snapshot  `json:"health"`
	Workers     pool.Stats        `json:"workers"`
	Streams     streaming.Stats   `json:"streams"`
}

// Orchestrator is the composition root facade consumed by transport
// adapters.
type Orchestrator struct {
	cfg *config.Config

	logger     *observability.Logger
	errLog     *observability.ErrorLogWriter
	bus        *events.Bus
	collector  *metrics.Collector
	registry   *registry.Registry
	resilience *resilience.Manager
	errors     *resilience.ErrorHandler
	memory     *memory.Manager
	cache      *cache.Manager
	streams    *streaming.Processor
	engines    *engine.Selector
	workers    *pool.ThreadPool
	router     *router.Router
	dispatcher *pipeline.Dispatcher
	ensembles  *ensemble.Ensemble
	healer     *resilience.SelfHealingMonitor
	manifest   *registry.ManifestStore

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	inFlight sync.WaitGroup
	closed   bool
}

// New wires the orchestration core from cfg. Engines must be registered
// with RegisterEngine before models are loaded.
func New(cfg *config.Config) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      logLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.JSONFormat,
	}, redactor)

	var errLog *observability.ErrorLogWriter
	if cfg.Persistence.ErrorLogPath != "" {
		w, err := observability.NewErrorLogWriter(cfg.Persistence.ErrorLogPath, redactor, logger)
		if err != nil {
			return nil, err
		}
		errLog = w
	}

	bus := events.NewBus()
	collector := metrics.NewCollector(bus)
	reg := registry.New(bus, logger)

	res := resilience.NewManager(resilience.ManagerConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OpenOnConsecutiveFailures: cfg.Health.OpenOnConsecutiveFailures,
			OpenOnFailureRate:         cfg.Health.OpenOnFailureRate,
			Cooldown:                  cfg.Health.Cooldown,
		},
		PerModelMaxInFlight: cfg.Concurrency.PerModelMax,
	}, bus)

	errHandler := resilience.NewErrorHandler(resilience.ErrorHandlerConfig{
		RetryBudget: cfg.Routing.RetryBudget,
		Backoff:     cfg.Routing.RetryBackoff,
		MaxBackoff:  cfg.Routing.RetryMaxBackoff,
		Jitter:      cfg.Routing.RetryJitter,
	}, logger, errLog)

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		errLog:     errLog,
		bus:        bus,
		collector:  collector,
		registry:   reg,
		resilience: res,
		errors:     errHandler,
		streams:    streaming.NewProcessor(streaming.DefaultProcessorConfig()),
		engines:    engine.NewSelector(engine.Environment{
			Platform:       cfg.Environment.Platform,
			Runtime:        cfg.Environment.Runtime,
			MaxMemoryBytes: cfg.Environment.MaxMemoryBytes,
		}),
		manifest: registry.NewManifestStore(cfg.Persistence.ManifestPath, logger),
	}
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())

	o.memory = memory.NewManager(memory.Config{
		MaxBytes:           cfg.Memory.MaxBytes,
		SwapPath:           cfg.Memory.SwapPath,
		CompressionEnabled: cfg.Memory.CompressionEnabled,
		GCInterval:         cfg.Memory.GCInterval,
	}, o.evictForMemory, bus, logger)

	cm, err := o.buildCache()
	if err != nil {
		return nil, err
	}
	o.cache = cm

	o.workers = pool.New(pool.Config{
		MinWorkers: cfg.Concurrency.WorkerMin,
		MaxWorkers: cfg.Concurrency.WorkerMax,
		QueueMax:   cfg.Concurrency.TaskQueueMax,
	}, logger)

	o.router = router.New(router.Config{
		DefaultStrategy: router.Strategy(cfg.Routing.Strategy),
		FallbackDepth:   cfg.Routing.FallbackDepth,
		RouteCacheTTL:   cfg.Routing.RouteCacheTTL,
	}, reg, res, bus, logger)

	o.dispatcher = pipeline.New(pipeline.Config{
		ResponseCacheTTL:  cfg.Cache.ResponseTTL,
		GlobalMaxInFlight: cfg.Concurrency.GlobalMaxInFlight,
	}, pipeline.Deps{
		Registry:   reg,
		Router:     o.router,
		Resilience: res,
		Errors:     errHandler,
		Cache:      o.cache,
		Streams:    o.streams,
		Memory:     o.memory,
		Engines:    o.engines,
		Workers:    o.workers,
		Bus:        bus,
		Logger:     logger,
	})

	o.ensembles = ensemble.New(o.dispatcher.Invoke, logger)

	o.healer = resilience.NewSelfHealingMonitor(resilience.SelfHealingConfig{
		CheckInterval:     cfg.Health.CheckInterval,
		OpenOnFailureRate: cfg.Health.OpenOnFailureRate,
		ReloadQuarantined: true,
	}, res, reg, errHandler, bus, logger)
	o.healer.SetMemoryOptimizer(o.memory)
	o.healer.SetRouteCacheClearer(o.router.RouteCache())
	o.healer.SetModelReloader(o.reloadModel)

	return o, nil
}

func (o *Orchestrator) buildCache() (*cache.Manager, error) {
	if !o.cfg.Cache.Enabled {
		return nil, nil
	}
	l1 := cache.NewMemoryTier(cache.MemoryTierConfig{
		MaxEntries: o.cfg.Cache.L1MaxEntries,
		MaxBytes:   o.cfg.Cache.L1MaxBytes,
		DefaultTTL: o.cfg.Cache.ResponseTTL,
	})
	var l2 *cache.DiskTier
	if o.cfg.Cache.L2Path != "" {
		var err error
		l2, err = cache.NewDiskTier(cache.DiskTierConfig{
			Dir:         o.cfg.Cache.L2Path,
			MaxBytes:    o.cfg.Cache.L2MaxBytes,
			Compression: o.cfg.Cache.Compression,
		})
		if err != nil {
			return nil, err
		}
	}
	var l3 cache.Tier
	if o.cfg.Cache.L3Endpoint != "" {
		rcfg := cache.DefaultRedisTierConfig()
		rcfg.Addr = o.cfg.Cache.L3Endpoint
		tier, err := cache.NewRedisTier(rcfg)
		if err != nil {
			// The distributed tier is best-effort; a down endpoint degrades
			// to L1/L2 instead of failing startup.
			o.logger.Warn("l3 cache unavailable, continuing without it", "endpoint", o.cfg.Cache.L3Endpoint, "error", err)
		} else {
			l3 = tier
		}
	}
	return cache.NewManager(cache.ManagerConfig{}, l1, l2, l3, o.bus, o.logger), nil
}

// RegisterEngine adds an engine to the selector. Call before loading
// models that need it.
func (o *Orchestrator) RegisterEngine(e engine.Engine) {
	o.engines.Register(e)
}

// Start launches background services (healer, memory GC) and loads the
// startup manifest.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.healer.Start(o.baseCtx)
	o.memory.Start(o.baseCtx)

	for _, rec := range o.manifest.Load() {
		spec := LoadSpec{
			Source:     rec.Source,
			Format:     rec.Format,
			ID:         rec.ID,
			Parameters: rec.Parameters,
			Metadata:   rec.Metadata,
		}
		if _, err := o.Load(ctx, spec); err != nil {
			o.logger.Warn("manifest model failed to load", "model_id", rec.ID, "error", err)
		}
	}
	return nil
}

// Load registers and loads a model.
func (o *Orchestrator) Load(ctx context.Context, spec LoadSpec) (model.Summary, error) {
	if err := o.ensureOpen(); err != nil {
		return model.Summary{}, err
	}
	if spec.Source == "" {
		return model.Summary{}, pkgerrors.NewBadRequest("", "source: must not be empty")
	}

	format := spec.Format
	md := spec.Metadata
	if format == "" {
		probed, pmd, err := o.probeSource(ctx, spec.Source)
		if err != nil {
			return model.Summary{}, err
		}
		format = probed
		if md.SizeBytes == 0 {
			md.SizeBytes = pmd.SizeBytes
		}
		if md.Architecture == "" {
			md.Architecture = pmd.Architecture
		}
		if len(md.Capabilities) == 0 {
			md.Capabilities = pmd.Capabilities
		}
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := spec.Name
	if name == "" {
		name = id
	}

	eng, err := o.engines.Select(format)
	if err != nil {
		return model.Summary{}, pkgerrors.Wrap(pkgerrors.KindBadRequest, id, "no engine serves format", err)
	}

	m := model.NewModel(id, name, format, spec.Source, md, spec.Parameters)
	if err := o.registry.Register(m); err != nil {
		return model.Summary{}, err
	}

	if md.SizeBytes > 0 {
		priority := spec.Priority
		if priority <= 0 {
			priority = 1
		}
		if _, err := o.memory.Allocate(ctx, md.SizeBytes, priority, id); err != nil {
			_ = o.registry.Unregister(ctx, id, nil)
			return model.Summary{}, err
		}
	}

	loading := model.StatusLoading
	_ = o.registry.Update(id, registry.Patch{Status: &loading})

	handle, err := eng.Loader.Load(ctx, spec.Source, loaderpkg.Options{})
	if err != nil {
		failed := model.StatusFailed
		_ = o.registry.Update(id, registry.Patch{Status: &failed, BumpErrors: true})
		o.memory.FreeByOwner(id)
		return model.Summary{}, o.errors.Classify(err, id)
	}

	m.SetHandle(handle)
	loaded := model.StatusLoaded
	_ = o.registry.Update(id, registry.Patch{Status: &loaded})

	o.saveManifest()
	return m.ToSummary(o.resilience.CircuitState(id)), nil
}

// Unload removes a model entirely.
func (o *Orchestrator) Unload(ctx context.Context, id string) (bool, error) {
	m, ok := o.registry.Get(id)
	if !ok {
		return false, pkgerrors.NewModelUnavailable(id, "model not registered")
	}

	eng, engErr := o.engines.Select(m.Format)
	unloadFn := func(ctx context.Context, h model.Handle) error {
		if engErr != nil || h == nil {
			return nil
		}
		return eng.Loader.Unload(ctx, h)
	}

	if err := o.registry.Unregister(ctx, id, unloadFn); err != nil {
		return false, err
	}
	o.memory.FreeByOwner(id)
	o.resilience.Remove(id)
	o.saveManifest()
	return true, nil
}

// ListFilter narrows ListModels by status and format; an empty field
// matches every model.
type ListFilter struct {
	Status model.Status
	Format model.Format
}

// ListModels returns summaries of registered models matching filter.
func (o *Orchestrator) ListModels(filter *ListFilter) []model.Summary {
	models := o.registry.All()
	out := make([]model.Summary, 0, len(models))
	for _, m := range models {
		if filter != nil {
			if filter.Status != "" && m.Status() != filter.Status {
				continue
			}
			if filter.Format != "" && m.Format != filter.Format {
				continue
			}
		}
		out = append(out, m.ToSummary(o.resilience.CircuitState(m.ID)))
	}
	return out
}

// Invoke runs a request to completion. Requests naming ensemble members
// fan out across them instead of single-model routing.
func (o *Orchestrator) Invoke(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
	if err := o.ensureOpen(); err != nil {
		return nil, err
	}
	o.inFlight.Add(1)
	defer o.inFlight.Done()

	o.ensureRequestID(req)
	if len(req.Ensemble) > 0 {
		return o.runEnsemble(ctx, req.Ensemble, req)
	}
	return o.dispatcher.Invoke(ctx, req)
}

// Stream runs a streaming request.
func (o *Orchestrator) Stream(ctx context.Context, req *model.Request) (*model.TokenStream, error) {
	if err := o.ensureOpen(); err != nil {
		return nil, err
	}
	o.inFlight.Add(1)

	o.ensureRequestID(req)
	req.Streaming = true
	ts, err := o.dispatcher.Stream(ctx, req)
	if err != nil {
		o.inFlight.Done()
		return nil, err
	}

	// The request stays in flight until its stream finishes.
	out := make(chan model.TokenChunk)
	go func() {
		defer o.inFlight.Done()
		defer close(out)
		for chunk := range ts.Chunks {
			out <- chunk
		}
	}()
	return &model.TokenStream{Chunks: out, Cancel: ts.Cancel}, nil
}

// Ensemble combines members' outputs for one request.
func (o *Orchestrator) Ensemble(ctx context.Context, members []model.EnsembleMember, req *model.Request) (*model.InferenceResult, error) {
	if err := o.ensureOpen(); err != nil {
		return nil, err
	}
	o.inFlight.Add(1)
	defer o.inFlight.Done()

	o.ensureRequestID(req)
	return o.runEnsemble(ctx, members, req)
}

func (o *Orchestrator) runEnsemble(ctx context.Context, members []model.EnsembleMember, req *model.Request) (*model.InferenceResult, error) {
	cfg := ensemble.DefaultConfig()
	if req.EnsembleStrategy != "" {
		cfg.Strategy = ensemble.Strategy(req.EnsembleStrategy)
	}
	return o.ensembles.Run(ctx, members, req, cfg)
}

// Status reports the orchestrator's observable state.
func (o *Orchestrator) Status() Status {
	used, max := o.memory.Usage()
	s := Status{
		Ready:       !o.isClosed(),
		LoadedCount: len(o.registry.Loaded()),
		Engines:     o.engines.List(),
		MemoryUsed:  used,
		MemoryMax:   max,
		Health:      o.resilience.Snapshots(),
		Workers:     o.workers.Stats(),
		Streams:     o.streams.Stats(),
	}
	if o.cache != nil {
		s.Cache = o.cache.Stats()
	}
	return s
}

// Signals exposes the supervisor signal channel (Reload, Shutdown,
// ClearCache); the hosting process decides how to honor them.
func (o *Orchestrator) Signals() <-chan resilience.Signal {
	return o.errors.Signals()
}

// ClearCaches drops the route cache and the response cache's memory tier,
// the in-process reaction to a ClearCache supervisor signal.
func (o *Orchestrator) ClearCaches() {
	o.router.RouteCache().Clear()
	if o.cache != nil {
		o.cache.Flush()
	}
}

// Events exposes the bus for additional observers (transport metrics,
// tests).
func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

// Shutdown drains in-flight requests, unloads every model, and flushes
// durable state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.bus.Publish(events.Event{Type: events.ShutdownInitiated, Payload: events.ShutdownInitiatedPayload{}})

	done := make(chan struct{})
	go func() {
		o.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown proceeding with requests still in flight")
	}

	o.healer.Stop()
	o.baseCancel()
	_ = o.workers.Shutdown(ctx)

	for _, m := range o.registry.All() {
		if _, err := o.Unload(ctx, m.ID); err != nil {
			o.logger.Warn("unload during shutdown failed", "model_id", m.ID, "error", err)
		}
	}

	if o.cache != nil {
		_ = o.cache.Close()
	}
	o.memory.Stop()
	if o.errLog != nil {
		_ = o.errLog.Close()
	}

	o.bus.Publish(events.Event{Type: events.ShutdownComplete, Payload: events.ShutdownCompletePayload{}})
	cctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = o.collector.Close(cctx)
	return nil
}

// evictForMemory is the memory manager's evictor: it unloads the victim's
// backend but keeps the registration, dropping the model back to
// Registered so it can be reloaded later.
func (o *Orchestrator) evictForMemory(ctx context.Context, modelID string) error {
	m, ok := o.registry.Get(modelID)
	if !ok {
		return nil
	}
	unloading := model.StatusUnloading
	_ = o.registry.Update(modelID, registry.Patch{Status: &unloading})

	if h := m.Handle(); h != nil {
		if eng, err := o.engines.Select(m.Format); err == nil {
			if err := eng.Loader.Unload(ctx, h); err != nil {
				o.logger.Warn("evicted model unload failed", "model_id", modelID, "error", err)
			}
		}
	}
	m.SetHandle(nil)

	registered := model.StatusRegistered
	_ = o.registry.Update(modelID, registry.Patch{Status: &registered})
	return nil
}

// reloadModel is the healer's reload action for quarantined models.
func (o *Orchestrator) reloadModel(ctx context.Context, modelID string) error {
	m, ok := o.registry.Get(modelID)
	if !ok {
		return pkgerrors.NewModelUnavailable(modelID, "model not registered")
	}
	eng, err := o.engines.Select(m.Format)
	if err != nil {
		return err
	}

	if h := m.Handle(); h != nil {
		_ = eng.Loader.Unload(ctx, h)
		m.SetHandle(nil)
	}

	loading := model.StatusLoading
	_ = o.registry.Update(modelID, registry.Patch{Status: &loading})

	handle, err := eng.Loader.Load(ctx, m.Source, loaderpkg.Options{})
	if err != nil {
		failed := model.StatusFailed
		_ = o.registry.Update(modelID, registry.Patch{Status: &failed, BumpErrors: true})
		return err
	}
	m.SetHandle(handle)
	loaded := model.StatusLoaded
	return o.registry.Update(modelID, registry.Patch{Status: &loaded})
}

func (o *Orchestrator) probeSource(ctx context.Context, source string) (model.Format, loaderpkg.Metadata, error) {
	for _, eng := range o.engines.Engines() {
		md, ok, err := eng.Loader.Probe(ctx, source)
		if err != nil {
			continue
		}
		if ok {
			return md.Format, md, nil
		}
	}
	return "", loaderpkg.Metadata{}, pkgerrors.NewBadRequest("", "format: no registered engine recognizes the source")
}

func (o *Orchestrator) saveManifest() {
	if err := o.manifest.Save(registry.Snapshot(o.registry)); err != nil {
		o.logger.Warn("manifest save failed", "error", err)
	}
}

func (o *Orchestrator) ensureRequestID(req *model.Request) {
	if req.RequestID == "" {
		req.RequestID = observability.GenerateRequestID()
	}
}

func (o *Orchestrator) ensureOpen() error {
	if o.isClosed() {
		return pkgerrors.New(pkgerrors.KindModelUnavailable, "", "orchestrator is shut down").WithRetryable(false)
	}
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
