package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/blueberrycongee/morc/internal/cache"
	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	"github.com/blueberrycongee/morc/internal/registry"
	"github.com/blueberrycongee/morc/internal/resilience"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// NewNoCandidates is the fatal routing failure: no model satisfies the
// request's requirements.
func NewNoCandidates(msg string) *pkgerrors.OrchestrationError {
	return pkgerrors.New(pkgerrors.KindModelUnavailable, "", msg).WithRetryable(false)
}

// NewAllOpen is the retriable routing failure: candidates exist but every
// circuit is open; callers may retry after the cooldown.
func NewAllOpen(msg string) *pkgerrors.OrchestrationError {
	return pkgerrors.New(pkgerrors.KindModelUnavailable, "", msg)
}

// Router computes RouteDecisions over the registry's Loaded models. Safe
// for concurrent use; per-request state lives on the stack, shared state
// (rng, round-robin cursor, route cache) is locked independently.
type Router struct {
	config     Config
	registry   *registry.Registry
	resilience *resilience.Manager
	routeCache *cache.RouteCache
	bus        *events.Bus
	logger     *observability.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	rrMu     sync.Mutex
	rrCursor uint64

	rankers map[Strategy]ranker
}

// New constructs a Router.
func New(cfg Config, reg *registry.Registry, res *resilience.Manager, bus *events.Bus, logger *observability.Logger) *Router {
	if cfg.FallbackDepth <= 0 {
		cfg.FallbackDepth = 3
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyBalanced
	}
	r := &Router{
		config:     cfg,
		registry:   reg,
		resilience: res,
		routeCache: cache.NewRouteCache(cfg.RouteCacheTTL),
		bus:        bus,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.rankers = map[Strategy]ranker{
		StrategyQualityFirst:  qualityFirst{},
		StrategyCostOptimized: costOptimized{},
		StrategySpeedPriority: speedPriority{},
		StrategyBalanced:      balanced{},
		StrategyRandom:        randomRanker{r: r},
		StrategyRoundRobin:    roundRobin{r: r},
		StrategyLeastLoaded:   leastLoaded{},
	}
	return r
}

// RouteCache exposes the decision cache so the self-healing monitor can
// clear it when the candidate set changes materially.
func (r *Router) RouteCache() *cache.RouteCache {
	return r.routeCache
}

// Select chooses a model for req and computes its fallback list. Explicit
// model requests bypass scoring but still respect circuit state; there is
// no silent fallback from an explicit model.
func (r *Router) Select(ctx context.Context, req *model.Request) (model.RouteDecision, error) {
	if req.ExplicitModelID != "" {
		return r.selectExplicit(req)
	}

	strategy := r.strategyFor(req)
	rk, ok := r.rankers[strategy]
	if !ok {
		return model.RouteDecision{}, pkgerrors.NewBadRequest("", "unknown routing strategy: "+string(strategy))
	}

	csv := r.registry.CandidateSetVersion()
	cacheKey := req.RouteFingerprint(string(strategy), csv)

	if d, ok := r.routeCache.Get(cacheKey); ok {
		if r.verifyCached(d) {
			d.CacheHit = true
			r.publishDecision(req.RequestID, d)
			return d, nil
		}
		r.routeCache.Invalidate(cacheKey)
	}

	cands, err := r.collectCandidates(req)
	if err != nil {
		return model.RouteDecision{}, err
	}

	ranked := rk.Rank(cands)
	primary := ranked[0]

	depth := r.config.FallbackDepth
	fallbacks := make([]string, 0, depth)
	for _, c := range ranked[1:] {
		if len(fallbacks) >= depth {
			break
		}
		fallbacks = append(fallbacks, c.m.ID)
	}

	d := model.RouteDecision{
		ModelID:      primary.m.ID,
		Score:        scoreOf(primary, ranked),
		FallbackList: fallbacks,
		Strategy:     string(strategy),
		ReasoningTag: reasoningTag(strategy),
	}

	r.routeCache.Set(cacheKey, d)
	r.publishDecision(req.RequestID, d)
	return d, nil
}

func (r *Router) selectExplicit(req *model.Request) (model.RouteDecision, error) {
	m, ok := r.registry.Get(req.ExplicitModelID)
	if !ok || m.Status() != model.StatusLoaded {
		return model.RouteDecision{}, pkgerrors.New(pkgerrors.KindModelUnavailable, req.ExplicitModelID,
			"explicit model is not loaded").WithRetryable(false)
	}
	if r.resilience.CircuitState(m.ID) == model.CircuitOpen {
		return model.RouteDecision{}, pkgerrors.New(pkgerrors.KindModelUnavailable, m.ID,
			"explicit model circuit is open").WithRetryable(false)
	}
	d := model.RouteDecision{
		ModelID:      m.ID,
		Strategy:     "explicit",
		ReasoningTag: "explicit model id bypasses scoring",
	}
	r.publishDecision(req.RequestID, d)
	return d, nil
}

// verifyCached re-checks a cached decision against live state: the chosen
// model must still be Loaded with a circuit in {Closed, HalfOpen}.
func (r *Router) verifyCached(d model.RouteDecision) bool {
	m, ok := r.registry.Get(d.ModelID)
	if !ok || m.Status() != model.StatusLoaded {
		return false
	}
	return r.resilience.CircuitState(d.ModelID) != model.CircuitOpen
}

// collectCandidates filters Loaded models by the request's requirements
// and circuit state, computing scoring features for the survivors.
func (r *Router) collectCandidates(req *model.Request) ([]*candidate, error) {
	loaded := r.registry.Loaded()

	eligible := make([]*model.Model, 0, len(loaded))
	for _, m := range loaded {
		if meetsRequirements(m, &req.Requirements) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil, NewNoCandidates("no loaded model meets the request requirements")
	}

	cands := make([]*candidate, 0, len(eligible))
	for _, m := range eligible {
		if r.resilience.CircuitState(m.ID) == model.CircuitOpen {
			continue
		}
		cands = append(cands, r.newCandidate(m, req))
	}
	if len(cands) == 0 {
		return nil, NewAllOpen("all candidate circuits are open")
	}
	return cands, nil
}

func (r *Router) newCandidate(m *model.Model, req *model.Request) *candidate {
	snap := r.resilience.Health(m.ID).Snapshot()
	capacity := r.resilience.Slots(m.ID).Capacity()
	load := float64(m.CurrentLoad())
	if capacity > 0 {
		load /= float64(capacity)
	}

	formatPrefer := 0.0
	for _, f := range req.Requirements.PreferredFormats {
		if m.Format == f {
			formatPrefer = 1
			break
		}
	}

	return &candidate{
		m:      m,
		health: snap,
		features: features{
			quality:      m.Metadata.QualityScore,
			latencyClass: m.Metadata.LatencyClass,
			costPerToken: m.Metadata.CostPerToken,
			currentLoad:  load,
			failureRate:  snap.FailureRate(),
			capability:   1, // required capabilities already filtered
			formatPrefer: formatPrefer,
		},
	}
}

func meetsRequirements(m *model.Model, reqs *model.Requirements) bool {
	for _, excluded := range reqs.ExcludedModelIDs {
		if m.ID == excluded {
			return false
		}
	}
	if reqs.MinQuality > 0 && m.Metadata.QualityScore < reqs.MinQuality {
		return false
	}
	if reqs.MaxLatencyClass > 0 && m.Metadata.LatencyClass > reqs.MaxLatencyClass {
		return false
	}
	if reqs.MaxCostPerToken > 0 && m.Metadata.CostPerToken > reqs.MaxCostPerToken {
		return false
	}
	for _, tag := range reqs.RequiredCapabilities {
		if !m.HasCapability(tag) {
			return false
		}
	}
	return true
}

func (r *Router) strategyFor(req *model.Request) Strategy {
	if req.StrategyOverride != "" {
		return Strategy(req.StrategyOverride)
	}
	return r.config.DefaultStrategy
}

func (r *Router) publishDecision(requestID string, d model.RouteDecision) {
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.RouteDecided, Payload: events.RouteDecidedPayload{
			RequestID: requestID,
			ModelID:   d.ModelID,
			Strategy:  d.Strategy,
			CacheHit:  d.CacheHit,
		}})
	}
	if r.logger != nil {
		r.logger.Debug("route decided",
			"request_id", requestID,
			"model_id", d.ModelID,
			"strategy", d.Strategy,
			"cache_hit", d.CacheHit,
			"fallbacks", len(d.FallbackList),
		)
	}
}

// randShuffle shuffles in a thread-safe manner (math/rand.Rand is not).
func (r *Router) randShuffle(n int, swap func(i, j int)) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng.Shuffle(n, swap)
}

// nextRoundRobin advances the shared cyclic cursor.
func (r *Router) nextRoundRobin() uint64 {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	v := r.rrCursor
	r.rrCursor++
	return v
}

func reasoningTag(s Strategy) string {
	switch s {
	case StrategyQualityFirst:
		return "highest declared quality"
	case StrategyCostOptimized:
		return "lowest cost per token"
	case StrategySpeedPriority:
		return "lowest latency class"
	case StrategyBalanced:
		return "best weighted feature sum"
	case StrategyRandom:
		return "uniform random"
	case StrategyRoundRobin:
		return "next in cyclic order"
	case StrategyLeastLoaded:
		return "fewest active inferences"
	default:
		return string(s)
	}
}
