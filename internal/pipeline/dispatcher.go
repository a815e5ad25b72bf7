// Package pipeline implements the Dispatcher: the staged
// execution path from a validated request to an InferenceResult or
// TokenStream, including response-cache lookup, single-flight coalescing,
// slot acquisition, loader invocation, and the retry/fallback loop that
// consumes the router's fallback list.
package pipeline

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/blueberrycongee/morc/internal/cache"
	"github.com/blueberrycongee/morc/internal/engine"
	"github.com/blueberrycongee/morc/internal/events"
	"github.com/blueberrycongee/morc/internal/memory"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/observability"
	"github.com/blueberrycongee/morc/internal/pool"
	"github.com/blueberrycongee/morc/internal/registry"
	"github.com/blueberrycongee/morc/internal/resilience"
	"github.com/blueberrycongee/morc/internal/router"
	"github.com/blueberrycongee/morc/internal/streaming"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
	loaderpkg "github.com/blueberrycongee/morc/pkg/loader"
)

// Config tunes the dispatcher.
type Config struct {
	// ResponseCacheTTL is how long deterministic results stay cached.
	ResponseCacheTTL time.Duration
	// DefaultTimeout applies when a request carries no timeout of its own;
	// zero means no default deadline.
	DefaultTimeout time.Duration
	// GlobalMaxInFlight bounds concurrent inferences across all models;
	// zero disables the global gate.
	GlobalMaxInFlight int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ResponseCacheTTL: 10 * time.Minute,
	}
}

// Deps are the dispatcher's collaborators, resolved by id through the
// registry rather than held as owning references. Cache, Memory,
// and Workers are optional.
type Deps struct {
	Registry   *registry.Registry
	Router     *router.Router
	Resilience *resilience.Manager
	Errors     *resilience.ErrorHandler
	Cache      *cache.Manager
	Streams    *streaming.Processor
	Memory     *memory.Manager
	Engines    *engine.Selector
	Workers    *pool.ThreadPool
	Bus        *events.Bus
	Logger     *observability.Logger
}

// Dispatcher executes requests. Safe for concurrent use.
type Dispatcher struct {
	config Config
	deps   Deps

	global *resilience.SlotSemaphore
	sf     singleflight.Group
}

// New constructs a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	d := &Dispatcher{config: cfg, deps: deps}
	if cfg.GlobalMaxInFlight > 0 {
		d.global = resilience.NewSlotSemaphore(cfg.GlobalMaxInFlight)
	}
	return d
}

// Invoke runs a non-streaming request through the full stage order and
// the retry/fallback loop.
func (d *Dispatcher) Invoke(ctx context.Context, req *model.Request) (*model.InferenceResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	ctx, cancel := d.applyTimeout(ctx, req)
	defer cancel()

	input := preprocess(req)

	decision, err := d.deps.Router.Select(ctx, req)
	if err != nil {
		return nil, d.deps.Errors.Classify(err, "")
	}

	candidates := append([]string{decision.ModelID}, decision.FallbackList...)
	explicit := req.ExplicitModelID != ""
	budget := d.deps.Errors.RetryBudget()

	var lastErr *pkgerrors.OrchestrationError
	for i, id := range candidates {
		res, err := d.invokeOn(ctx, req, input, id)
		if err == nil {
			res.FallbackDepth = i
			return res, nil
		}

		oe := d.deps.Errors.Classify(err, id).WithFallbackDepth(i)
		willRetry := d.fallbackEligible(ctx, oe) && !explicit && budget > 0 && i+1 < len(candidates)
		d.deps.Errors.Record(req.RequestID, oe, willRetry)
		d.publishFailed(req.RequestID, oe)
		lastErr = oe

		if !willRetry {
			break
		}
		budget--
		if !sleepCtx(ctx, d.deps.Errors.Backoff(i)) {
			break
		}
	}
	return nil, lastErr
}

// fallbackEligible decides whether the loop advances to the next
// candidate. Retryable kinds advance; OutOfMemory and ModelCorrupt are
// not retriable on the same model but do fall back to alternates, with
// OutOfMemory first triggering a memory Optimize pass.
func (d *Dispatcher) fallbackEligible(ctx context.Context, oe *pkgerrors.OrchestrationError) bool {
	if ctx.Err() != nil {
		return false
	}
	switch oe.Kind {
	case pkgerrors.KindOutOfMemory:
		if d.deps.Memory != nil {
			_ = d.deps.Memory.Optimize(ctx)
		}
		return true
	case pkgerrors.KindModelCorrupt:
		return true
	default:
		return oe.Retryable
	}
}

// invokeOn runs one attempt against one model. Deterministic requests
// coalesce on the request+model fingerprint: at most one builder runs, and
// followers share its result. A follower whose builder was cancelled by
// its owner retries once independently.
func (d *Dispatcher) invokeOn(ctx context.Context, req *model.Request, input, modelID string) (*model.InferenceResult, error) {
	if !req.IsDeterministic() {
		return d.executeOnce(ctx, req, input, modelID)
	}

	fp := req.Fingerprint(modelID)
	ch := d.sf.DoChan(fp, func() (any, error) {
		return d.executeOnce(ctx, req, input, modelID)
	})

	select {
	case <-ctx.Done():
		// This caller is done; the builder keeps running for any others.
		return nil, pkgerrors.NewCancelled(modelID, "request cancelled awaiting coalesced result")
	case r := <-ch:
		if r.Err != nil {
			if r.Shared && pkgerrors.KindOf(r.Err) == pkgerrors.KindCancelled && ctx.Err() == nil {
				// The builder's owner cancelled; this follower is still
				// live, so it retries independently of the dead builder.
				return d.executeOnce(ctx, req, input, modelID)
			}
			return nil, r.Err
		}
		res := *(r.Val.(*model.InferenceResult))
		return &res, nil
	}
}

// executeOnce is stages 3..8 for a single model: cache lookup, slot
// acquisition, inference, postprocess, record.
func (d *Dispatcher) executeOnce(ctx context.Context, req *model.Request, input, modelID string) (*model.InferenceResult, error) {
	m, err := d.loadedModel(modelID)
	if err != nil {
		return nil, err
	}
	if err := checkContextLength(m, input); err != nil {
		return nil, err
	}

	fp := req.Fingerprint(modelID)
	cacheable := d.deps.Cache != nil && req.IsDeterministic()
	if cacheable {
		if data, cerr := d.deps.Cache.Get(ctx, fp); cerr == nil && data != nil {
			var res model.InferenceResult
			if json.Unmarshal(data, &res) == nil {
				res.CacheHit = true
				d.postprocessOn(&res, req, m)
				return &res, nil
			}
		}
	}

	release, err := d.acquireSlots(ctx, modelID)
	if err != nil {
		return nil, err
	}
	defer release()

	if d.deps.Memory != nil {
		// A swapped model restores synchronously; the restore cost lands in
		// this request's latency.
		if rerr := d.deps.Memory.Restore(ctx, modelID); rerr != nil {
			return nil, rerr
		}
		d.deps.Memory.Touch(modelID)
	}

	eng, err := d.deps.Engines.Select(m.Format)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindModelUnavailable, modelID, "no engine serves model format", err)
	}

	d.publishStarted(req.RequestID, modelID)

	opts := d.optionsFrom(req, m, false)
	m.IncLoad()
	start := time.Now()
	lres, lstream, err := eng.Loader.Infer(ctx, m.Handle(), input, opts)
	duration := time.Since(start)
	m.DecLoad()

	if err != nil {
		return nil, d.recordInferError(ctx, err, modelID, duration)
	}

	var result *model.InferenceResult
	if lstream != nil {
		// The loader only streams; collect it into a completed result.
		text, reason, serr := streaming.Collect(lstream)
		duration = time.Since(start)
		if serr != nil {
			return nil, d.recordInferError(ctx, serr, modelID, duration)
		}
		result = &model.InferenceResult{
			Text:         text,
			Tokens:       model.TokenCounts{Prompt: len([]rune(input)), Completion: len([]rune(text))},
			FinishReason: reason,
			ModelUsed:    modelID,
			Duration:     duration,
		}
	} else {
		result = &model.InferenceResult{
			Text:         lres.Text,
			Tokens:       model.TokenCounts{Prompt: lres.PromptTokens, Completion: lres.CompletionTokens},
			FinishReason: lres.FinishReason,
			ModelUsed:    modelID,
			Duration:     duration,
		}
	}

	d.postprocessOn(result, req, m)

	d.deps.Resilience.RecordSuccess(modelID, duration)
	now := time.Now()
	_ = d.deps.Registry.Update(modelID, registry.Patch{LastUsed: &now})
	d.publishCompleted(req.RequestID, modelID, duration, 0)

	if cacheable && !result.CacheHit {
		if data, merr := json.Marshal(result); merr == nil {
			_ = d.deps.Cache.Set(ctx, fp, data, d.config.ResponseCacheTTL)
		}
	}
	return result, nil
}

// postprocessOn runs stage 7, preferring the worker pool for the CPU-bound
// trim/count work and falling back inline when the pool sheds the task.
func (d *Dispatcher) postprocessOn(res *model.InferenceResult, req *model.Request, m *model.Model) {
	if d.deps.Workers == nil {
		postprocess(res, req, m)
		return
	}
	done := make(chan struct{})
	err := d.deps.Workers.Submit(&pool.Task{
		Name:     "postprocess",
		Priority: 5,
		Run: func(context.Context) {
			postprocess(res, req, m)
			close(done)
		},
	})
	if err != nil {
		postprocess(res, req, m)
		return
	}
	<-done
}

// recordInferError classifies a loader failure, updates health where the
// kind reflects model health, and quarantines corrupt models.
func (d *Dispatcher) recordInferError(ctx context.Context, err error, modelID string, latency time.Duration) error {
	oe := d.deps.Errors.Classify(err, modelID)
	switch oe.Kind {
	case pkgerrors.KindTimeout, pkgerrors.KindInferenceFailure:
		d.deps.Resilience.RecordFailure(modelID, string(oe.Kind), latency)
		_ = d.deps.Registry.Update(modelID, registry.Patch{BumpErrors: true})
	case pkgerrors.KindModelCorrupt:
		d.deps.Resilience.RecordFailure(modelID, string(oe.Kind), latency)
		quarantined := model.StatusQuarantined
		_ = d.deps.Registry.Update(modelID, registry.Patch{Status: &quarantined, BumpErrors: true})
		if d.deps.Bus != nil {
			d.deps.Bus.Publish(events.Event{Type: events.HealingAction, Payload: events.HealingActionPayload{
				ModelID: modelID, Action: "quarantine",
			}})
		}
	}
	return oe
}

// loadedModel re-fetches and revalidates a model reference; holders must
// not trust a reference across suspension points.
func (d *Dispatcher) loadedModel(modelID string) (*model.Model, error) {
	m, ok := d.deps.Registry.Get(modelID)
	if !ok {
		return nil, pkgerrors.NewModelUnavailable(modelID, "model not registered")
	}
	if m.Status() != model.StatusLoaded {
		return nil, pkgerrors.NewModelUnavailable(modelID, "model is not loaded")
	}
	return m, nil
}

// acquireSlots takes the global gate then the per-model slot (stage 4). A
// deadline hit while waiting classifies as ResourceBusy, a caller cancel
// as Cancelled.
func (d *Dispatcher) acquireSlots(ctx context.Context, modelID string) (func(), error) {
	if d.global != nil {
		if err := d.global.Acquire(ctx); err != nil {
			return nil, slotError(err, modelID)
		}
	}
	slots := d.deps.Resilience.Slots(modelID)
	if err := slots.Acquire(ctx); err != nil {
		if d.global != nil {
			d.global.Release()
		}
		return nil, slotError(err, modelID)
	}
	return func() {
		slots.Release()
		if d.global != nil {
			d.global.Release()
		}
	}, nil
}

func slotError(err error, modelID string) error {
	if errors.Is(err, context.Canceled) {
		return pkgerrors.NewCancelled(modelID, "request cancelled awaiting slot")
	}
	return pkgerrors.NewResourceBusy(modelID, "no inference slot within request timeout")
}

func (d *Dispatcher) optionsFrom(req *model.Request, m *model.Model, stream bool) loaderpkg.Options {
	c := req.Constraints
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.Params.DefaultMaxTokens
	}
	return loaderpkg.Options{
		MaxTokens:     maxTokens,
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		TopK:          c.TopK,
		StopSequences: c.StopSequences,
		Streaming:     stream,
	}
}

func (d *Dispatcher) applyTimeout(ctx context.Context, req *model.Request) (context.Context, context.CancelFunc) {
	timeout := req.Constraints.Timeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) publishStarted(requestID, modelID string) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(events.Event{Type: events.InferenceStarted, Payload: events.InferenceStartedPayload{
			RequestID: requestID, ModelID: modelID,
		}})
	}
}

func (d *Dispatcher) publishCompleted(requestID, modelID string, duration time.Duration, depth int) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(events.Event{Type: events.InferenceCompleted, Payload: events.InferenceCompletedPayload{
			RequestID: requestID, ModelID: modelID, Duration: duration, FallbackDepth: depth,
		}})
	}
}

func (d *Dispatcher) publishFailed(requestID string, oe *pkgerrors.OrchestrationError) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(events.Event{Type: events.InferenceFailed, Payload: events.InferenceFailedPayload{
			RequestID: requestID, ModelID: oe.ModelID, Kind: string(oe.Kind), Message: oe.Message,
		}})
	}
	if d.deps.Logger != nil {
		d.deps.Logger.Warn("inference attempt failed",
			"request_id", requestID, "model_id", oe.ModelID, "kind", string(oe.Kind))
	}
}
