package pipeline

import (
	"context"
	"time"

	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/registry"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// Stream runs a streaming request. Fallback applies only until a stream is
// established: once tokens may have been delivered, a mid-stream failure
// terminates the stream with an error chunk instead of silently replaying
// from another model (a consumer cannot un-see a prefix).
func (d *Dispatcher) Stream(ctx context.Context, req *model.Request) (*model.TokenStream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	ctx, cancel := d.applyTimeout(ctx, req)

	input := preprocess(req)

	decision, err := d.deps.Router.Select(ctx, req)
	if err != nil {
		cancel()
		return nil, d.deps.Errors.Classify(err, "")
	}

	candidates := append([]string{decision.ModelID}, decision.FallbackList...)
	explicit := req.ExplicitModelID != ""
	budget := d.deps.Errors.RetryBudget()

	var lastErr *pkgerrors.OrchestrationError
	for i, id := range candidates {
		ts, err := d.streamOn(ctx, req, input, id)
		if err == nil {
			return d.recordStream(cancel, req.RequestID, id, ts), nil
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
	cancel()
	return nil, lastErr
}

// streamOn establishes one model's token stream: revalidate, slots, infer
// with streaming options, wrap in the StreamProcessor. The returned
// stream owns the acquired slot via streamState.
func (d *Dispatcher) streamOn(ctx context.Context, req *model.Request, input, modelID string) (*streamState, error) {
	m, err := d.loadedModel(modelID)
	if err != nil {
		return nil, err
	}
	if err := checkContextLength(m, input); err != nil {
		return nil, err
	}

	release, err := d.acquireSlots(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if d.deps.Memory != nil {
		if rerr := d.deps.Memory.Restore(ctx, modelID); rerr != nil {
			release()
			return nil, rerr
		}
		d.deps.Memory.Touch(modelID)
	}

	eng, err := d.deps.Engines.Select(m.Format)
	if err != nil {
		release()
		return nil, pkgerrors.Wrap(pkgerrors.KindModelUnavailable, modelID, "no engine serves model format", err)
	}

	d.publishStarted(req.RequestID, modelID)

	opts := d.optionsFrom(req, m, true)
	m.IncLoad()
	start := time.Now()
	lres, lstream, err := eng.Loader.Infer(ctx, m.Handle(), input, opts)
	if err != nil {
		m.DecLoad()
		release()
		return nil, d.recordInferError(ctx, err, modelID, time.Since(start))
	}

	if lstream == nil {
		// The loader completed synchronously; adapt the result into a
		// single-chunk stream so the caller sees one contract.
		ch := make(chan model.TokenChunk, 2)
		ch <- model.TokenChunk{Index: 0, Text: lres.Text}
		ch <- model.TokenChunk{Index: 1, Terminal: true, FinishReason: lres.FinishReason}
		close(ch)
		lstream = &model.TokenStream{Chunks: ch, Cancel: func() {}}
	}

	processed := d.deps.Streams.Process(modelID, lstream)
	return &streamState{
		stream:  processed,
		model:   m,
		start:   start,
		release: release,
	}, nil
}

type streamState struct {
	stream  *model.TokenStream
	model   *model.Model
	start   time.Time
	release func()
}

// recordStream wraps an established stream with the record stage: when the
// terminal chunk passes through, health, last-used, load count, the slot,
// and the request's timeout context are all settled within a bounded
// grace, whether the stream ended in success, error, or cancellation.
func (d *Dispatcher) recordStream(cancelReq context.CancelFunc, requestID string, modelID string, st *streamState) *model.TokenStream {
	out := make(chan model.TokenChunk, 16)

	go func() {
		defer close(out)
		defer cancelReq()
		defer st.release()
		defer st.model.DecLoad()

		for chunk := range st.stream.Chunks {
			if chunk.Terminal {
				duration := time.Since(st.start)
				if chunk.Err != nil {
					oe := d.deps.Errors.Classify(chunk.Err, modelID)
					if oe.Kind != pkgerrors.KindCancelled {
						d.deps.Resilience.RecordFailure(modelID, string(oe.Kind), duration)
					}
					d.publishFailed(requestID, oe)
				} else {
					d.deps.Resilience.RecordSuccess(modelID, duration)
					now := time.Now()
					_ = d.deps.Registry.Update(modelID, registry.Patch{LastUsed: &now})
					d.publishCompleted(requestID, modelID, duration, 0)
				}
			}
			select {
			case out <- chunk:
			case <-time.After(terminalForwardGrace):
				// Consumer stopped reading; drop the rest so the slot and
				// load count are still released promptly.
				if st.stream.Cancel != nil {
					st.stream.Cancel()
				}
				for range st.stream.Chunks {
				}
				return
			}
		}
	}()

	return &model.TokenStream{Chunks: out, Cancel: st.stream.Cancel}
}

// terminalForwardGrace bounds how long the record stage waits on a
// consumer that stopped draining before it abandons the stream.
const terminalForwardGrace = 5 * time.Second
