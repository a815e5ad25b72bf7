// Package streaming implements the StreamProcessor: it wraps a
// loader-produced token sequence into a bounded, backpressured stream with
// token batching, cancellation propagation, and a monitor surface. The
// transport adapters consume the resulting TokenStream and convert it to
// their wire form; no wire format lives here.
package streaming

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/morc/internal/model"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// terminalSendGrace bounds how long the bridge waits to deliver the
// terminal chunk to a consumer that stopped reading.
const terminalSendGrace = time.Second

// builderPool reuses batch builders to reduce GC pressure on hot streams.
var builderPool = sync.Pool{
	New: func() any {
		return new(strings.Builder)
	},
}

// ProcessorConfig tunes the stream bridge.
type ProcessorConfig struct {
	// ChunkSize is how many loader tokens are merged into one delivered
	// chunk (1..N; 1 passes tokens through unmerged).
	ChunkSize int
	// HighWaterMark bounds the delivered-but-unread chunk buffer; the
	// producer suspends once the consumer falls this far behind.
	HighWaterMark int
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ChunkSize:     1,
		HighWaterMark: 64,
	}
}

// Stats is the processor's monitor surface.
type Stats struct {
	Tokens  int64 `json:"tokens"`
	Chunks  int64 `json:"chunks"`
	Bytes   int64 `json:"bytes"`
	Errors  int64 `json:"errors"`
	Streams int64 `json:"streams"`
}

// Processor bridges loader token streams to consumers. Safe for concurrent
// use; all per-stream state lives in the bridging goroutine.
type Processor struct {
	config ProcessorConfig

	tokens  atomic.Int64
	chunks  atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
	streams atomic.Int64
}

// NewProcessor creates a stream processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 64
	}
	return &Processor{config: cfg}
}

// Process wraps in, returning the stream handed to the caller. Output
// chunk indices are re-numbered contiguously from 0 since batching changes
// the chunk count; exactly one terminal chunk ends the stream. Cancelling
// the returned stream propagates to the loader's stream within the
// producer's next send or receive.
func (p *Processor) Process(modelID string, in *model.TokenStream) *model.TokenStream {
	out := make(chan model.TokenChunk, p.config.HighWaterMark)
	cancelled := make(chan struct{})
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			close(cancelled)
			if in.Cancel != nil {
				in.Cancel()
			}
		})
	}

	p.streams.Add(1)
	go p.bridge(modelID, in, out, cancelled)

	return &model.TokenStream{Chunks: out, Cancel: cancel}
}

func (p *Processor) bridge(modelID string, in *model.TokenStream, out chan<- model.TokenChunk, cancelled <-chan struct{}) {
	defer close(out)

	batch := builderPool.Get().(*strings.Builder)
	batch.Reset()
	defer builderPool.Put(batch)

	batched := 0
	nextIndex := 0
	var logProb *float64

	flush := func() bool {
		if batched == 0 {
			return true
		}
		chunk := model.TokenChunk{Index: nextIndex, Text: batch.String(), LogProb: logProb}
		batch.Reset()
		batched = 0
		logProb = nil
		if !p.send(out, cancelled, chunk) {
			return false
		}
		nextIndex++
		return true
	}

	// terminate delivers the single terminal chunk. It must not race the
	// cancelled channel (a closed cancelled would make the shared send()
	// drop the terminator), so it blocks on the buffer with a grace
	// timeout instead.
	terminate := func(chunk model.TokenChunk) {
		chunk.Index = nextIndex
		chunk.Terminal = true
		select {
		case out <- chunk:
			p.chunks.Add(1)
		case <-time.After(terminalSendGrace):
		}
	}

	for {
		select {
		case <-cancelled:
			p.errors.Add(1)
			terminate(model.TokenChunk{Err: pkgerrors.NewCancelled(modelID, "stream cancelled")})
			p.drain(in)
			return

		case chunk, ok := <-in.Chunks:
			if !ok {
				// Producer closed without a terminal chunk; treat as an
				// upstream fault so the consumer still sees one terminator.
				flush()
				p.errors.Add(1)
				terminate(model.TokenChunk{Err: pkgerrors.NewInferenceFailure(modelID, "stream ended without terminator")})
				return
			}

			if chunk.Terminal {
				if chunk.Err != nil {
					p.errors.Add(1)
					flush()
					terminate(model.TokenChunk{Err: chunk.Err})
					return
				}
				if !flush() {
					return
				}
				terminate(model.TokenChunk{FinishReason: chunk.FinishReason})
				return
			}

			p.tokens.Add(1)
			p.bytes.Add(int64(len(chunk.Text)))
			batch.WriteString(chunk.Text)
			if chunk.LogProb != nil {
				logProb = chunk.LogProb
			}
			batched++
			if batched >= p.config.ChunkSize {
				if !flush() {
					return
				}
			}
		}
	}
}

// send delivers chunk, suspending until the consumer drains below the
// high-water mark or the stream is cancelled. Reports false when the send
// was abandoned.
func (p *Processor) send(out chan<- model.TokenChunk, cancelled <-chan struct{}, chunk model.TokenChunk) bool {
	select {
	case out <- chunk:
		p.chunks.Add(1)
		return true
	case <-cancelled:
		return false
	}
}

// drain consumes any chunks the producer had in flight so its goroutine
// can observe cancellation and exit.
func (p *Processor) drain(in *model.TokenStream) {
	for range in.Chunks {
	}
}

// Stats returns the monitor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Tokens:  p.tokens.Load(),
		Chunks:  p.chunks.Load(),
		Bytes:   p.bytes.Load(),
		Errors:  p.errors.Load(),
		Streams: p.streams.Load(),
	}
}

// Collect drains a completed stream into a single result text, used by the
// dispatcher when a caller asked for a non-streaming response from a
// loader that only streams. Returns the concatenated text, the finish
// reason, and the terminal error if the stream failed.
func Collect(ts *model.TokenStream) (string, model.FinishReason, error) {
	var sb strings.Builder
	for chunk := range ts.Chunks {
		if chunk.Terminal {
			if chunk.Err != nil {
				return sb.String(), model.FinishError, chunk.Err
			}
			return sb.String(), chunk.FinishReason, nil
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), model.FinishError, pkgerrors.NewInferenceFailure("", "stream ended without terminator")
}
