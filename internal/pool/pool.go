// Package pool implements the bounded worker scheduler for CPU-bound work
//: tokenizer helpers, postprocessing, and other short compute
// tasks. It is orthogonal to the request concurrency model and must never
// be used for I/O waits; a task that would block on I/O belongs on its own
// goroutine.
package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/morc/internal/observability"
	"github.com/blueberrycongee/morc/internal/resilience"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// Task is one unit of CPU-bound work. Higher Priority runs first; a task
// whose Deadline has passed by the time a worker picks it up is dropped
// without running.
type Task struct {
	Name     string
	Priority int
	Deadline time.Time
	Run      func(ctx context.Context)

	seq int64 // FIFO tie-break within a priority class
}

// taskHeap orders by priority desc, then submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Config tunes the worker pool.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueMax    int
	IdleTimeout time.Duration
	// AdmissionRate/AdmissionBurst shed task submissions before they touch
	// the queue; zero rate disables shedding.
	AdmissionRate  float64
	AdmissionBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:  2,
		MaxWorkers:  8,
		QueueMax:    256,
		IdleTimeout: 30 * time.Second,
	}
}

// ThreadPool schedules typed tasks over a bounded worker set. Workers
// scale up to MaxWorkers under load and retire back to MinWorkers after
// IdleTimeout. Queue overflow and admission shedding both fail with
// ResourceBusy.
type ThreadPool struct {
	mu      sync.Mutex
	tasks   taskHeap
	nextSeq int64
	workers int
	stopped bool

	config    Config
	admission *resilience.AdmissionLimiter
	logger    *observability.Logger

	wake chan struct{}
	stop chan struct{}
	grp  *errgroup.Group

	dropped int64 // deadline-expired tasks skipped by workers
	done    int64
}

// New creates and starts a pool with MinWorkers running.
func New(cfg Config, logger *observability.Logger) *ThreadPool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	p := &ThreadPool{
		config:    cfg,
		admission: resilience.NewAdmissionLimiter(cfg.AdmissionRate, cfg.AdmissionBurst),
		logger:    logger,
		wake:      make(chan struct{}, cfg.MaxWorkers),
		stop:      make(chan struct{}),
		grp:       &errgroup.Group{},
	}
	heap.Init(&p.tasks)

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

// Submit enqueues a task. Fails with ResourceBusy when the pool is shut
// down, the admission limiter sheds the submission, or the queue is full.
func (p *ThreadPool) Submit(t *Task) error {
	if t == nil || t.Run == nil {
		return pkgerrors.NewBadRequest("", "task has no body")
	}
	if !p.admission.Allow() {
		return pkgerrors.NewResourceBusy("", "task admission shed")
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return pkgerrors.NewResourceBusy("", "pool is shut down")
	}
	if len(p.tasks) >= p.config.QueueMax {
		p.mu.Unlock()
		return pkgerrors.NewResourceBusy("", "task queue full")
	}
	t.seq = p.nextSeq
	p.nextSeq++
	heap.Push(&p.tasks, t)
	if len(p.tasks) > 0 && p.workers < p.config.MaxWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// spawnLocked starts one worker; caller holds the lock.
func (p *ThreadPool) spawnLocked() {
	p.workers++
	p.grp.Go(p.worker)
}

func (p *ThreadPool) worker() error {
	for {
		t, ok := p.pop()
		if ok {
			p.execute(t)
			continue
		}

		select {
		case <-p.wake:
		case <-p.stop:
			return nil
		case <-time.After(p.config.IdleTimeout):
			if p.tryRetire() {
				return nil
			}
		}
	}
}

func (p *ThreadPool) pop() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return nil, false
	}
	return heap.Pop(&p.tasks).(*Task), true
}

func (p *ThreadPool) execute(t *Task) {
	ctx := context.Background()
	if !t.Deadline.IsZero() {
		if time.Now().After(t.Deadline) {
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			if p.logger != nil {
				p.logger.Debug("task dropped past deadline", "task", t.Name)
			}
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}
	t.Run(ctx)
	p.mu.Lock()
	p.done++
	p.mu.Unlock()
}

// tryRetire lets an idle worker exit while staying at or above MinWorkers.
func (p *ThreadPool) tryRetire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers > p.config.MinWorkers {
		p.workers--
		return true
	}
	return false
}

// Shutdown stops accepting tasks, lets queued tasks finish, and waits for
// every worker to exit or ctx to expire.
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	// Let workers drain the queue, then release the idle ones.
	drained := make(chan struct{})
	go func() {
		for {
			p.mu.Lock()
			empty := len(p.tasks) == 0
			p.mu.Unlock()
			if empty {
				close(p.stop)
				close(drained)
				return
			}
			select {
			case <-ctx.Done():
				close(p.stop)
				close(drained)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	<-drained

	waitErr := make(chan error, 1)
	go func() { waitErr <- p.grp.Wait() }()
	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is the pool's monitor surface.
type Stats struct {
	Workers int   `json:"workers"`
	Queued  int   `json:"queued"`
	Done    int64 `json:"done"`
	Dropped int64 `json:"dropped"`
}

// Stats returns current worker and queue occupancy.
func (p *ThreadPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers: p.workers,
		Queued:  len(p.tasks),
		Done:    p.done,
		Dropped: p.dropped,
	}
}
