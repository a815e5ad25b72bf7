package resilience

import (
	"context"
	"sync"
)

// SlotSemaphore is a counting semaphore bounding concurrent inferences on a
// single model. A slot must be acquired before stage 5 of the pipeline runs
// and released when the inference (or its stream) finishes.
type SlotSemaphore struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}
}

// NewSlotSemaphore creates a semaphore with the given capacity. A capacity
// below one is clamped to one so a model can always serve sequentially.
func NewSlotSemaphore(capacity int) *SlotSemaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &SlotSemaphore{capacity: capacity}
}

// TryAcquire attempts to take a slot without blocking.
func (s *SlotSemaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

// Acquire takes a slot, blocking until one frees up or ctx is done. The
// caller bounds the wait with the request's remaining deadline; an expired
// context surfaces as ResourceBusy at the pipeline layer.
func (s *SlotSemaphore) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}

	s.mu.Lock()
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// The slot was handed to us concurrently with cancellation; give it
		// back so capacity is not leaked.
		s.Release()
		return ctx.Err()
	}
}

// Release returns a slot. If a waiter is queued the slot transfers to it
// directly instead of decrementing the count.
func (s *SlotSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current <= 0 {
		return
	}
	if len(s.waiters) > 0 {
		waiter := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(waiter)
		return
	}
	s.current--
}

// InUse returns the number of held slots.
func (s *SlotSemaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Capacity returns the slot capacity.
func (s *SlotSemaphore) Capacity() int {
	return s.capacity
}

// Available returns the number of free slots.
func (s *SlotSemaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - s.current
}
