package engine

import (
	"container/list"
	"context"
	"sync"
)

// fifoSemaphore is a counting semaphore that admits waiters in strict
// arrival order. The standard buffered-channel pattern does not guarantee
// wakeup order, so waiters queue explicitly and release hands the permit
// to the oldest waiter directly.
type fifoSemaphore struct {
	mu        sync.Mutex
	available int
	waiters   *list.List // of chan struct{}
}

func newFIFOSemaphore(n int) *fifoSemaphore {
	return &fifoSemaphore{
		available: n,
		waiters:   list.New(),
	}
}

// acquire blocks until a permit is available or ctx is cancelled.
func (s *fifoSemaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.available > 0 && s.waiters.Len() == 0 {
		s.available--
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// Permit was handed over concurrently with cancellation;
			// give it back so it is not lost.
			s.mu.Unlock()
			s.release()
			return ctx.Err()
		default:
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// release returns a permit, handing it to the oldest waiter if any.
func (s *fifoSemaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	s.available++
}

// inUse returns the number of permits currently held.
func (s *fifoSemaphore) inUse(capacity int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return capacity - s.available
}
