package daemon

import (
	"context"
	"sync"
)

// fifoSemaphore bounds concurrent builds. Waiters beyond the limit queue
// and acquire strictly in arrival order when slots free up.
type fifoSemaphore struct {
	mu      sync.Mutex
	limit   int
	running int
	waiters []chan struct{}
}

func newFIFOSemaphore(limit int) *fifoSemaphore {
	if limit <= 0 {
		limit = 1
	}
	return &fifoSemaphore{limit: limit}
}

func (s *fifoSemaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.running < s.limit {
		s.running++
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// Drop out of the queue unless the slot was already granted
		granted := true
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				granted = false
				break
			}
		}
		s.mu.Unlock()
		if granted {
			s.release()
		}
		return ctx.Err()
	}
}

func (s *fifoSemaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		head := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(head)
		return
	}
	if s.running > 0 {
		s.running--
	}
}
