// Package corrid implements the concurrency primitives the transport and
// endpoint layers build on: an inflight-aware semaphore, a propagatable
// deadline, a first-completed waiter, and the correlation id generator.
// These port rap/common/asyncio_helper.py's Semaphore/Deadline/
// as_first_completed helpers, which the teacher repo has no equivalent for
// (it multiplexes with a bare sync.Map and never tracks inflight count).
package corrid

// Semaphore is a counting semaphore that also exposes how many permits are
// currently checked out, which the endpoint picker needs for its
// eff_score = score * (1 - inflight/capacity) computation (spec §4.6) and
// which invariant 8.3 requires: inflight + free == capacity at all times.
type Semaphore struct {
	tokens chan struct{}
	cap    int
}

// NewSemaphore creates a semaphore with the given capacity (max_inflight,
// default 100 per spec §5).
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	s := &Semaphore{tokens: make(chan struct{}, capacity), cap: capacity}
	for i := 0; i < capacity; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// Acquire blocks until a permit is available.
func (s *Semaphore) Acquire() {
	<-s.tokens
}

// TryAcquire attempts to acquire a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.tokens:
		return true
	default:
		return false
	}
}

// Release returns a permit to the pool.
func (s *Semaphore) Release() {
	select {
	case s.tokens <- struct{}{}:
	default:
		// Releasing more than were ever acquired is a caller bug; drop it
		// rather than panic or deadlock the pool.
	}
}

// Capacity returns the semaphore's total permit count.
func (s *Semaphore) Capacity() int { return s.cap }

// Inflight returns the number of permits currently checked out.
func (s *Semaphore) Inflight() int { return s.cap - len(s.tokens) }
