package quota

import "sync"

// ConcurrencyCounter tracks in-flight requests per user. It is process-local
// and reset on restart; each increment is matched by a decrement within one
// request's lifetime, so staleness is bounded by the in-flight set.
type ConcurrencyCounter struct {
	mu       sync.Mutex
	inflight map[string]int
}

// NewConcurrencyCounter returns an empty counter.
func NewConcurrencyCounter() *ConcurrencyCounter {
	return &ConcurrencyCounter{inflight: make(map[string]int)}
}

// TryAcquire increments userID's counter unless it is already at limit.
// The comparison and increment happen under one lock acquisition, so the
// counter never exceeds limit at the moment TryAcquire returns true.
func (c *ConcurrencyCounter) TryAcquire(userID string, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[userID] >= limit {
		return false
	}
	c.inflight[userID]++
	return true
}

// Release decrements userID's counter with a floor of zero, tolerating
// double-release on edge paths. Zeroed entries are removed so the map does
// not grow with the user population.
func (c *ConcurrencyCounter) Release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.inflight[userID]; n > 1 {
		c.inflight[userID] = n - 1
	} else {
		delete(c.inflight, userID)
	}
}

// InFlight returns userID's current in-flight count.
func (c *ConcurrencyCounter) InFlight(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[userID]
}
