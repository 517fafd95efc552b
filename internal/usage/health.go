package usage

import (
	"sync"
	"time"
)

// SourceHealthStatus classifies the event source's recent query behavior.
type SourceHealthStatus string

const (
	StatusHealthy SourceHealthStatus = "healthy"
	StatusFailed  SourceHealthStatus = "failed"
)

// SourceHealth tracks consecutive query failure counts for the event
// source. The coalescer records outcomes from its processing cycle while
// the HTTP surface reads snapshots from its own goroutines, so fields are
// protected by mu.
type SourceHealth struct {
	mu                sync.Mutex
	threshold         int
	failures          int
	lastErr           string
	lastFail          time.Time
	lastEmittedStatus SourceHealthStatus
}

// NewSourceHealth creates a tracker that reports StatusFailed after
// threshold consecutive query failures. A threshold of zero or less
// defaults to 3.
func NewSourceHealth(threshold int) *SourceHealth {
	if threshold <= 0 {
		threshold = 3
	}
	return &SourceHealth{
		threshold:         threshold,
		lastEmittedStatus: StatusHealthy,
	}
}

func (h *SourceHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
}

func (h *SourceHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

func (h *SourceHealth) statusLocked() SourceHealthStatus {
	if h.failures >= h.threshold {
		return StatusFailed
	}
	return StatusHealthy
}

// Snapshot returns a consistent copy of the health fields under the lock.
func (h *SourceHealth) Snapshot() (status SourceHealthStatus, failures int, lastErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(), h.failures, h.lastErr
}

// snapshotAndEmit returns the current status and whether it changed since
// the last emission, updating the emission bookkeeping when it did. The
// coalescer uses this to log and broadcast only status transitions.
func (h *SourceHealth) snapshotAndEmit() (status SourceHealthStatus, failures int, lastErr string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked()
	failures = h.failures
	lastErr = h.lastErr
	if status != h.lastEmittedStatus {
		h.lastEmittedStatus = status
		changed = true
	}
	return
}
