// Package resilience tracks dependency degradation so it can be surfaced
// in logs and health output. It is a single-flag,
// one-way specialization of the teacher's DegradedMode component tracker,
// since this module has exactly one store (idempotency) that can silently
// fall back.
package resilience

import (
	"log"
	"sync"
	"time"
)

// DegradedModeTracker records the one-way transition into degraded mode
// and when it happened.
type DegradedModeTracker struct {
	mu         sync.RWMutex
	degraded   bool
	since      time.Time
}

// NewDegradedModeTracker returns a tracker starting in normal mode.
func NewDegradedModeTracker() *DegradedModeTracker {
	return &DegradedModeTracker{}
}

// MarkDegraded flips the tracker to degraded mode, logging once at the
// transition. Calling it again once already degraded is a no-op.
func (d *DegradedModeTracker) MarkDegraded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.degraded {
		return
	}
	d.degraded = true
	d.since = time.Now()
	log.Printf("⚠️  [resilience] idempotency store degraded to local-memory mode at %s", d.since.Format(time.RFC3339))
}

// IsDegraded reports the current state.
func (d *DegradedModeTracker) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degraded
}

// Since returns when the degraded transition happened; the zero time if
// still in normal mode.
func (d *DegradedModeTracker) Since() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since
}

// StatusLine renders a one-line summary of the current state; the /health
// endpoint returns it while degraded.
func (d *DegradedModeTracker) StatusLine() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.degraded {
		return "idempotency: normal"
	}
	return "idempotency: DEGRADED since " + d.since.Format(time.RFC3339)
}
