// Package sweeper periodically reaps IN_FLIGHT commands whose ack
// deadline has passed, transitioning them to ACK_FAIL. Grounded on the
// teacher's coordination.LockJanitor (ticker-driven scan-and-reap) and
// the reference implementation's SchedulerTimeoutSweeper.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/observability"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/store"
)

// Config holds the sweeper's tunables.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper is a cooperative worker: Run blocks until Stop is called or ctx
// is cancelled.
type Sweeper struct {
	repo store.Repository
	cfg  Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires a Sweeper.
func New(repo store.Repository, cfg Config) *Sweeper {
	return &Sweeper{repo: repo, cfg: cfg, stopCh: make(chan struct{})}
}

// Run ticks at cfg.Interval, reaping timed-out commands each pass.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Println("[sweeper] starting")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				log.Printf("[sweeper] pass failed: %v", err)
			}
		}
	}
}

// Stop requests the loop to exit. Idempotent.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sweeper) sweep(ctx context.Context) error {
	reaped, err := s.repo.ClaimTimeouts(ctx, s.cfg.BatchSize, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(reaped) > 0 {
		observability.SweeperTimeouts.Add(float64(len(reaped)))
		// Every reaped command leaves IN_FLIGHT for ACK_FAIL.
		observability.DispatchInflightGauge.Sub(float64(len(reaped)))
		log.Printf("[sweeper] reaped %d timed-out commands", len(reaped))
	}
	return nil
}
