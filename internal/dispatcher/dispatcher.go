// Package dispatcher moves PENDING commands to IN_FLIGHT and publishes
// them, retrying publish-path failures with backoff+jitter. Grounded on
// the teacher's scheduler.Scheduler worker/poller loop shape and the
// reference implementation's SchedulerDispatcher.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/observability"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/store"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/transport"
)

// Config holds the dispatcher's floor-clamped tunables (internal/config
// already applies the floors; this struct just carries the resolved
// values down).
type Config struct {
	Stream                        string
	BatchSize                     int
	PollInterval                  time.Duration
	AckTimeout                    time.Duration
	MaxConcurrency                int
	MaxRetry                      int
	RetryBackoff                  time.Duration
	RetryJitter                   time.Duration
	MaxInflightPerMicrocontroller int
}

// Dispatcher is a cooperative worker: Run blocks until Stop is called or
// ctx is cancelled.
type Dispatcher struct {
	repo      store.Repository
	publisher transport.Publisher
	limiter   *TokenBucketLimiter
	cfg       Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires a Dispatcher. limiter may be nil to disable the secondary
// per-microcontroller rate admission control.
func New(repo store.Repository, publisher transport.Publisher, limiter *TokenBucketLimiter, cfg Config) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		limiter:   limiter,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Run polls claim-publish-retry until stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Println("[dispatcher] starting")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		default:
		}

		did, err := d.runOnce(ctx)
		if err != nil {
			log.Printf("[dispatcher] pass failed: %v", err)
		}
		if !did {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.stopCh:
				return nil
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}
}

// Stop requests the loop to exit after its current pass. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// runOnce claims a batch, publishes concurrently, and handles failures.
// It returns true if any commands were claimed (so the caller doesn't
// sleep a full poll interval while there's backlog).
func (d *Dispatcher) runOnce(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	claimed, err := d.repo.ClaimPendingForDispatch(ctx, d.cfg.BatchSize, d.cfg.MaxInflightPerMicrocontroller, d.cfg.AckTimeout, now)
	if err != nil {
		return false, fmt.Errorf("claim pending: %w", err)
	}
	if len(claimed) == 0 {
		return false, nil
	}
	observability.DispatchClaimed.Add(float64(len(claimed)))
	observability.DispatchInflightGauge.Add(float64(len(claimed)))

	sem := make(chan struct{}, d.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []domain.Command

	for _, cmd := range claimed {
		cmd := cmd
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.publish(ctx, cmd); err != nil {
				log.Printf("[dispatcher] publish failed for %s: %v", cmd.ID, err)
				mu.Lock()
				failed = append(failed, cmd)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		log.Printf("[dispatcher] %d/%d publishes failed this pass", len(failed), len(claimed))
	}
	retryNow := time.Now().UTC()
	for _, cmd := range failed {
		// Mirrors MarkPublishFailure's own retry-vs-terminal predicate so
		// the metric label reflects the same decision the store makes.
		outcome := "terminal"
		if cmd.Attempt < d.cfg.MaxRetry+1 {
			outcome = "retry"
		}
		observability.DispatchPublishFailures.WithLabelValues(outcome).Inc()
		// Either outcome moves the command out of IN_FLIGHT (to
		// PENDING_RETRY or ACK_FAIL).
		observability.DispatchInflightGauge.Dec()
		if err := d.repo.MarkPublishFailure(ctx, cmd.ID, d.cfg.MaxRetry, d.cfg.RetryBackoff, d.cfg.RetryJitter, retryNow); err != nil {
			log.Printf("[dispatcher] mark publish failure for %s: %v", cmd.ID, err)
		}
	}

	return true, nil
}

func (d *Dispatcher) publish(ctx context.Context, cmd domain.Command) error {
	if d.limiter != nil && !d.limiter.Allow(cmd.MicrocontrollerUUID) {
		return fmt.Errorf("rate limited for microcontroller %s", cmd.MicrocontrollerUUID)
	}

	payload := transport.CommandPayload{
		DeviceID:     cmd.DeviceID,
		DeviceUUID:   cmd.DeviceUUID,
		DeviceNumber: cmd.DeviceNumber,
		Mode:         "SCHEDULE",
		Command:      string(cmd.Kind),
		IsOn:         cmd.Kind == domain.CommandOn,
		CommandID:    cmd.ID,
	}
	envelope := transport.BuildEnvelope(d.cfg.Stream, cmd.MicrocontrollerUUID, payload, time.Now())
	subject := transport.PublishSubject(d.cfg.Stream, cmd.MicrocontrollerUUID)

	if err := d.publisher.Publish(ctx, subject, envelope); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
