// Package planner expands recurring weekly scheduler slots into concrete
// command rows once per wall-clock minute. Grounded on the reference
// implementation's SchedulerEngine (app/scheduler/engine.py) for the
// per-minute tick and per-provider memoization, and on the teacher's
// scheduler.Scheduler for the Go loop/Stop shape.
package planner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/idempotency"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/observability"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/store"
)

// Config holds the planner's tunables.
type Config struct {
	BatchSize int
}

// Planner is a cooperative worker: Run blocks until Stop is called or ctx
// is cancelled.
type Planner struct {
	repo  store.Repository
	idemp *idempotency.Store
	cfg   Config

	mu                 sync.Mutex
	lastProcessedMinute time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires a Planner.
func New(repo store.Repository, idemp *idempotency.Store, cfg Config) *Planner {
	return &Planner{
		repo:   repo,
		idemp:  idemp,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Run ticks every second, advancing only on strictly new minutes — it
// never backfills a minute it missed while stopped or starved.
func (p *Planner) Run(ctx context.Context) error {
	log.Println("[planner] starting")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			minuteUTC := time.Now().UTC().Truncate(time.Minute)

			p.mu.Lock()
			advance := minuteUTC.After(p.lastProcessedMinute)
			p.mu.Unlock()
			if !advance {
				continue
			}

			start := time.Now()
			if err := p.processMinute(ctx, minuteUTC); err != nil {
				log.Printf("[planner] minute %s failed: %v", minuteUTC.Format(time.RFC3339), err)
				continue // do not advance lastProcessedMinute; retry next tick
			}
			observability.PlannerLoopDuration.Observe(time.Since(start).Seconds())
			observability.PlannerMinuteLag.Set(time.Since(minuteUTC).Seconds())

			p.mu.Lock()
			p.lastProcessedMinute = minuteUTC
			p.mu.Unlock()
		}
	}
}

// Stop requests the loop to exit. Idempotent.
func (p *Planner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Planner) processMinute(ctx context.Context, minuteUTC time.Time) error {
	dow := weekday(minuteUTC)
	hhmm := minuteUTC.Format("15:04")

	if err := p.processDue(ctx, dow, hhmm, minuteUTC); err != nil {
		return fmt.Errorf("due scan: %w", err)
	}
	if err := p.processEnd(ctx, dow, hhmm, minuteUTC); err != nil {
		return fmt.Errorf("end scan: %w", err)
	}
	return nil
}

func weekday(t time.Time) domain.DayOfWeek {
	// time.Weekday is 0=Sunday..6=Saturday; domain.DayOfWeek is 0=Monday..6=Sunday.
	switch t.Weekday() {
	case time.Sunday:
		return domain.Sunday
	default:
		return domain.DayOfWeek(int(t.Weekday()) - 1)
	}
}

// providerCache memoizes provider/measurement lookups per minute so a
// power-source feeding many slots is only read once.
type providerCache struct {
	repo         store.Repository
	providers    map[int64]*domain.Provider
	measurements map[int64]*domain.ProviderMeasurement
}

func newProviderCache(repo store.Repository) *providerCache {
	return &providerCache{
		repo:         repo,
		providers:    make(map[int64]*domain.Provider),
		measurements: make(map[int64]*domain.ProviderMeasurement),
	}
}

func (c *providerCache) get(ctx context.Context, providerID int64) (*domain.Provider, *domain.ProviderMeasurement, error) {
	provider, ok := c.providers[providerID]
	if !ok {
		var err error
		provider, err = c.repo.GetProvider(ctx, providerID)
		if err != nil {
			return nil, nil, err
		}
		c.providers[providerID] = provider
	}

	measurement, ok := c.measurements[providerID]
	if !ok {
		var err error
		measurement, err = c.repo.GetLatestMeasurement(ctx, providerID)
		if err != nil {
			return nil, nil, err
		}
		c.measurements[providerID] = measurement
	}
	return provider, measurement, nil
}

func (p *Planner) processDue(ctx context.Context, dow domain.DayOfWeek, hhmm string, minuteUTC time.Time) error {
	cache := newProviderCache(p.repo)
	offset := 0
	for {
		entries, err := p.repo.FetchDueEntries(ctx, dow, hhmm, p.cfg.BatchSize, offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			if err := p.processDueEntry(ctx, entry, minuteUTC, cache); err != nil {
				log.Printf("[planner] due entry device=%d slot=%d failed: %v", entry.DeviceID, entry.SlotID, err)
			}
		}

		if len(entries) < p.cfg.BatchSize {
			return nil
		}
		offset += p.cfg.BatchSize
	}
}

func (p *Planner) processDueEntry(ctx context.Context, entry domain.DueEntry, minuteUTC time.Time, cache *providerCache) error {
	key := idempotency.Key(entry.DeviceID, entry.SlotID, minuteUTC, "ON")
	if !p.idemp.Acquire(ctx, key) {
		return nil
	}

	var provider *domain.Provider
	var measurement *domain.ProviderMeasurement
	// A slot with no provider of its own falls back to its
	// microcontroller's default power provider.
	providerID := entry.PowerProviderID
	if providerID == nil {
		providerID = entry.MicrocontrollerPowerProviderID
	}
	if entry.UsePowerThreshold && providerID != nil {
		var err error
		provider, measurement, err = cache.get(ctx, *providerID)
		if err != nil {
			return fmt.Errorf("lookup power source: %w", err)
		}
	}

	decision := domain.Decide(entry, minuteUTC, provider, measurement)
	observability.PlannerDecisions.WithLabelValues(string(decision.Kind), decision.Reason).Inc()

	if decision.Kind == domain.DecisionAllowOn {
		cmd := domain.Command{
			ID:                  uuid.New().String(),
			DeviceID:            entry.DeviceID,
			DeviceUUID:          entry.DeviceUUID,
			DeviceNumber:        entry.DeviceNumber,
			MicrocontrollerID:   entry.MicrocontrollerID,
			MicrocontrollerUUID: entry.MicrocontrollerUUID,
			SlotID:              &entry.SlotID,
			Kind:                domain.CommandOn,
			Status:              domain.StatusPending,
			MaxAttempts:         1,
			IdempotencyKey:      key,
			MeasuredValue:       decision.MeasuredValue,
			MeasuredUnit:        decision.MeasuredUnit,
		}
		// EnqueueCommand's own unique-constraint collision handling is the
		// second, storage-level idempotency guard behind the KV gate above.
		if _, err := p.repo.EnqueueCommand(ctx, cmd); err != nil {
			return fmt.Errorf("enqueue on command: %w", err)
		}
		return nil
	}

	eventName := "SCHEDULER_SKIPPED_NO_POWER_DATA"
	if decision.Kind == domain.DecisionSkipThresholdNotMet {
		eventName = "SCHEDULER_SKIPPED_THRESHOLD_NOT_MET"
	}
	return p.repo.CreateAuditEvent(ctx, domain.DeviceEvent{
		DeviceID:      entry.DeviceID,
		EventType:     domain.EventSchedulerSkipped,
		EventName:     eventName,
		PinState:      boolPtr(false),
		MeasuredValue: decision.MeasuredValue,
		MeasuredUnit:  decision.MeasuredUnit,
		TriggerReason: decision.Reason,
		Source:        "planner",
		CreatedAt:     minuteUTC,
	})
}

func (p *Planner) processEnd(ctx context.Context, dow domain.DayOfWeek, hhmm string, minuteUTC time.Time) error {
	offset := 0
	for {
		entries, err := p.repo.FetchEndEntries(ctx, dow, hhmm, p.cfg.BatchSize, offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			if err := p.processEndEntry(ctx, entry, minuteUTC); err != nil {
				log.Printf("[planner] end entry device=%d slot=%d failed: %v", entry.DeviceID, entry.SlotID, err)
			}
		}

		if len(entries) < p.cfg.BatchSize {
			return nil
		}
		offset += p.cfg.BatchSize
	}
}

func (p *Planner) processEndEntry(ctx context.Context, entry domain.EndEntry, minuteUTC time.Time) error {
	key := idempotency.Key(entry.DeviceID, entry.SlotID, minuteUTC, "OFF")
	if !p.idemp.Acquire(ctx, key) {
		return nil
	}

	cmd := domain.Command{
		ID:                  uuid.New().String(),
		DeviceID:            entry.DeviceID,
		DeviceUUID:          entry.DeviceUUID,
		DeviceNumber:        entry.DeviceNumber,
		MicrocontrollerID:   entry.MicrocontrollerID,
		MicrocontrollerUUID: entry.MicrocontrollerUUID,
		SlotID:              &entry.SlotID,
		Kind:                domain.CommandOff,
		Status:              domain.StatusPending,
		MaxAttempts:         1,
		IdempotencyKey:      key,
	}
	if _, err := p.repo.EnqueueCommand(ctx, cmd); err != nil {
		return fmt.Errorf("enqueue off command: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
