package planner

import (
	"context"
	"testing"
	"time"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/idempotency"
)

type fakeRepo struct {
	due      []domain.DueEntry
	end      []domain.EndEntry
	enqueued []domain.Command
	events   []domain.DeviceEvent
	provider *domain.Provider
	measure  *domain.ProviderMeasurement
}

func (f *fakeRepo) FetchDueEntries(ctx context.Context, dow domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error) {
	if offset > 0 {
		return nil, nil
	}
	return f.due, nil
}

func (f *fakeRepo) FetchEndEntries(ctx context.Context, dow domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.EndEntry, error) {
	if offset > 0 {
		return nil, nil
	}
	return f.end, nil
}

func (f *fakeRepo) GetProvider(ctx context.Context, id int64) (*domain.Provider, error) {
	return f.provider, nil
}
func (f *fakeRepo) GetLatestMeasurement(ctx context.Context, providerID int64) (*domain.ProviderMeasurement, error) {
	return f.measure, nil
}
func (f *fakeRepo) EnqueueCommand(ctx context.Context, cmd domain.Command) (bool, error) {
	f.enqueued = append(f.enqueued, cmd)
	return true, nil
}
func (f *fakeRepo) ClaimPendingForDispatch(context.Context, int, int, time.Duration, time.Time) ([]domain.Command, error) {
	return nil, nil
}
func (f *fakeRepo) MarkPublishFailure(context.Context, string, int, time.Duration, time.Duration, time.Time) error {
	return nil
}
func (f *fakeRepo) MarkAck(context.Context, string, bool, *bool, time.Time) (*domain.Command, bool, error) {
	return nil, false, nil
}
func (f *fakeRepo) ClaimTimeouts(context.Context, int, time.Time) ([]domain.Command, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateDeviceState(context.Context, int64, bool, time.Time) error { return nil }
func (f *fakeRepo) CreateAuditEvent(ctx context.Context, event domain.DeviceEvent) error {
	f.events = append(f.events, event)
	return nil
}

func testPlanner(repo *fakeRepo) *Planner {
	idemp := idempotency.New(nil, 30*time.Second, "test", nil)
	return New(repo, idemp, Config{BatchSize: 100})
}

func TestProcessDueEntryPlainWindowEnqueuesOn(t *testing.T) {
	repo := &fakeRepo{due: []domain.DueEntry{
		{DeviceID: 1, SlotID: 10, DeviceUUID: "d1", MicrocontrollerID: 2, MicrocontrollerUUID: "m2", UsePowerThreshold: false},
	}}
	p := testPlanner(repo)
	minute := time.Date(2026, 7, 27, 8, 0, 0, 0, time.UTC) // Monday

	if err := p.processDue(context.Background(), domain.Monday, "08:00", minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.enqueued) != 1 || repo.enqueued[0].Kind != domain.CommandOn {
		t.Fatalf("expected one ON command enqueued, got %+v", repo.enqueued)
	}
	if len(repo.events) != 0 {
		t.Fatalf("expected no skip events, got %+v", repo.events)
	}
}

func TestProcessDueEntryIdempotentOnSecondCall(t *testing.T) {
	repo := &fakeRepo{due: []domain.DueEntry{
		{DeviceID: 1, SlotID: 10, DeviceUUID: "d1", MicrocontrollerID: 2, MicrocontrollerUUID: "m2"},
	}}
	p := testPlanner(repo)
	minute := time.Date(2026, 7, 27, 8, 0, 0, 0, time.UTC)

	if err := p.processDue(context.Background(), domain.Monday, "08:00", minute); err != nil {
		t.Fatal(err)
	}
	if err := p.processDue(context.Background(), domain.Monday, "08:00", minute); err != nil {
		t.Fatal(err)
	}
	if len(repo.enqueued) != 1 {
		t.Fatalf("expected exactly one enqueue across two calls for the same minute, got %d", len(repo.enqueued))
	}
}

func TestProcessDueEntryThresholdNotMetSkipsWithAudit(t *testing.T) {
	val := 5.0
	unit := "kW"
	interval := 60
	measured := 3000.0
	measuredUnit := "W"
	repo := &fakeRepo{
		due: []domain.DueEntry{{
			DeviceID: 1, SlotID: 10, MicrocontrollerID: 2,
			UsePowerThreshold: true, PowerProviderID: int64Ptr(99),
			PowerThresholdValue: &val, PowerThresholdUnit: &unit,
		}},
		provider: &domain.Provider{ID: 99, Enabled: true, ExpectedIntervalSec: &interval},
		measure:  &domain.ProviderMeasurement{MeasuredAt: time.Date(2026, 7, 27, 7, 59, 50, 0, time.UTC), MeasuredValue: &measured, MeasuredUnit: &measuredUnit},
	}
	p := testPlanner(repo)
	minute := time.Date(2026, 7, 27, 8, 0, 0, 0, time.UTC)

	if err := p.processDue(context.Background(), domain.Monday, "08:00", minute); err != nil {
		t.Fatal(err)
	}
	if len(repo.enqueued) != 0 {
		t.Fatalf("expected no command enqueued, got %+v", repo.enqueued)
	}
	if len(repo.events) != 1 || repo.events[0].EventName != "SCHEDULER_SKIPPED_THRESHOLD_NOT_MET" {
		t.Fatalf("expected one threshold-not-met skip event, got %+v", repo.events)
	}
}

func TestProcessEndEntryEnqueuesOffUnconditionally(t *testing.T) {
	repo := &fakeRepo{end: []domain.EndEntry{
		{DeviceID: 1, SlotID: 10, MicrocontrollerID: 2},
	}}
	p := testPlanner(repo)
	minute := time.Date(2026, 7, 27, 9, 0, 0, 0, time.UTC)

	if err := p.processEnd(context.Background(), domain.Monday, "09:00", minute); err != nil {
		t.Fatal(err)
	}
	if len(repo.enqueued) != 1 || repo.enqueued[0].Kind != domain.CommandOff {
		t.Fatalf("expected one OFF command, got %+v", repo.enqueued)
	}
}

func TestWeekdayMapping(t *testing.T) {
	// 2026-07-27 is a Monday.
	if got := weekday(time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)); got != domain.Monday {
		t.Fatalf("expected Monday, got %v", got)
	}
	if got := weekday(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)); got != domain.Sunday {
		t.Fatalf("expected Sunday, got %v", got)
	}
}

func int64Ptr(v int64) *int64 { return &v }
