package ackconsumer

import (
	"context"
	"testing"
	"time"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/transport"
)

type fakeRepo struct {
	commands     map[string]*domain.Command
	deviceStates map[int64]bool
	events       []domain.DeviceEvent
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{commands: map[string]*domain.Command{}, deviceStates: map[int64]bool{}}
}

func (f *fakeRepo) MarkAck(ctx context.Context, commandID string, transportOK bool, actualState *bool, now time.Time) (*domain.Command, bool, error) {
	cmd, ok := f.commands[commandID]
	if !ok {
		return nil, false, nil
	}
	if cmd.Status.IsTerminal() {
		return cmd, false, nil
	}
	if transportOK {
		cmd.Status = domain.StatusAckOK
	} else {
		cmd.Status = domain.StatusAckFail
	}
	return cmd, true, nil
}

func (f *fakeRepo) UpdateDeviceState(ctx context.Context, deviceID int64, state bool, at time.Time) error {
	f.deviceStates[deviceID] = state
	return nil
}

func (f *fakeRepo) CreateAuditEvent(ctx context.Context, event domain.DeviceEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRepo) FetchDueEntries(context.Context, domain.DayOfWeek, string, int, int) ([]domain.DueEntry, error) {
	return nil, nil
}
func (f *fakeRepo) FetchEndEntries(context.Context, domain.DayOfWeek, string, int, int) ([]domain.EndEntry, error) {
	return nil, nil
}
func (f *fakeRepo) GetProvider(context.Context, int64) (*domain.Provider, error) { return nil, nil }
func (f *fakeRepo) GetLatestMeasurement(context.Context, int64) (*domain.ProviderMeasurement, error) {
	return nil, nil
}
func (f *fakeRepo) EnqueueCommand(context.Context, domain.Command) (bool, error) { return true, nil }
func (f *fakeRepo) ClaimPendingForDispatch(context.Context, int, int, time.Duration, time.Time) ([]domain.Command, error) {
	return nil, nil
}
func (f *fakeRepo) MarkPublishFailure(context.Context, string, int, time.Duration, time.Duration, time.Time) error {
	return nil
}
func (f *fakeRepo) ClaimTimeouts(context.Context, int, time.Time) ([]domain.Command, error) {
	return nil, nil
}

func boolPtr(b bool) *bool { return &b }

func TestHandleAckOKOnUpdatesDeviceAndAuditsTriggerOn(t *testing.T) {
	repo := newFakeRepo()
	cmd := &domain.Command{ID: "11111111-1111-1111-1111-111111111111", DeviceID: 5, Kind: domain.CommandOn, Status: domain.StatusInFlight}
	repo.commands["11111111-1111-1111-1111-111111111111"] = cmd

	c := New(repo, nil, "device_communication")
	c.handle(context.Background(), transport.AckEnvelope{Data: transport.AckPayload{
		CommandID: "11111111-1111-1111-1111-111111111111", OK: true, ActualState: boolPtr(true),
	}})

	if repo.deviceStates[5] != true {
		t.Fatalf("expected device 5 state true, got %v", repo.deviceStates)
	}
	if len(repo.events) != 1 || repo.events[0].EventType != domain.EventSchedulerTriggerOn {
		t.Fatalf("expected one SCHEDULER_TRIGGER_ON event, got %+v", repo.events)
	}
}

func TestHandleAckOKOffAuditsDeviceOff(t *testing.T) {
	repo := newFakeRepo()
	cmd := &domain.Command{ID: "22222222-2222-2222-2222-222222222222", DeviceID: 5, Kind: domain.CommandOff, Status: domain.StatusInFlight}
	repo.commands["22222222-2222-2222-2222-222222222222"] = cmd

	c := New(repo, nil, "device_communication")
	c.handle(context.Background(), transport.AckEnvelope{Data: transport.AckPayload{
		CommandID: "22222222-2222-2222-2222-222222222222", OK: true, ActualState: boolPtr(false),
	}})

	if len(repo.events) != 1 || repo.events[0].EventType != domain.EventDeviceOff {
		t.Fatalf("expected one DEVICE_OFF event, got %+v", repo.events)
	}
}

func TestHandleAckFailureAudits(t *testing.T) {
	repo := newFakeRepo()
	cmd := &domain.Command{ID: "33333333-3333-3333-3333-333333333333", DeviceID: 5, Kind: domain.CommandOn, Status: domain.StatusInFlight}
	repo.commands["33333333-3333-3333-3333-333333333333"] = cmd

	c := New(repo, nil, "device_communication")
	c.handle(context.Background(), transport.AckEnvelope{Data: transport.AckPayload{CommandID: "33333333-3333-3333-3333-333333333333", OK: false}})

	if len(repo.events) != 1 || repo.events[0].EventType != domain.EventSchedulerAckFailed {
		t.Fatalf("expected one SCHEDULER_ACK_FAILED event, got %+v", repo.events)
	}
}

func TestHandleAckMalformedCommandIDDropped(t *testing.T) {
	repo := newFakeRepo()
	c := New(repo, nil, "device_communication")
	c.handle(context.Background(), transport.AckEnvelope{Data: transport.AckPayload{CommandID: "not-a-uuid", OK: true}})

	if len(repo.events) != 0 {
		t.Fatalf("expected no audit events for malformed command_id, got %+v", repo.events)
	}
}

func TestHandleAckAlreadyTerminalIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	cmd := &domain.Command{ID: "44444444-4444-4444-4444-444444444444", DeviceID: 5, Kind: domain.CommandOn, Status: domain.StatusAckOK}
	repo.commands["44444444-4444-4444-4444-444444444444"] = cmd

	c := New(repo, nil, "device_communication")
	c.handle(context.Background(), transport.AckEnvelope{Data: transport.AckPayload{CommandID: "44444444-4444-4444-4444-444444444444", OK: false}})

	if len(repo.events) != 0 {
		t.Fatalf("expected terminal ack to be a no-op, got %+v", repo.events)
	}
}

func TestAckStatePrecedenceActualStateWins(t *testing.T) {
	data := transport.AckPayload{ActualState: boolPtr(true), IsOn: boolPtr(false)}
	got := ackState(data)
	if got == nil || *got != true {
		t.Fatalf("expected actual_state to take precedence, got %v", got)
	}
}

func TestAckStateFallsBackToIsOn(t *testing.T) {
	data := transport.AckPayload{IsOn: boolPtr(true)}
	got := ackState(data)
	if got == nil || *got != true {
		t.Fatalf("expected is_on fallback, got %v", got)
	}
}
