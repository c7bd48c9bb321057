// Package domain holds the shared data model for the scheduling engine:
// microcontrollers, devices, schedulers and their weekly slots, power
// providers and measurements, dispatched commands, and the audit trail.
package domain

import "time"

// DeviceMode mirrors the three ways a device's on/off state can be driven.
type DeviceMode string

const (
	ModeManual     DeviceMode = "MANUAL"
	ModeAutoPower  DeviceMode = "AUTO_POWER"
	ModeSchedule   DeviceMode = "SCHEDULE"
)

// DayOfWeek is 0 (Monday) through 6 (Sunday), matching SchedulerSlot.DayOfWeek.
type DayOfWeek int

const (
	Monday DayOfWeek = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// Microcontroller is the remote transport endpoint a command is addressed to.
type Microcontroller struct {
	ID              int64
	UUID            string
	Enabled         bool
	PowerProviderID *int64
}

// Device is a single switchable load attached to a microcontroller.
type Device struct {
	ID                 int64
	UUID                string
	MicrocontrollerID   int64
	SchedulerID         *int64
	DeviceNumber        int
	Mode                DeviceMode
	ManualState         *bool
	LastStateChangeAt   *time.Time
	UpdatedAt           time.Time
}

// Scheduler groups a set of weekly slots owned by a user.
type Scheduler struct {
	ID     int64
	Name   string
	UserID int64
}

// SchedulerSlot is one weekly recurring window, optionally power-gated.
type SchedulerSlot struct {
	ID                  int64
	SchedulerID         int64
	DayOfWeek           DayOfWeek
	StartTime           string // "HH:MM" local to the scheduler's device
	EndTime             string // "HH:MM"
	StartUTCTime        *string
	EndUTCTime          *string
	UsePowerThreshold   bool
	PowerProviderID     *int64
	PowerThresholdValue *float64
	PowerThresholdUnit  *string
}

// Provider is a source of power measurements (e.g. a smart meter feed).
type Provider struct {
	ID                  int64
	Unit                string
	ExpectedIntervalSec *int
	Enabled             bool
}

// ProviderMeasurement is one sample reported by a Provider.
type ProviderMeasurement struct {
	ID            int64
	ProviderID    int64
	MeasuredAt    time.Time
	MeasuredValue *float64
	MeasuredUnit  *string
}

// CommandKind is the switch direction a SchedulerCommand carries.
type CommandKind string

const (
	CommandOn  CommandKind = "ON"
	CommandOff CommandKind = "OFF"
)

// CommandStatus is the at-most-once delivery state machine for a command.
//
//	PENDING -> IN_FLIGHT -> ACK_OK
//	                     -> ACK_FAIL
//	                     -> PENDING_RETRY -> IN_FLIGHT -> ...
//	                                      -> ACK_FAIL (retries exhausted)
//
// ACK_OK and ACK_FAIL are terminal: once reached, mark_ack and the timeout
// sweeper must treat further transitions as no-ops.
type CommandStatus string

const (
	StatusPending      CommandStatus = "PENDING"
	StatusInFlight     CommandStatus = "IN_FLIGHT"
	StatusAckOK        CommandStatus = "ACK_OK"
	StatusAckFail      CommandStatus = "ACK_FAIL"
	StatusPendingRetry CommandStatus = "PENDING_RETRY"
)

// IsTerminal reports whether no further status transition is permitted.
func (s CommandStatus) IsTerminal() bool {
	return s == StatusAckOK || s == StatusAckFail
}

// Command is a single queued-or-in-flight switch instruction for a device.
type Command struct {
	ID                  string // UUID
	DeviceID            int64
	DeviceUUID          string
	DeviceNumber        int
	MicrocontrollerID   int64
	MicrocontrollerUUID string
	SlotID             *int64
	Kind               CommandKind
	Status             CommandStatus
	Attempt            int
	MaxAttempts        int
	NextAttemptAt      *time.Time
	DispatchedAt       *time.Time
	AckDeadline        *time.Time
	AckedAt            *time.Time
	AckOK              *bool
	MeasuredValue      *float64
	MeasuredUnit       *string
	IdempotencyKey     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DeviceEventType names the audit log entries this engine appends.
type DeviceEventType string

const (
	EventSchedulerTriggerOn  DeviceEventType = "SCHEDULER_TRIGGER_ON"
	EventDeviceOff           DeviceEventType = "DEVICE_OFF"
	EventSchedulerAckFailed  DeviceEventType = "SCHEDULER_ACK_FAILED"
	EventAckTimeout          DeviceEventType = "ACK_TIMEOUT"
	EventSchedulerSkipped    DeviceEventType = "SCHEDULER_SKIPPED"
	EventDispatchPublishFail DeviceEventType = "DISPATCH_PUBLISH_FAILED"
)

// DeviceEvent is one row of the append-only audit trail.
type DeviceEvent struct {
	ID            int64
	DeviceID      int64
	EventType     DeviceEventType
	EventName     string
	DeviceState   string
	PinState      *bool
	MeasuredValue *float64
	MeasuredUnit  *string
	TriggerReason string
	Source        string
	CreatedAt     time.Time
}

// DueEntry is one (device, slot) pair whose weekly window starts in the
// minute currently being processed by the planner.
type DueEntry struct {
	DeviceID            int64
	DeviceUUID          string
	DeviceNumber        int
	MicrocontrollerID   int64
	MicrocontrollerUUID string
	SlotID              int64
	UsePowerThreshold   bool
	PowerProviderID     *int64
	// MicrocontrollerPowerProviderID is the microcontroller's default power
	// provider, used when the slot itself has no PowerProviderID.
	MicrocontrollerPowerProviderID *int64
	PowerThresholdValue            *float64
	PowerThresholdUnit             *string
}

// EndEntry is one (device, slot) pair whose weekly window ends in the
// minute currently being processed by the planner. End scans are
// unconditional: no power-threshold gating applies to turning a device off.
type EndEntry struct {
	DeviceID            int64
	DeviceUUID          string
	DeviceNumber        int
	MicrocontrollerID   int64
	MicrocontrollerUUID string
	SlotID              int64
}
