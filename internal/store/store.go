// Package store defines the repository boundary between the scheduling
// engine's workers and the relational database. The concrete ORM/migration
// layer is out of scope; this package speaks raw SQL the way the teacher's
// control_plane/store package does.
package store

import (
	"context"
	"time"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
)

// Repository is the boundary every worker depends on. One PostgresRepository
// satisfies it in production; tests substitute a fake.
type Repository interface {
	// FetchDueEntries returns up to limit (device, slot) rows whose window
	// begins at hhmm UTC on dayOfWeek, paginated by offset.
	FetchDueEntries(ctx context.Context, dayOfWeek domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error)

	// FetchEndEntries returns up to limit (device, slot) rows whose window
	// ends at hhmm UTC on dayOfWeek, paginated by offset.
	FetchEndEntries(ctx context.Context, dayOfWeek domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.EndEntry, error)

	// GetProvider returns the provider identified by id, or nil if absent.
	GetProvider(ctx context.Context, id int64) (*domain.Provider, error)

	// GetLatestMeasurement returns the most recent measurement for a
	// provider, or nil if it has never reported.
	GetLatestMeasurement(ctx context.Context, providerID int64) (*domain.ProviderMeasurement, error)

	// EnqueueCommand inserts a new PENDING command. A unique-constraint
	// collision on idempotencyKey is swallowed and reported via the second
	// return value (inserted=false), not as an error.
	EnqueueCommand(ctx context.Context, cmd domain.Command) (inserted bool, err error)

	// ClaimPendingForDispatch atomically claims up to limit commands ready
	// for dispatch, applying the per-microcontroller fairness cap, and
	// transitions them to IN_FLIGHT with a fresh ack deadline.
	ClaimPendingForDispatch(ctx context.Context, limit int, maxInflightPerMicrocontroller int, ackTimeout time.Duration, now time.Time) ([]domain.Command, error)

	// MarkPublishFailure applies the dispatcher's retry policy to a single
	// command after a failed publish attempt.
	MarkPublishFailure(ctx context.Context, commandID string, maxRetry int, backoff, jitter time.Duration, now time.Time) error

	// MarkAck applies an inbound ack to its command. changed is false when
	// the command was already terminal or commandID is unknown.
	MarkAck(ctx context.Context, commandID string, transportOK bool, actualState *bool, now time.Time) (cmd *domain.Command, changed bool, err error)

	// ClaimTimeouts atomically claims up to limit IN_FLIGHT commands whose
	// ack deadline has passed and transitions them to ACK_FAIL.
	ClaimTimeouts(ctx context.Context, limit int, now time.Time) ([]domain.Command, error)

	// UpdateDeviceState writes a device's runtime on/off state.
	UpdateDeviceState(ctx context.Context, deviceID int64, state bool, at time.Time) error

	// CreateAuditEvent appends a row to the device event log.
	CreateAuditEvent(ctx context.Context, event domain.DeviceEvent) error
}
