package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
)

// PostgresRepository implements Repository against a pgxpool-managed
// connection, in the teacher's raw-SQL, no-ORM style.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository configures a connection pool and verifies
// connectivity before returning.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) FetchDueEntries(ctx context.Context, dayOfWeek domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error) {
	query := `
		SELECT s.id, d.id, d.uuid, d.device_number, m.id, m.uuid,
		       s.use_power_threshold, s.power_provider_id, m.power_provider_id,
		       s.power_threshold_value, s.power_threshold_unit
		FROM scheduler_slots s
		JOIN devices d ON d.scheduler_id = s.scheduler_id
		JOIN microcontrollers m ON m.id = d.microcontroller_id
		WHERE s.day_of_week = $1
		  AND s.start_utc_time = $2
		  AND d.mode = 'SCHEDULE'
		  AND m.enabled = true
		ORDER BY s.id, d.id
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, int(dayOfWeek), hhmm, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch due entries: %w", err)
	}
	defer rows.Close()

	var out []domain.DueEntry
	for rows.Next() {
		var e domain.DueEntry
		if err := rows.Scan(
			&e.SlotID, &e.DeviceID, &e.DeviceUUID, &e.DeviceNumber,
			&e.MicrocontrollerID, &e.MicrocontrollerUUID,
			&e.UsePowerThreshold, &e.PowerProviderID, &e.MicrocontrollerPowerProviderID,
			&e.PowerThresholdValue, &e.PowerThresholdUnit,
		); err != nil {
			return nil, fmt.Errorf("scan due entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FetchEndEntries(ctx context.Context, dayOfWeek domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.EndEntry, error) {
	query := `
		SELECT s.id, d.id, d.uuid, d.device_number, m.id, m.uuid
		FROM scheduler_slots s
		JOIN devices d ON d.scheduler_id = s.scheduler_id
		JOIN microcontrollers m ON m.id = d.microcontroller_id
		WHERE s.day_of_week = $1
		  AND s.end_utc_time = $2
		  AND d.mode = 'SCHEDULE'
		  AND m.enabled = true
		ORDER BY s.id, d.id
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, int(dayOfWeek), hhmm, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch end entries: %w", err)
	}
	defer rows.Close()

	var out []domain.EndEntry
	for rows.Next() {
		var e domain.EndEntry
		if err := rows.Scan(&e.SlotID, &e.DeviceID, &e.DeviceUUID, &e.DeviceNumber, &e.MicrocontrollerID, &e.MicrocontrollerUUID); err != nil {
			return nil, fmt.Errorf("scan end entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetProvider(ctx context.Context, id int64) (*domain.Provider, error) {
	query := `SELECT id, unit, expected_interval_sec, enabled FROM providers WHERE id = $1`
	var p domain.Provider
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Unit, &p.ExpectedIntervalSec, &p.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) GetLatestMeasurement(ctx context.Context, providerID int64) (*domain.ProviderMeasurement, error) {
	query := `
		SELECT id, provider_id, measured_at, measured_value, measured_unit
		FROM provider_measurements
		WHERE provider_id = $1
		ORDER BY measured_at DESC
		LIMIT 1
	`
	var m domain.ProviderMeasurement
	err := r.pool.QueryRow(ctx, query, providerID).Scan(&m.ID, &m.ProviderID, &m.MeasuredAt, &m.MeasuredValue, &m.MeasuredUnit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest measurement: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) EnqueueCommand(ctx context.Context, cmd domain.Command) (bool, error) {
	query := `
		INSERT INTO scheduler_commands
			(id, device_id, microcontroller_id, slot_id, kind, status, attempt, max_attempts,
			 idempotency_key, measured_value, measured_unit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		cmd.ID, cmd.DeviceID, cmd.MicrocontrollerID, cmd.SlotID, cmd.Kind, cmd.Status,
		cmd.Attempt, cmd.MaxAttempts, cmd.IdempotencyKey, cmd.MeasuredValue, cmd.MeasuredUnit,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue command: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimPendingForDispatch selects dispatch-ready commands FOR UPDATE SKIP
// LOCKED so concurrent dispatcher replicas never block each other, applies
// the per-microcontroller inflight fairness cap in application code (the
// cap depends on counting rows already IN_FLIGHT plus rows chosen earlier
// in this same batch, which a single SQL predicate can't express cleanly),
// then updates only the rows that pass the filter.
//
// The inflight count snapshot is only safe against concurrent replicas
// because every microcontroller with an eligible candidate is locked with
// a blocking FOR UPDATE on microcontrollers before that snapshot is taken:
// two transactions racing to claim for the same microcontroller serialize
// on that lock instead of both reading "0 inflight" and both claiming.
// Locks are acquired in microcontroller_id order so concurrent claims over
// overlapping microcontroller sets can't deadlock.
func (r *PostgresRepository) ClaimPendingForDispatch(ctx context.Context, limit int, maxInflightPerMicrocontroller int, ackTimeout time.Duration, now time.Time) ([]domain.Command, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var candidateMicrocontrollerIDs []int64
	mcIDRows, err := tx.Query(ctx, `
		SELECT DISTINCT c.microcontroller_id
		FROM scheduler_commands c
		WHERE c.status IN ('PENDING', 'PENDING_RETRY')
		  AND (c.next_attempt_at IS NULL OR c.next_attempt_at <= $1)
		ORDER BY c.microcontroller_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list candidate microcontrollers: %w", err)
	}
	for mcIDRows.Next() {
		var mID int64
		if err := mcIDRows.Scan(&mID); err != nil {
			mcIDRows.Close()
			return nil, fmt.Errorf("scan candidate microcontroller id: %w", err)
		}
		candidateMicrocontrollerIDs = append(candidateMicrocontrollerIDs, mID)
	}
	mcIDRows.Close()
	if err := mcIDRows.Err(); err != nil {
		return nil, err
	}
	if len(candidateMicrocontrollerIDs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit claim tx: %w", err)
		}
		return nil, nil
	}

	lockRows, err := tx.Query(ctx, `
		SELECT id FROM microcontrollers WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, candidateMicrocontrollerIDs)
	if err != nil {
		return nil, fmt.Errorf("lock candidate microcontrollers: %w", err)
	}
	for lockRows.Next() {
		var mID int64
		if err := lockRows.Scan(&mID); err != nil {
			lockRows.Close()
			return nil, fmt.Errorf("scan locked microcontroller id: %w", err)
		}
	}
	lockRows.Close()
	if err := lockRows.Err(); err != nil {
		return nil, err
	}

	inflightCounts := map[int64]int{}
	countRows, err := tx.Query(ctx, `
		SELECT microcontroller_id, COUNT(*)
		FROM scheduler_commands
		WHERE status = 'IN_FLIGHT'
		GROUP BY microcontroller_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count inflight: %w", err)
	}
	for countRows.Next() {
		var mID int64
		var c int
		if err := countRows.Scan(&mID, &c); err != nil {
			countRows.Close()
			return nil, fmt.Errorf("scan inflight count: %w", err)
		}
		inflightCounts[mID] = c
	}
	countRows.Close()
	if err := countRows.Err(); err != nil {
		return nil, err
	}

	candidateRows, err := tx.Query(ctx, `
		SELECT c.id, c.device_id, d.uuid, d.device_number, c.microcontroller_id, m.uuid,
		       c.slot_id, c.kind, c.status, c.attempt, c.max_attempts,
		       c.next_attempt_at, c.idempotency_key, c.created_at, c.updated_at
		FROM scheduler_commands c
		JOIN devices d ON d.id = c.device_id
		JOIN microcontrollers m ON m.id = c.microcontroller_id
		WHERE c.status IN ('PENDING', 'PENDING_RETRY')
		  AND (c.next_attempt_at IS NULL OR c.next_attempt_at <= $1)
		ORDER BY c.next_attempt_at NULLS FIRST, c.id
		FOR UPDATE OF c SKIP LOCKED
	`, now)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var candidates []domain.Command
	for candidateRows.Next() {
		var c domain.Command
		if err := candidateRows.Scan(
			&c.ID, &c.DeviceID, &c.DeviceUUID, &c.DeviceNumber, &c.MicrocontrollerID, &c.MicrocontrollerUUID,
			&c.SlotID, &c.Kind, &c.Status,
			&c.Attempt, &c.MaxAttempts, &c.NextAttemptAt, &c.IdempotencyKey, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			candidateRows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	candidateRows.Close()
	if err := candidateRows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.Command
	for _, c := range candidates {
		if len(claimed) >= limit {
			break
		}
		if inflightCounts[c.MicrocontrollerID] >= maxInflightPerMicrocontroller {
			continue
		}
		inflightCounts[c.MicrocontrollerID]++
		claimed = append(claimed, c)
	}

	ackDeadline := now.Add(ackTimeout)
	for i := range claimed {
		c := &claimed[i]
		_, err := tx.Exec(ctx, `
			UPDATE scheduler_commands
			SET status = 'IN_FLIGHT', attempt = attempt + 1, ack_deadline_at = $1, updated_at = NOW()
			WHERE id = $2
		`, ackDeadline, c.ID)
		if err != nil {
			return nil, fmt.Errorf("claim update %s: %w", c.ID, err)
		}
		c.Status = domain.StatusInFlight
		c.Attempt++
		c.AckDeadline = &ackDeadline
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

func (r *PostgresRepository) MarkPublishFailure(ctx context.Context, commandID string, maxRetry int, backoff, jitter time.Duration, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark publish failure tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempt int
	var status domain.CommandStatus
	var deviceID, microID int64
	err = tx.QueryRow(ctx, `SELECT attempt, status, device_id, microcontroller_id FROM scheduler_commands WHERE id = $1 FOR UPDATE`, commandID).
		Scan(&attempt, &status, &deviceID, &microID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock command for publish failure: %w", err)
	}
	if status.IsTerminal() {
		return tx.Commit(ctx)
	}

	if attempt < maxRetry+1 {
		delay := backoff + time.Duration(rand.Int63n(int64(jitter)+1))
		next := now.Add(delay)
		_, err = tx.Exec(ctx, `
			UPDATE scheduler_commands
			SET status = 'PENDING_RETRY', ack_deadline_at = NULL, next_attempt_at = $1, updated_at = NOW()
			WHERE id = $2
		`, next, commandID)
		if err != nil {
			return fmt.Errorf("set pending retry: %w", err)
		}
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE scheduler_commands SET status = 'ACK_FAIL', updated_at = NOW() WHERE id = $1
	`, commandID)
	if err != nil {
		return fmt.Errorf("set ack fail: %w", err)
	}
	if err := insertAuditEvent(ctx, tx, domain.DeviceEvent{
		DeviceID:      deviceID,
		EventType:     domain.EventSchedulerAckFailed,
		EventName:     string(domain.EventSchedulerAckFailed),
		TriggerReason: string(domain.EventDispatchPublishFail),
		CreatedAt:     now,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) MarkAck(ctx context.Context, commandID string, transportOK bool, actualState *bool, now time.Time) (*domain.Command, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin mark ack tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var cmd domain.Command
	err = tx.QueryRow(ctx, `
		SELECT id, device_id, microcontroller_id, slot_id, kind, status, attempt, max_attempts, created_at, updated_at
		FROM scheduler_commands WHERE id = $1 FOR UPDATE
	`, commandID).Scan(&cmd.ID, &cmd.DeviceID, &cmd.MicrocontrollerID, &cmd.SlotID, &cmd.Kind,
		&cmd.Status, &cmd.Attempt, &cmd.MaxAttempts, &cmd.CreatedAt, &cmd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, tx.Commit(ctx)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock command for ack: %w", err)
	}
	if cmd.Status.IsTerminal() {
		return &cmd, false, tx.Commit(ctx)
	}

	newStatus := domain.StatusAckFail
	if transportOK {
		newStatus = domain.StatusAckOK
	}
	_, err = tx.Exec(ctx, `
		UPDATE scheduler_commands SET status = $1, acked_at = $2, ack_ok = $3, updated_at = NOW() WHERE id = $4
	`, newStatus, now, transportOK, commandID)
	if err != nil {
		return nil, false, fmt.Errorf("update command ack: %w", err)
	}
	cmd.Status = newStatus
	cmd.AckedAt = &now
	cmd.AckOK = &transportOK

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit mark ack tx: %w", err)
	}
	return &cmd, true, nil
}

func (r *PostgresRepository) ClaimTimeouts(ctx context.Context, limit int, now time.Time) ([]domain.Command, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim timeouts tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, device_id, microcontroller_id, slot_id, kind, status, attempt, max_attempts, created_at, updated_at
		FROM scheduler_commands
		WHERE status = 'IN_FLIGHT' AND ack_deadline_at <= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select timed out commands: %w", err)
	}
	var claimed []domain.Command
	for rows.Next() {
		var c domain.Command
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.MicrocontrollerID, &c.SlotID, &c.Kind,
			&c.Status, &c.Attempt, &c.MaxAttempts, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan timed out command: %w", err)
		}
		claimed = append(claimed, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range claimed {
		c := &claimed[i]
		_, err := tx.Exec(ctx, `UPDATE scheduler_commands SET status = 'ACK_FAIL', updated_at = NOW() WHERE id = $1`, c.ID)
		if err != nil {
			return nil, fmt.Errorf("claim timeout update %s: %w", c.ID, err)
		}
		c.Status = domain.StatusAckFail
		if err := insertAuditEvent(ctx, tx, domain.DeviceEvent{
			DeviceID:      c.DeviceID,
			EventType:     domain.EventSchedulerAckFailed,
			EventName:     string(domain.EventSchedulerAckFailed),
			TriggerReason: string(domain.EventAckTimeout),
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim timeouts tx: %w", err)
	}
	return claimed, nil
}

func (r *PostgresRepository) UpdateDeviceState(ctx context.Context, deviceID int64, state bool, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE devices SET manual_state = $1, last_state_change_at = $2, updated_at = NOW() WHERE id = $3
	`, state, at, deviceID)
	if err != nil {
		return fmt.Errorf("update device state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateAuditEvent(ctx context.Context, event domain.DeviceEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO device_events
			(device_id, event_type, event_name, device_state, pin_state, measured_value, measured_unit, trigger_reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.DeviceID, event.EventType, event.EventName, event.DeviceState, event.PinState,
		event.MeasuredValue, event.MeasuredUnit, event.TriggerReason, event.Source, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

// insertAuditEvent writes within an already-open transaction.
func insertAuditEvent(ctx context.Context, tx pgx.Tx, event domain.DeviceEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO device_events
			(device_id, event_type, event_name, device_state, pin_state, measured_value, measured_unit, trigger_reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.DeviceID, event.EventType, event.EventName, event.DeviceState, event.PinState,
		event.MeasuredValue, event.MeasuredUnit, event.TriggerReason, event.Source, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
