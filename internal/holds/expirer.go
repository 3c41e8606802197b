// Package holds releases appointments whose confirmation hold lapsed.
package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/carepath-scheduler/internal/outbox"
	"github.com/wolfman30/carepath-scheduler/internal/slots"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

var tracer = otel.Tracer("carepath.internal.holds")

// ExpiredNote is written to the completion note of every hold-expired
// appointment so reports can tell it apart from a real doctor cancellation.
const ExpiredNote = "[hold-expired] confirmation not received before hold expiry"

// StatusCancelledByDoctor is the terminal status hold expiry applies.
const StatusCancelledByDoctor = "cancelled_by_doctor"

// ErrNotDue is returned when an appointment is no longer an expirable hold.
var ErrNotDue = errors.New("holds: appointment no longer holding")

// Hold is an appointment with a lapsed hold.
type Hold struct {
	AppointmentID uuid.UUID
	SlotID        *uuid.UUID
	ExpiresAt     time.Time
}

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Report summarises a hold-expiry run.
type Report struct {
	Found    int      `json:"found"`
	Expired  int      `json:"expired"`
	Released int      `json:"slots_released"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Expirer cancels appointments whose hold has passed.
type Expirer struct {
	db        DB
	batchSize int
	now       func() time.Time
	logger    *logging.Logger
}

// NewExpirer creates a hold expirer.
func NewExpirer(db DB, batchSize int, logger *logging.Logger) *Expirer {
	if logger == nil {
		logger = logging.Default()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Expirer{db: db, batchSize: batchSize, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// WithClock overrides the time source.
func (e *Expirer) WithClock(now func() time.Time) *Expirer {
	if now != nil {
		e.now = now
	}
	return e
}

// Due lists appointments with a passed hold and no terminal status.
func (e *Expirer) Due(ctx context.Context, now time.Time) ([]Hold, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, slot_id, hold_expires_at
		FROM appointments
		WHERE hold_expires_at IS NOT NULL AND hold_expires_at <= $1 AND status IS NULL
		ORDER BY hold_expires_at, id
		LIMIT $2`, now, e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("holds: list due: %w", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.AppointmentID, &h.SlotID, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("holds: scan due: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Run expires every due hold, one transaction per appointment. A failing
// appointment is reported and does not stop the others.
func (e *Expirer) Run(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "holds.expire")
	defer span.End()

	now := e.now()
	due, err := e.Due(ctx, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report := &Report{Found: len(due)}
	for _, h := range due {
		released, err := e.Expire(ctx, h, now)
		switch {
		case errors.Is(err, ErrNotDue):
			report.Skipped++
		case err != nil:
			report.Errors = append(report.Errors, fmt.Sprintf("appointment %s: %v", h.AppointmentID, err))
			e.logger.Warn("holds: expire failed", "appointment_id", h.AppointmentID, "error", err)
		default:
			report.Expired++
			if released {
				report.Released++
			}
		}
	}
	span.SetAttributes(attribute.Int("expired", report.Expired))
	if report.Found > 0 {
		e.logger.Info("holds: run complete", "found", report.Found, "expired", report.Expired,
			"released", report.Released, "errors", len(report.Errors))
	}
	return report, nil
}

// Expire cancels one held appointment, frees its slot and records the status
// change, all or nothing. It reports whether the slot was released.
func (e *Expirer) Expire(ctx context.Context, h Hold, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "holds.expire_one",
		trace.WithAttributes(attribute.String("appointment_id", h.AppointmentID.String())))
	defer span.End()

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("holds: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, completion_note = $3, updated_at = $4
		WHERE id = $1 AND status IS NULL AND hold_expires_at <= $4`,
		h.AppointmentID, StatusCancelledByDoctor, ExpiredNote, now)
	if err != nil {
		return false, fmt.Errorf("holds: cancel appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotDue
	}

	released := false
	if h.SlotID != nil {
		if released, err = slots.Release(ctx, tx, *h.SlotID); err != nil {
			return false, err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO appointment_status_events (id, appointment_id, old_status, new_status, note, created_at)
		VALUES ($1, $2, NULL, $3, $4, $5)`,
		uuid.New(), h.AppointmentID, StatusCancelledByDoctor, ExpiredNote, now); err != nil {
		return false, fmt.Errorf("holds: record status event: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.EntityAppointment, h.AppointmentID, outbox.EventHoldExpired); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("holds: commit: %w", err)
	}
	return released, nil
}
