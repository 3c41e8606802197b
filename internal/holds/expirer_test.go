package holds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectExpire(mock pgxmock.PgxPoolIface, id, slotID uuid.UUID, now time.Time) {
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments").
		WithArgs(id, StatusCancelledByDoctor, ExpiredNote, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE time_slots SET state = 'free'").WithArgs(slotID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO appointment_status_events").
		WithArgs(pgxmock.AnyArg(), id, StatusCancelledByDoctor, ExpiredNote, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO scheduling_events").
		WithArgs(pgxmock.AnyArg(), "appointment", id, "HOLD_EXPIRED").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()
}

func TestExpirerRunIsolatesFailures(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC)
	first, second, third := uuid.New(), uuid.New(), uuid.New()
	slotA, slotB, slotC := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery("FROM appointments").WithArgs(now, 500).
		WillReturnRows(pgxmock.NewRows([]string{"id", "slot_id", "hold_expires_at"}).
			AddRow(first, &slotA, now.Add(-time.Hour)).
			AddRow(second, &slotB, now.Add(-time.Minute)).
			AddRow(third, &slotC, now.Add(-time.Second)))

	expectExpire(mock, first, slotA, now)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments").
		WithArgs(second, StatusCancelledByDoctor, ExpiredNote, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE time_slots SET state = 'free'").WithArgs(slotB).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	expectExpire(mock, third, slotC, now)

	report, err := NewExpirer(mock, 0, nil).WithClock(func() time.Time { return now }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Found)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 2, report.Released)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], second.String())
}

func TestExpireSkipsAppointmentThatMovedOn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appointments").
		WithArgs(id, StatusCancelledByDoctor, ExpiredNote, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err = NewExpirer(mock, 10, nil).Expire(context.Background(), Hold{AppointmentID: id}, now)
	assert.ErrorIs(t, err, ErrNotDue)
	assert.NoError(t, mock.ExpectationsWereMet())
}
