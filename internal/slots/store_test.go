package slots

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

func TestCountFreeInWindowUsesInclusiveEnd(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	w := pathway.ComputeWindow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 14)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM time_slots`).
		WithArgs("work", w.Earliest, w.Latest.AddDate(0, 0, 1)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := NewStore(mock).CountFreeInWindow(context.Background(), pathway.PoolWork, w)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountFreeByPurpose(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	from := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 6)
	mock.ExpectQuery("GROUP BY").WithArgs(from, to).
		WillReturnRows(pgxmock.NewRows([]string{"purpose", "count"}).
			AddRow("consult", 3).AddRow("flexible", 9).AddRow("work", 1))

	counts, err := NewStore(mock).CountFreeByPurpose(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[PurposeConsult])
	assert.Equal(t, 9, counts[PurposeFlexible])
	assert.Equal(t, 0, counts[PurposeControl])
}

func TestRetagGuardsExpectedState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE time_slots SET purpose").
		WithArgs("work", id, "flexible").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := NewStore(mock).Retag(context.Background(), id, "", PurposeWork)
	require.NoError(t, err)
	assert.False(t, ok, "slot booked concurrently must not be retagged")
}

func TestReleaseOnlyTouchesHeld(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec(`WHERE id = \$1 AND state = 'held'`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := Release(context.Background(), mock, id)
	require.NoError(t, err)
	assert.True(t, ok)
}
