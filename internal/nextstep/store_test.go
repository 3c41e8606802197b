package nextstep

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

var (
	attachmentColumns = []string{"ordinal", "id", "name", "version", "treatment_type",
		"code", "label", "pool", "duration_minutes", "default_offset_days",
		"requires_precommit", "optional", "phase"}
	episodeStepColumns = []string{"id", "episode_id", "seq", "code", "label", "pool",
		"duration_minutes", "default_offset_days", "requires_precommit", "optional",
		"phase", "status", "completed_at"}
)

func TestStoreInputs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	episodeID, pathwayID := uuid.New(), uuid.New()
	opened := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	completed := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM episodes e").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"opened_at", "stage"}).AddRow(opened, "STAGE_2"))
	mock.ExpectQuery("FROM episode_pathways").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows(attachmentColumns).
			AddRow(1, pathwayID, "implant", 1, "implant", "consult", "Consult", "consult", 30, 7, false, false, "").
			AddRow(1, pathwayID, "implant", 1, "implant", "surgery", "Surgery", "work", 90, 14, false, false, "surgical"))
	mock.ExpectQuery("FROM episode_steps").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows(episodeStepColumns).
			AddRow(uuid.New(), episodeID, 1, "consult", "Consult", "consult", 30, 7, false, false, "", "completed", &completed).
			AddRow(uuid.New(), episodeID, 2, "surgery", "Surgery", "work", 90, 14, false, false, "surgical", "pending", nil))
	mock.ExpectQuery("FROM appointments").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"starts_at"}).AddRow(completed))
	mock.ExpectQuery("FROM episode_blocks").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"block_key"}))

	in, err := NewStore(mock).Inputs(context.Background(), episodeID)
	require.NoError(t, err)
	assert.Equal(t, opened, in.OpenedAt)
	assert.Equal(t, stage.Stage2, in.CurrentStage)
	assert.Len(t, in.Steps, 2)
	require.Len(t, in.EpisodeSteps, 2)
	assert.Equal(t, pathway.StepCompleted, in.EpisodeSteps[0].Status)
	assert.Equal(t, pathway.PhaseSurgical, in.EpisodeSteps[1].Step.Phase)
	assert.Equal(t, []time.Time{completed}, in.CompletedAppointments)
	assert.Empty(t, in.BlockKeys)

	res := Resolve(in)
	assert.Equal(t, "surgery", res.Step.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreInputsWithoutPathway(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	episodeID := uuid.New()
	mock.ExpectQuery("FROM episodes e").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"opened_at", "stage"}).AddRow(time.Now(), "STAGE_0"))
	mock.ExpectQuery("FROM episode_pathways").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows(attachmentColumns))
	mock.ExpectQuery("FROM episode_steps").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows(episodeStepColumns))
	mock.ExpectQuery("FROM appointments").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"starts_at"}))
	mock.ExpectQuery("FROM episode_blocks").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"block_key"}).AddRow("awaiting_xray"))

	in, err := NewStore(mock).Inputs(context.Background(), episodeID)
	require.NoError(t, err)
	assert.Empty(t, in.Steps)
	assert.Equal(t, []string{"awaiting_xray"}, in.BlockKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreInputsMissingEpisode(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	episodeID := uuid.New()
	mock.ExpectQuery("FROM episodes e").WithArgs(episodeID).
		WillReturnRows(pgxmock.NewRows([]string{"opened_at", "stage"}))

	_, err = NewStore(mock).Inputs(context.Background(), episodeID)
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestStoreBatchInputs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a, b, gone := uuid.New(), uuid.New(), uuid.New()
	ids := []uuid.UUID{a, b, gone}
	pathwayID := uuid.New()
	opened := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM episodes e").WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"id", "opened_at", "stage"}).
			AddRow(a, opened, "STAGE_0").
			AddRow(b, opened, "STAGE_3"))
	mock.ExpectQuery("FROM episode_pathways").WithArgs(ids).
		WillReturnRows(pgxmock.NewRows(append([]string{"episode_id"}, attachmentColumns...)).
			AddRow(a, 1, pathwayID, "implant", 1, "implant", "consult", "Consult", "consult", 30, 7, false, false, "").
			AddRow(b, 1, pathwayID, "implant", 1, "implant", "consult", "Consult", "consult", 30, 7, false, false, "").
			AddRow(b, 1, pathwayID, "implant", 1, "implant", "surgery", "Surgery", "work", 90, 14, false, false, "surgical"))
	mock.ExpectQuery("FROM episode_steps").WithArgs(ids).
		WillReturnRows(pgxmock.NewRows(episodeStepColumns))
	mock.ExpectQuery("FROM appointments").WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"episode_id", "starts_at"}).
			AddRow(b, opened.AddDate(0, 0, 5)))
	mock.ExpectQuery("FROM episode_blocks").WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"episode_id", "block_key"}))

	engine := NewEngine(NewStore(mock), nil)
	out, err := engine.ExpandBatch(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Len(t, out[a].Steps, 1)
	require.Len(t, out[b].Steps, 1)
	assert.Equal(t, "surgery", out[b].Steps[0].Step.Code)
	assert.NotContains(t, out, gone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
