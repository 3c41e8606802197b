package caches

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type stubEngine struct {
	inputs *nextstep.Inputs
}

func (s *stubEngine) NextRequiredStep(context.Context, uuid.UUID) (*nextstep.Result, error) {
	return nextstep.Resolve(s.inputs), nil
}

func (s *stubEngine) AllPendingSteps(context.Context, uuid.UUID) (*nextstep.Expansion, error) {
	return nextstep.AllPending(s.inputs), nil
}

type stubCapacity struct {
	free  int
	calls int
}

func (s *stubCapacity) CountFreeInWindow(context.Context, pathway.Pool, pathway.Window) (int, error) {
	s.calls++
	return s.free, nil
}

type memoryWriter struct {
	next     map[uuid.UUID]*NextStepRow
	forecast map[uuid.UUID]*ForecastRow
}

func newMemoryWriter() *memoryWriter {
	return &memoryWriter{next: map[uuid.UUID]*NextStepRow{}, forecast: map[uuid.UUID]*ForecastRow{}}
}

func (m *memoryWriter) UpsertNextStep(_ context.Context, row *NextStepRow) error {
	m.next[row.EpisodeID] = row
	return nil
}

func (m *memoryWriter) UpsertForecast(_ context.Context, row *ForecastRow) error {
	m.forecast[row.EpisodeID] = row
	return nil
}

func workFirstInputs() *nextstep.Inputs {
	return &nextstep.Inputs{
		EpisodeID:    uuid.New(),
		OpenedAt:     day(2024, 1, 1),
		CurrentStage: "STAGE_3",
		Steps: []pathway.Step{
			{Code: "surgery", Label: "Surgery", Pool: pathway.PoolWork, DurationMinutes: 90, DefaultOffsetDays: 14},
			{Code: "control", Label: "Control", Pool: pathway.PoolControl, DurationMinutes: 20, DefaultOffsetDays: 10},
		},
	}
}

func TestRefreshNextStepBlocksWithoutWorkCapacity(t *testing.T) {
	in := workFirstInputs()
	capacity := &stubCapacity{free: 0}
	writer := newMemoryWriter()
	r := NewRefresher(&stubEngine{inputs: in}, capacity, writer, nil)

	row, err := r.RefreshNextStep(context.Background(), in.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, nextstep.StatusBlocked, row.Status)
	assert.Equal(t, nextstep.ReasonNoWorkCapacity, row.Reason)
	assert.Equal(t, "surgery", row.StepCode)
	assert.Same(t, row, writer.next[in.EpisodeID])
	assert.Equal(t, 1, capacity.calls)
}

func TestRefreshNextStepReadyWithCapacity(t *testing.T) {
	in := workFirstInputs()
	r := NewRefresher(&stubEngine{inputs: in}, &stubCapacity{free: 3}, newMemoryWriter(), nil)

	row, err := r.RefreshNextStep(context.Background(), in.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, nextstep.StatusReady, row.Status)
	require.NotNil(t, row.Earliest)
	assert.Equal(t, day(2024, 1, 8), *row.Earliest)
}

func TestRefreshNextStepSkipsCapacityForOtherPools(t *testing.T) {
	in := workFirstInputs()
	in.Steps[0].Pool = pathway.PoolConsult
	capacity := &stubCapacity{}
	r := NewRefresher(&stubEngine{inputs: in}, capacity, newMemoryWriter(), nil)

	row, err := r.RefreshNextStep(context.Background(), in.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, nextstep.StatusReady, row.Status)
	assert.Zero(t, capacity.calls)
}

func TestRefreshIsLastWriteWins(t *testing.T) {
	in := workFirstInputs()
	writer := newMemoryWriter()
	capacity := &stubCapacity{free: 0}
	r := NewRefresher(&stubEngine{inputs: in}, capacity, writer, nil).
		WithClock(func() time.Time { return day(2024, 1, 2) })

	_, _, err := r.Refresh(context.Background(), in.EpisodeID)
	require.NoError(t, err)
	capacity.free = 5
	_, _, err = r.Refresh(context.Background(), in.EpisodeID)
	require.NoError(t, err)

	assert.Equal(t, nextstep.StatusReady, writer.next[in.EpisodeID].Status)
	forecast := writer.forecast[in.EpisodeID]
	assert.Equal(t, 2, forecast.RemainingVisits)
	assert.Equal(t, 110, forecast.RemainingMinutes)
	assert.Zero(t, forecast.OverdueDays)
}

func TestForecastOverdueDays(t *testing.T) {
	exp := nextstep.AllPending(workFirstInputs())
	// First window closes 2024-01-29.
	row := ForecastFrom(exp, time.Date(2024, 2, 3, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, 5, row.OverdueDays)
	require.NotNil(t, row.ProjectedCompletion)
	assert.Equal(t, day(2024, 2, 22), *row.ProjectedCompletion)
}

func TestItemKeyIsDeterministic(t *testing.T) {
	id := uuid.MustParse("2b1f3c1e-0a4c-4c55-9a4e-2a1d8f3e9b10")
	a := ItemKey(id, "surgery", day(2024, 1, 8), day(2024, 1, 29), nextstep.StatusReady)
	b := ItemKey(id, "surgery", day(2024, 1, 8), day(2024, 1, 29), nextstep.StatusReady)
	c := ItemKey(id, "surgery", day(2024, 1, 8), day(2024, 1, 29), nextstep.StatusBlocked)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
