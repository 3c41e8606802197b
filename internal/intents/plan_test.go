package intents

import (
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

func implantSteps() []pathway.Step {
	return []pathway.Step{
		{Code: "consult", Pool: pathway.PoolConsult, DurationMinutes: 30, DefaultOffsetDays: 7},
		{Code: "impression", Pool: pathway.PoolWork, DurationMinutes: 60, DefaultOffsetDays: 14},
		{Code: "delivery", Pool: pathway.PoolWork, DurationMinutes: 45, DefaultOffsetDays: 30},
	}
}

func baseInputs() ProjectionInputs {
	return ProjectionInputs{
		EpisodeID:      uuid.New(),
		OpenedAt:       day(2024, 1, 1),
		Steps:          implantSteps(),
		TTLAfterWindow: 24 * time.Hour,
		Now:            day(2024, 1, 2),
	}
}

func TestPlanProjectionFreshEpisode(t *testing.T) {
	plan := PlanProjection(baseInputs())

	require.Len(t, plan.Upserts, 3)
	first := plan.Upserts[0]
	assert.Equal(t, "consult", first.StepCode)
	assert.Equal(t, 1, first.StepSeq)
	assert.Equal(t, day(2024, 1, 1), first.Window.Earliest)
	assert.Equal(t, day(2024, 1, 22), first.Window.Latest)
	assert.Equal(t, day(2024, 1, 23), first.ExpiresAt)
	assert.Equal(t, StateOpen, first.State)

	for i := 1; i < len(plan.Upserts); i++ {
		assert.False(t, plan.Upserts[i].Window.Earliest.Before(plan.Upserts[i-1].Window.Latest))
	}
	assert.Equal(t, pathway.ContentHash(implantSteps()), plan.Hash)
	assert.Empty(t, plan.Expire)
}

func TestPlanProjectionSkipsCoveredAndCompletedSteps(t *testing.T) {
	in := baseInputs()
	in.Appointments = []StepAppointment{
		{StepCode: "consult", StepSeq: 1, StartsAt: day(2024, 1, 5), Status: AppointmentCompleted},
		{StepCode: "impression", StepSeq: 2, StartsAt: day(2024, 1, 20)},
	}

	plan := PlanProjection(in)
	require.Len(t, plan.Upserts, 1)
	delivery := plan.Upserts[0]
	assert.Equal(t, "delivery", delivery.StepCode)
	// Anchored on the booked impression, not on a projected window.
	assert.Equal(t, day(2024, 2, 12), delivery.Window.Earliest)
	assert.Equal(t, day(2024, 3, 4), delivery.Window.Latest)
}

func TestPlanProjectionIgnoresCancelledAppointments(t *testing.T) {
	in := baseInputs()
	in.Appointments = []StepAppointment{
		{StepCode: "consult", StepSeq: 1, StartsAt: day(2024, 1, 5), Status: "cancelled_by_doctor"},
		{StepCode: "consult", StepSeq: 1, StartsAt: day(2024, 1, 6), Status: "no_show"},
	}

	plan := PlanProjection(in)
	require.Len(t, plan.Upserts, 3)
	assert.Equal(t, "consult", plan.Upserts[0].StepCode)
}

func TestPlanProjectionExpiresDriftedAndCoveredIntents(t *testing.T) {
	in := baseInputs()
	hash := pathway.ContentHash(in.Steps)
	stale := Intent{ID: uuid.New(), StepCode: "consult", StepSeq: 1, State: StateOpen, SourceHash: "old"}
	covered := Intent{ID: uuid.New(), StepCode: "impression", StepSeq: 2, State: StateOpen, SourceHash: hash}
	current := Intent{ID: uuid.New(), StepCode: "delivery", StepSeq: 3, State: StateOpen, SourceHash: hash}
	converted := Intent{ID: uuid.New(), StepCode: "consult", StepSeq: 1, State: StateConverted, SourceHash: "old"}
	in.Existing = []Intent{stale, covered, current, converted}
	in.Appointments = []StepAppointment{{StepCode: "impression", StepSeq: 2, StartsAt: day(2024, 1, 25)}}

	plan := PlanProjection(in)
	assert.ElementsMatch(t, []uuid.UUID{stale.ID, covered.ID}, plan.Expire)
}

func TestPlanProjectionPastExpiryUpsertsExpired(t *testing.T) {
	in := baseInputs()
	in.Now = day(2024, 1, 24)

	plan := PlanProjection(in)
	require.Len(t, plan.Upserts, 3)
	assert.Equal(t, StateExpired, plan.Upserts[0].State)
	assert.Equal(t, StateOpen, plan.Upserts[1].State)
}

func TestPlanProjectionCompletedPathwayPlansNothing(t *testing.T) {
	in := baseInputs()
	in.Appointments = []StepAppointment{
		{StepCode: "delivery", StepSeq: 3, StartsAt: day(2024, 3, 1), Status: AppointmentCompleted},
	}
	plan := PlanProjection(in)
	assert.Empty(t, plan.Upserts)
}

func TestPlanProjectionFollowsEpisodeSteps(t *testing.T) {
	in := baseInputs()
	in.EpisodeSteps = make([]pathway.EpisodeStep, 0, 3)
	for i, s := range implantSteps() {
		in.EpisodeSteps = append(in.EpisodeSteps, pathway.EpisodeStep{
			ID: uuid.New(), EpisodeID: in.EpisodeID, Seq: i + 1, Step: s, Status: pathway.StepPending,
		})
	}
	done := day(2024, 1, 20)
	in.EpisodeSteps[0].Status = pathway.StepCompleted
	in.EpisodeSteps[0].CompletedAt = &done
	consult := Intent{ID: uuid.New(), StepCode: "consult", StepSeq: 1, State: StateOpen,
		SourceHash: pathway.ContentHash(implantSteps())}
	in.Existing = []Intent{consult}

	plan := PlanProjection(in)

	expansion := nextstep.AllPending(&nextstep.Inputs{
		EpisodeID: in.EpisodeID, OpenedAt: in.OpenedAt, EpisodeSteps: in.EpisodeSteps,
	})
	require.Len(t, plan.Upserts, len(expansion.Steps))
	for i, p := range expansion.Steps {
		assert.Equal(t, p.Seq, plan.Upserts[i].StepSeq)
		assert.Equal(t, p.Step.Code, plan.Upserts[i].StepCode)
		assert.Equal(t, p.Window, plan.Upserts[i].Window)
	}
	assert.Equal(t, day(2024, 1, 27), plan.Upserts[0].Window.Earliest)
	assert.Equal(t, day(2024, 2, 17), plan.Upserts[0].Window.Latest)
	assert.Equal(t, day(2024, 3, 11), plan.Upserts[1].Window.Earliest)
	assert.Equal(t, day(2024, 4, 1), plan.Upserts[1].Window.Latest)
	assert.Equal(t, []uuid.UUID{consult.ID}, plan.Expire)
}

func TestPlanProjectionKeepsEpisodeStepSeqs(t *testing.T) {
	in := baseInputs()
	steps := implantSteps()
	in.EpisodeSteps = []pathway.EpisodeStep{
		{Seq: 20, Step: steps[2], Status: pathway.StepPending},
		{Seq: 10, Step: steps[1], Status: pathway.StepPending},
	}
	in.Appointments = []StepAppointment{{StepCode: "delivery", StepSeq: 20, StartsAt: day(2024, 2, 1)}}

	plan := PlanProjection(in)
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, "impression", plan.Upserts[0].StepCode)
	assert.Equal(t, 10, plan.Upserts[0].StepSeq)
	assert.Equal(t, pathway.ContentHash([]pathway.Step{steps[1], steps[2]}), plan.Hash)
}

func TestPlanProjectionUsesClinicDate(t *testing.T) {
	cet := time.FixedZone("CET", 60*60)
	in := baseInputs()
	in.OpenedAt = time.Date(2024, 1, 9, 23, 30, 0, 0, time.UTC)
	in.Location = cet

	plan := PlanProjection(in)
	require.NotEmpty(t, plan.Upserts)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, cet), plan.Upserts[0].Window.Earliest)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, cet), plan.Upserts[0].Window.Latest)
}
