package stage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	facts       map[uuid.UUID]*RawFacts
	live        map[uuid.UUID]*Suggestion
	dismissals  map[string]time.Time
	log         []Suggestion
	transitions []Event
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		facts:      map[uuid.UUID]*RawFacts{},
		live:       map[uuid.UUID]*Suggestion{},
		dismissals: map[string]time.Time{},
	}
}

func (m *memoryRepo) Facts(_ context.Context, id uuid.UUID) (*RawFacts, error) {
	return m.facts[id], nil
}

func (m *memoryRepo) Live(_ context.Context, id uuid.UUID) (*Suggestion, error) {
	return m.live[id], nil
}

func (m *memoryRepo) IsDismissed(_ context.Context, id uuid.UUID, key string, now time.Time) (bool, error) {
	until, ok := m.dismissals[id.String()+key]
	return ok && until.After(now), nil
}

func (m *memoryRepo) SaveSuggestion(_ context.Context, sg *Suggestion) (bool, error) {
	if cur, ok := m.live[sg.EpisodeID]; ok && cur.DedupeKey == sg.DedupeKey && cur.SnapshotVersion == sg.SnapshotVersion {
		return false, nil
	}
	cp := *sg
	m.live[sg.EpisodeID] = &cp
	m.log = append(m.log, cp)
	return true, nil
}

func (m *memoryRepo) Dismiss(_ context.Context, id uuid.UUID, key string, until time.Time) error {
	m.dismissals[id.String()+key] = until
	if cur, ok := m.live[id]; ok && cur.DedupeKey == key {
		delete(m.live, id)
	}
	return nil
}

func (m *memoryRepo) ClearSuggestion(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := m.live[id]
	delete(m.live, id)
	return ok, nil
}

func (m *memoryRepo) RecordTransition(_ context.Context, id uuid.UUID, to Code, actor string, at time.Time) (*Event, error) {
	ev := Event{ID: uuid.New(), EpisodeID: id, Stage: to, OccurredAt: at, Actor: actor}
	m.transitions = append(m.transitions, ev)
	delete(m.live, id)
	if f := m.facts[id]; f != nil {
		f.CurrentStage = to
		f.Version++
	}
	return &ev, nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestService(repo *memoryRepo, clock *fakeClock) *Service {
	reducer := NewReducer(staticRules{set: implantRules()}, nil)
	return NewService(repo, reducer, nil).WithClock(clock.Now)
}

func TestComputeAndPersistSuggestionIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := newTestService(repo, clock)
	id := uuid.New()
	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage0, ConsultAppointmentCompleted: true}

	first, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, Stage1, first.ToStage)

	second, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.DedupeKey, second.DedupeKey)
	assert.Len(t, repo.log, 1, "unchanged suggestion must not append audit rows")
}

func TestDismissSuppressesUntilTTLExpires(t *testing.T) {
	repo := newMemoryRepo()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := newTestService(repo, clock)
	id := uuid.New()
	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage0, ConsultAppointmentCompleted: true}

	sg, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sg)

	until, err := svc.DismissSuggestion(context.Background(), id, sg.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(DefaultDismissTTL), until)

	clock.now = clock.now.Add(13 * 24 * time.Hour)
	again, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, again)
	live, _ := svc.LiveSuggestion(context.Background(), id)
	assert.Nil(t, live)

	clock.now = clock.now.Add(2 * 24 * time.Hour)
	after, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, sg.DedupeKey, after.DedupeKey)
}

func TestChangedFactsProduceNewKeyDespiteDismissal(t *testing.T) {
	repo := newMemoryRepo()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := newTestService(repo, clock)
	id := uuid.New()
	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage1, TreatmentPlanExists: true, OfferExists: true}

	sg, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	_, err = svc.DismissSuggestion(context.Background(), id, sg.DedupeKey)
	require.NoError(t, err)

	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage1, OfferAccepted: true}
	next, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, Stage3, next.ToStage)
	assert.NotEqual(t, sg.DedupeKey, next.DedupeKey)
}

func TestComputeClearsSuggestionOnceRuleStopsMatching(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)})
	id := uuid.New()
	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage0, ConsultAppointmentCompleted: true}

	sg, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sg)
	require.Contains(t, repo.live, id)

	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage0}
	none, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.NotContains(t, repo.live, id)
}

func TestComputeForClosedEpisode(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeClock{now: time.Now()})
	id := uuid.New()
	repo.facts[id] = &RawFacts{EpisodeID: id, Open: false, ConsultAppointmentCompleted: true}

	sg, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, sg)
}

func TestAcceptSuggestionRecordsTransitionAndClears(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)})
	id := uuid.New()
	repo.facts[id] = &RawFacts{EpisodeID: id, Open: true, CurrentStage: Stage0, ConsultAppointmentCompleted: true}

	_, err := svc.ComputeAndPersistSuggestion(context.Background(), id)
	require.NoError(t, err)

	ev, err := svc.AcceptSuggestion(context.Background(), id, "dr.who")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, Stage1, ev.Stage)
	assert.Empty(t, repo.live)

	none, err := svc.AcceptSuggestion(context.Background(), id, "dr.who")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDismissRequiresKey(t *testing.T) {
	svc := newTestService(newMemoryRepo(), &fakeClock{now: time.Now()})
	_, err := svc.DismissSuggestion(context.Background(), uuid.New(), "")
	assert.Error(t, err)
}
