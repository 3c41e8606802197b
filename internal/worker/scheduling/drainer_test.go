package schedulingworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carepath-scheduler/internal/caches"
	"github.com/wolfman30/carepath-scheduler/internal/intents"
	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/outbox"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

type fakeEventStore struct {
	events   []outbox.Resolved
	marked   [][]uuid.UUID
	backoff  map[uuid.UUID]bool
	fetchErr error
}

func (f *fakeEventStore) FetchResolved(ctx context.Context, limit int) ([]outbox.Resolved, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []outbox.Resolved
	for _, ev := range f.events {
		if len(out) == limit {
			break
		}
		if !f.backoff[ev.ID] {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEventStore) MarkFailed(ctx context.Context, ids []uuid.UUID, reason string, base, maxDelay time.Duration) (int64, error) {
	if f.backoff == nil {
		f.backoff = make(map[uuid.UUID]bool)
	}
	for _, id := range ids {
		f.backoff[id] = true
	}
	return int64(len(ids)), nil
}

func (f *fakeEventStore) MarkProcessed(ctx context.Context, ids []uuid.UUID) (int64, error) {
	f.marked = append(f.marked, ids)
	done := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	kept := f.events[:0]
	for _, ev := range f.events {
		if !done[ev.ID] {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return int64(len(ids)), nil
}

type fakeRefresher struct {
	calls []uuid.UUID
	fail  map[uuid.UUID]error
}

func (f *fakeRefresher) Refresh(ctx context.Context, id uuid.UUID) (*caches.NextStepRow, *caches.ForecastRow, error) {
	f.calls = append(f.calls, id)
	if err := f.fail[id]; err != nil {
		return nil, nil, err
	}
	return &caches.NextStepRow{EpisodeID: id, Status: nextstep.StatusReady, StepCode: "WORK_1"},
		&caches.ForecastRow{EpisodeID: id, Status: nextstep.StatusReady, RemainingVisits: 2}, nil
}

type fakeProjector struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeProjector) ProjectRemainingSteps(ctx context.Context, id uuid.UUID) (*intents.Projection, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &intents.Projection{EpisodeID: id}, nil
}

type fakePublisher struct {
	sent []Notification
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, n Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func event(episode *uuid.UUID, typ outbox.EventType, at time.Time) outbox.Resolved {
	return outbox.Resolved{
		Event: outbox.Event{
			ID:         uuid.New(),
			EntityType: outbox.EntityEpisode,
			EntityID:   uuid.New(),
			EventType:  typ,
			CreatedAt:  at,
		},
		EpisodeID: episode,
	}
}

func TestRunOnceLeavesFailedEpisodePending(t *testing.T) {
	episode := uuid.New()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&episode, outbox.EventCreated, base),
		event(&episode, outbox.EventUpdated, base.Add(time.Minute)),
		event(&episode, outbox.EventUpdated, base.Add(2*time.Minute)),
	}}
	refresher := &fakeRefresher{fail: map[uuid.UUID]error{episode: errors.New("db down")}}

	d := NewDrainer(store, refresher, &fakeProjector{}, nil)
	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Fetched)
	assert.Equal(t, 1, rep.Failed)
	assert.EqualValues(t, 0, rep.Processed)
	assert.EqualValues(t, 3, rep.Deferred)
	assert.Empty(t, store.marked)
	assert.Len(t, store.events, 3)
	assert.Len(t, store.backoff, 3)
	assert.Len(t, refresher.calls, 1, "one refresh per episode, not per event")
}

func TestRunOnceGroupsByEpisodeOldestFirst(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&second, outbox.EventCreated, base),
		event(&first, outbox.EventUpdated, base.Add(time.Minute)),
		event(&second, outbox.EventUpdated, base.Add(2*time.Minute)),
	}}
	refresher := &fakeRefresher{}
	publisher := &fakePublisher{}

	d := NewDrainer(store, refresher, &fakeProjector{}, nil).WithPublisher(publisher)
	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{second, first}, refresher.calls)
	assert.Equal(t, 2, rep.Episodes)
	assert.Equal(t, 2, rep.Refreshed)
	assert.EqualValues(t, 3, rep.Processed)
	assert.Empty(t, store.events)
	require.Len(t, publisher.sent, 2)
	assert.Equal(t, NotificationCachesRefreshed, publisher.sent[0].Type)
	assert.Equal(t, second, publisher.sent[0].EpisodeID)
	assert.Equal(t, 2, publisher.sent[0].RemainingVisits)
}

func TestRunOnceAcknowledgesOrphans(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	orphan := event(nil, outbox.EventDeleted, base)
	store := &fakeEventStore{events: []outbox.Resolved{orphan}}
	refresher := &fakeRefresher{}

	rep, err := NewDrainer(store, refresher, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Orphaned)
	assert.EqualValues(t, 1, rep.Processed)
	assert.Empty(t, refresher.calls)
	require.Len(t, store.marked, 1)
	assert.Equal(t, []uuid.UUID{orphan.ID}, store.marked[0])
}

func TestRunOnceReprojectsIntents(t *testing.T) {
	episode, other := uuid.New(), uuid.New()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&episode, outbox.EventUpdated, base),
		event(&episode, outbox.EventReprojectIntents, base.Add(time.Minute)),
		event(&other, outbox.EventUpdated, base.Add(2*time.Minute)),
	}}
	projector := &fakeProjector{}

	rep, err := NewDrainer(store, &fakeRefresher{}, projector, nil).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{episode}, projector.calls)
	assert.Equal(t, 1, rep.Reprojected)
	assert.EqualValues(t, 3, rep.Processed)
}

func TestRunOnceProjectionFailureKeepsEvents(t *testing.T) {
	episode := uuid.New()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&episode, outbox.EventReprojectIntents, base),
	}}
	projector := &fakeProjector{err: intents.ErrLockHeld}

	rep, err := NewDrainer(store, &fakeRefresher{}, projector, nil).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, store.events, 1)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "project intents")
}

func TestRunOncePublishFailureIsNotFatal(t *testing.T) {
	episode := uuid.New()
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&episode, outbox.EventUpdated, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
	}}
	publisher := &fakePublisher{err: errors.New("queue unavailable")}

	rep, err := NewDrainer(store, &fakeRefresher{}, nil, nil).WithPublisher(publisher).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Failed)
	assert.EqualValues(t, 1, rep.Processed)
}

func TestRunOnceFetchError(t *testing.T) {
	store := &fakeEventStore{fetchErr: errors.New("boom")}
	_, err := NewDrainer(store, &fakeRefresher{}, nil, nil).RunOnce(context.Background())
	require.Error(t, err)
}

func TestDrainStopsOnceFailedEventsBackOff(t *testing.T) {
	episode := uuid.New()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&episode, outbox.EventUpdated, base),
		event(&episode, outbox.EventUpdated, base.Add(time.Minute)),
	}}
	refresher := &fakeRefresher{fail: map[uuid.UUID]error{episode: errors.New("still failing")}}

	rep, err := NewDrainer(store, refresher, nil, nil).WithBatchSize(2).WithMaxPasses(5).Drain(context.Background())
	require.NoError(t, err)

	assert.Len(t, refresher.calls, 1)
	assert.Equal(t, 1, rep.Failed)
}

func TestDrainGetsPastAFailingEpisode(t *testing.T) {
	failing, healthy := uuid.New(), uuid.New()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&failing, outbox.EventUpdated, base),
		event(&failing, outbox.EventUpdated, base.Add(time.Minute)),
		event(&healthy, outbox.EventUpdated, base.Add(2*time.Minute)),
	}}
	refresher := &fakeRefresher{fail: map[uuid.UUID]error{failing: errors.New("bad pathway")}}

	rep, err := NewDrainer(store, refresher, nil, nil).WithBatchSize(2).Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{failing, healthy}, refresher.calls)
	assert.EqualValues(t, 1, rep.Processed)
	assert.EqualValues(t, 2, rep.Deferred)
	require.Len(t, store.events, 2)
	assert.Equal(t, failing, *store.events[0].EpisodeID)
}

func TestDrainReadsSeveralBatches(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var events []outbox.Resolved
	for i := 0; i < 5; i++ {
		id := uuid.New()
		events = append(events, event(&id, outbox.EventUpdated, base.Add(time.Duration(i)*time.Minute)))
	}
	store := &fakeEventStore{events: events}

	rep, err := NewDrainer(store, &fakeRefresher{}, nil, nil).WithBatchSize(2).Drain(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 5, rep.Processed)
	assert.Equal(t, 5, rep.Refreshed)
	assert.Empty(t, store.events)
}

type fakeSuggester struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeSuggester) ComputeAndPersistSuggestion(ctx context.Context, id uuid.UUID) (*stage.Suggestion, error) {
	f.calls = append(f.calls, id)
	return nil, f.err
}

func TestRunOnceRecomputesSuggestionsWithoutFailingEpisode(t *testing.T) {
	episode := uuid.New()
	store := &fakeEventStore{events: []outbox.Resolved{
		event(&episode, outbox.EventUpdated, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
	}}
	suggester := &fakeSuggester{err: errors.New("rules unavailable")}

	rep, err := NewDrainer(store, &fakeRefresher{}, nil, nil).WithSuggestions(suggester).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{episode}, suggester.calls)
	assert.EqualValues(t, 1, rep.Processed)
}
