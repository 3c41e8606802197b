package schedulingworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/carepath-scheduler/internal/caches"
	"github.com/wolfman30/carepath-scheduler/internal/intents"
	"github.com/wolfman30/carepath-scheduler/internal/outbox"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("carepath.internal.worker.scheduling")

type eventStore interface {
	FetchResolved(ctx context.Context, limit int) ([]outbox.Resolved, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID) (int64, error)
	MarkFailed(ctx context.Context, ids []uuid.UUID, reason string, base, maxDelay time.Duration) (int64, error)
}

type cacheRefresher interface {
	Refresh(ctx context.Context, episodeID uuid.UUID) (*caches.NextStepRow, *caches.ForecastRow, error)
}

type intentProjector interface {
	ProjectRemainingSteps(ctx context.Context, episodeID uuid.UUID) (*intents.Projection, error)
}

type suggestionComputer interface {
	ComputeAndPersistSuggestion(ctx context.Context, episodeID uuid.UUID) (*stage.Suggestion, error)
}

// Publisher announces refreshed episodes to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Report summarises one drain pass.
type Report struct {
	Fetched     int      `json:"fetched"`
	Orphaned    int      `json:"orphaned"`
	Episodes    int      `json:"episodes"`
	Refreshed   int      `json:"refreshed"`
	Reprojected int      `json:"reprojected"`
	Failed      int      `json:"failed"`
	Processed   int64    `json:"processed"`
	Deferred    int64    `json:"deferred"`
	Errors      []string `json:"errors,omitempty"`
}

// Drainer consumes the scheduling outbox, refreshing the derived caches of
// every episode the pending events touch.
type Drainer struct {
	store     eventStore
	refresher cacheRefresher
	projector intentProjector
	publisher Publisher
	suggester suggestionComputer
	logger    *logging.Logger
	batch     int
	passes    int
	retryBase time.Duration
	retryMax  time.Duration
	now       func() time.Time
}

func NewDrainer(store eventStore, refresher cacheRefresher, projector intentProjector, logger *logging.Logger) *Drainer {
	if store == nil {
		panic("schedulingworker: event store required")
	}
	if refresher == nil {
		panic("schedulingworker: cache refresher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Drainer{
		store:     store,
		refresher: refresher,
		projector: projector,
		logger:    logger,
		batch:     200,
		passes:    10,
		retryBase: 30 * time.Second,
		retryMax:  time.Hour,
		now:       time.Now,
	}
}

func (d *Drainer) WithBatchSize(n int) *Drainer {
	if n > 0 {
		d.batch = n
	}
	return d
}

// WithMaxPasses bounds how many batches Drain reads per invocation.
func (d *Drainer) WithMaxPasses(n int) *Drainer {
	if n > 0 {
		d.passes = n
	}
	return d
}

// WithRetryBackoff sets how long a failed episode's events wait before the
// next attempt. The delay doubles per attempt up to maxDelay.
func (d *Drainer) WithRetryBackoff(base, maxDelay time.Duration) *Drainer {
	if base > 0 {
		d.retryBase = base
	}
	if maxDelay >= d.retryBase {
		d.retryMax = maxDelay
	}
	return d
}

func (d *Drainer) WithPublisher(p Publisher) *Drainer {
	d.publisher = p
	return d
}

// WithSuggestions recomputes the live stage suggestion after each refresh.
func (d *Drainer) WithSuggestions(s suggestionComputer) *Drainer {
	d.suggester = s
	return d
}

func (d *Drainer) WithClock(now func() time.Time) *Drainer {
	if now != nil {
		d.now = now
	}
	return d
}

// Drain runs passes until the outbox is empty, a pass neither acknowledges
// nor defers anything, or the pass limit is reached.
func (d *Drainer) Drain(ctx context.Context) (*Report, error) {
	total := &Report{}
	for i := 0; i < d.passes; i++ {
		rep, err := d.RunOnce(ctx)
		merge(total, rep)
		if err != nil {
			return total, err
		}
		if rep.Fetched < d.batch || rep.Processed+rep.Deferred == 0 {
			break
		}
	}
	return total, nil
}

// RunOnce drains a single batch. Events are acknowledged per episode and only
// after every refresh for that episode succeeded. A failed episode keeps its
// events pending but backs them off, so later events are not starved.
func (d *Drainer) RunOnce(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "outbox.drain_batch",
		trace.WithAttributes(attribute.Int("batch_size", d.batch)))
	defer span.End()

	rep := &Report{}
	events, err := d.store.FetchResolved(ctx, d.batch)
	if err != nil {
		return rep, fmt.Errorf("schedulingworker: fetch events: %w", err)
	}
	rep.Fetched = len(events)
	if len(events) == 0 {
		return rep, nil
	}

	var orphans []uuid.UUID
	var order []uuid.UUID
	groups := make(map[uuid.UUID][]outbox.Resolved)
	for _, ev := range events {
		if ev.EpisodeID == nil {
			orphans = append(orphans, ev.ID)
			continue
		}
		id := *ev.EpisodeID
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], ev)
	}

	if len(orphans) > 0 {
		n, err := d.store.MarkProcessed(ctx, orphans)
		if err != nil {
			return rep, fmt.Errorf("schedulingworker: mark orphans: %w", err)
		}
		rep.Orphaned = len(orphans)
		rep.Processed += n
		d.logger.Warn("schedulingworker: acknowledged events without episode", "count", len(orphans))
	}

	rep.Episodes = len(order)
	for _, episodeID := range order {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		group := groups[episodeID]
		ids := make([]uuid.UUID, 0, len(group))
		for _, ev := range group {
			ids = append(ids, ev.ID)
		}

		reproject, err := d.handle(ctx, episodeID, group)
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", episodeID, err))
			d.logger.Error("schedulingworker: episode refresh failed", "error", err, "episode_id", episodeID, "events", len(group))
			n, markErr := d.store.MarkFailed(ctx, ids, err.Error(), d.retryBase, d.retryMax)
			if markErr != nil {
				return rep, fmt.Errorf("schedulingworker: mark failed: %w", markErr)
			}
			rep.Deferred += n
			continue
		}
		rep.Refreshed++
		if reproject {
			rep.Reprojected++
		}

		n, err := d.store.MarkProcessed(ctx, ids)
		if err != nil {
			return rep, fmt.Errorf("schedulingworker: mark processed: %w", err)
		}
		rep.Processed += n
	}

	span.SetAttributes(attribute.Int("fetched", rep.Fetched), attribute.Int("failed", rep.Failed))
	d.logger.Info("schedulingworker: drain pass complete",
		"fetched", rep.Fetched,
		"episodes", rep.Episodes,
		"refreshed", rep.Refreshed,
		"failed", rep.Failed,
		"processed", rep.Processed,
		"deferred", rep.Deferred,
	)
	return rep, nil
}

func (d *Drainer) handle(ctx context.Context, episodeID uuid.UUID, group []outbox.Resolved) (bool, error) {
	next, forecast, err := d.refresher.Refresh(ctx, episodeID)
	if err != nil {
		return false, err
	}

	reproject := needsReprojection(group)
	if reproject {
		if d.projector == nil {
			return false, errors.New("intent projector not configured")
		}
		if _, err := d.projector.ProjectRemainingSteps(ctx, episodeID); err != nil {
			return false, fmt.Errorf("project intents: %w", err)
		}
	}

	if d.suggester != nil {
		if _, err := d.suggester.ComputeAndPersistSuggestion(ctx, episodeID); err != nil {
			d.logger.Warn("schedulingworker: suggestion recompute failed", "error", err, "episode_id", episodeID)
		}
	}

	if d.publisher != nil {
		n := NewNotification(next, forecast, d.now().UTC())
		if err := d.publisher.Publish(ctx, n); err != nil {
			d.logger.Warn("schedulingworker: refresh notification failed", "error", err, "episode_id", episodeID)
		}
	}
	return reproject, nil
}

func needsReprojection(group []outbox.Resolved) bool {
	for _, ev := range group {
		if ev.EventType == outbox.EventReprojectIntents {
			return true
		}
	}
	return false
}

func merge(dst, src *Report) {
	if src == nil {
		return
	}
	dst.Fetched += src.Fetched
	dst.Orphaned += src.Orphaned
	dst.Episodes += src.Episodes
	dst.Refreshed += src.Refreshed
	dst.Reprojected += src.Reprojected
	dst.Failed += src.Failed
	dst.Processed += src.Processed
	dst.Deferred += src.Deferred
	dst.Errors = append(dst.Errors, src.Errors...)
}
