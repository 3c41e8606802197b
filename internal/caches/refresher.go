package caches

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

var tracer = otel.Tracer("carepath.internal.caches")

// Engine answers next-step questions. *nextstep.Engine implements it.
type Engine interface {
	NextRequiredStep(ctx context.Context, episodeID uuid.UUID) (*nextstep.Result, error)
	AllPendingSteps(ctx context.Context, episodeID uuid.UUID) (*nextstep.Expansion, error)
}

// Capacity counts bookable slots. *slots.Store implements it.
type Capacity interface {
	CountFreeInWindow(ctx context.Context, pool pathway.Pool, w pathway.Window) (int, error)
}

// Writer persists cache rows. *Store implements it.
type Writer interface {
	UpsertNextStep(ctx context.Context, row *NextStepRow) error
	UpsertForecast(ctx context.Context, row *ForecastRow) error
}

// Refresher recomputes an episode's cache rows from current truth.
type Refresher struct {
	engine   Engine
	capacity Capacity
	writer   Writer
	now      func() time.Time
	logger   *logging.Logger
}

// NewRefresher creates a refresher. A nil capacity skips the work-pool check.
func NewRefresher(engine Engine, capacity Capacity, writer Writer, logger *logging.Logger) *Refresher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Refresher{
		engine:   engine,
		capacity: capacity,
		writer:   writer,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	if now != nil {
		r.now = now
	}
	return r
}

// RefreshNextStep recomputes and overwrites the next-step row. A ready
// work-pool step whose window has no free capacity is cached as blocked.
func (r *Refresher) RefreshNextStep(ctx context.Context, episodeID uuid.UUID) (*NextStepRow, error) {
	ctx, span := tracer.Start(ctx, "caches.refresh_next_step",
		trace.WithAttributes(attribute.String("episode_id", episodeID.String())))
	defer span.End()

	res, err := r.engine.NextRequiredStep(ctx, episodeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.needsCapacityCheck(res) {
		free, err := r.capacity.CountFreeInWindow(ctx, pathway.PoolWork, *res.Window)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if free == 0 {
			res.Block(nextstep.ReasonNoWorkCapacity)
		}
	}

	row := NextStepRowFrom(res, r.now())
	if err := r.writer.UpsertNextStep(ctx, row); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return row, nil
}

func (r *Refresher) needsCapacityCheck(res *nextstep.Result) bool {
	return r.capacity != nil && res.Ready() && !res.PathwayComplete &&
		res.Step != nil && res.Step.Pool == pathway.PoolWork && res.Window != nil
}

// RefreshForecast recomputes and overwrites the forecast row.
func (r *Refresher) RefreshForecast(ctx context.Context, episodeID uuid.UUID) (*ForecastRow, error) {
	ctx, span := tracer.Start(ctx, "caches.refresh_forecast",
		trace.WithAttributes(attribute.String("episode_id", episodeID.String())))
	defer span.End()

	exp, err := r.engine.AllPendingSteps(ctx, episodeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	row := ForecastFrom(exp, r.now())
	if err := r.writer.UpsertForecast(ctx, row); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return row, nil
}

// Refresh recomputes both rows for an episode.
func (r *Refresher) Refresh(ctx context.Context, episodeID uuid.UUID) (*NextStepRow, *ForecastRow, error) {
	next, err := r.RefreshNextStep(ctx, episodeID)
	if err != nil {
		return nil, nil, err
	}
	forecast, err := r.RefreshForecast(ctx, episodeID)
	if err != nil {
		return nil, nil, err
	}
	r.logger.Debug("caches: refreshed", "episode_id", episodeID,
		"status", next.Status, "step", next.StepCode, "remaining_visits", forecast.RemainingVisits)
	return next, forecast, nil
}
