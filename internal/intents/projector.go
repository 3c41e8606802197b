package intents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

var tracer = otel.Tracer("carepath.internal.intents")

// Repository is the persistence the projector needs. *Store implements it.
type Repository interface {
	LoadProjection(ctx context.Context, episodeID uuid.UUID) (ProjectionInputs, bool, error)
	Apply(ctx context.Context, episodeID uuid.UUID, plan Plan, now time.Time) (int64, int64, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// ProjectorConfig tunes the projector.
type ProjectorConfig struct {
	TTLAfterWindow time.Duration
	LockTTL        time.Duration
}

// Projection summarises one projection run.
type Projection struct {
	EpisodeID uuid.UUID `json:"episode_id"`
	Hash      string    `json:"source_hash"`
	Planned   int       `json:"planned"`
	Expired   int64     `json:"expired"`
	Written   int64     `json:"written"`
}

// Projector keeps an episode's intents in line with its remaining steps.
type Projector struct {
	repo   Repository
	locker Locker
	cfg    ProjectorConfig
	now    func() time.Time
	logger *logging.Logger
}

// NewProjector creates a projector. A nil locker falls back to an in-process
// keyed mutex.
func NewProjector(repo Repository, locker Locker, cfg ProjectorConfig, logger *logging.Logger) *Projector {
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if cfg.TTLAfterWindow <= 0 {
		cfg.TTLAfterWindow = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Projector{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock overrides the time source.
func (p *Projector) WithClock(now func() time.Time) *Projector {
	if now != nil {
		p.now = now
	}
	return p
}

// ProjectRemainingSteps recomputes an episode's intents under the episode
// lock. Closed episodes are left alone.
func (p *Projector) ProjectRemainingSteps(ctx context.Context, episodeID uuid.UUID) (*Projection, error) {
	ctx, span := tracer.Start(ctx, "intents.project_remaining_steps",
		trace.WithAttributes(attribute.String("episode_id", episodeID.String())))
	defer span.End()

	release, err := p.locker.Acquire(ctx, "project:"+episodeID.String(), p.cfg.LockTTL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	in, open, err := p.repo.LoadProjection(ctx, episodeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result := &Projection{EpisodeID: episodeID}
	if !open {
		return result, nil
	}

	now := p.now()
	in.TTLAfterWindow = p.cfg.TTLAfterWindow
	in.Now = now
	plan := PlanProjection(in)
	result.Hash, result.Planned = plan.Hash, len(plan.Upserts)

	result.Expired, result.Written, err = p.repo.Apply(ctx, episodeID, plan, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if result.Expired > 0 || result.Written > 0 {
		p.logger.Info("intents: projection applied", "episode_id", episodeID,
			"planned", result.Planned, "expired", result.Expired, "written", result.Written)
	}
	return result, nil
}

// ExpireDue runs the intent expiry sweep.
func (p *Projector) ExpireDue(ctx context.Context) (int64, error) {
	n, err := p.repo.ExpireDue(ctx, p.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("intents: expired due intents", "count", n)
	}
	return n, nil
}
