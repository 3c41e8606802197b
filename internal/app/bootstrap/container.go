package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/carepath-scheduler/internal/caches"
	"github.com/wolfman30/carepath-scheduler/internal/capacity"
	appconfig "github.com/wolfman30/carepath-scheduler/internal/config"
	"github.com/wolfman30/carepath-scheduler/internal/episodes"
	"github.com/wolfman30/carepath-scheduler/internal/holds"
	"github.com/wolfman30/carepath-scheduler/internal/http/handlers"
	"github.com/wolfman30/carepath-scheduler/internal/intents"
	"github.com/wolfman30/carepath-scheduler/internal/jobs"
	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/observability/metrics"
	"github.com/wolfman30/carepath-scheduler/internal/outbox"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/risk"
	"github.com/wolfman30/carepath-scheduler/internal/slots"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
	schedulingworker "github.com/wolfman30/carepath-scheduler/internal/worker/scheduling"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// DB is the pgx surface every store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deps are the external resources a container is built from. Redis and
// Publisher are optional.
type Deps struct {
	DB        DB
	Redis     *redis.Client
	Publisher schedulingworker.Publisher
	Metrics   *metrics.JobMetrics
}

// Container holds the wired services shared by every binary.
type Container struct {
	Pathways   *pathway.Store
	Slots      *slots.Store
	Engine     *nextstep.Engine
	Caches     *caches.Store
	Refresher  *caches.Refresher
	Intents    *intents.Store
	Projector  *intents.Projector
	Stage      *stage.Service
	Rules      *stage.Store
	Episodes   *episodes.Service
	Rebalancer *capacity.Rebalancer
	Holds      *holds.Expirer
	Quoter     *risk.Quoter
	Calibrator *risk.CalibrationJob
	Outbox     *outbox.Store
	Drainer    *schedulingworker.Drainer
	Jobs       *jobs.Registry
	Scheduling *handlers.SchedulingHandler
}

// NewContainer wires every component from configuration.
func NewContainer(cfg *appconfig.Config, deps Deps, logger *logging.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("bootstrap: database is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	loc := cfg.Location()
	db := deps.DB

	c := &Container{
		Pathways: pathway.NewStore(db),
		Slots:    slots.NewStore(db),
		Caches:   caches.NewStore(db, cfg.FeedMaxItems),
		Intents:  intents.NewStore(db).WithLocation(loc),
		Rules:    stage.NewStore(db),
		Outbox:   outbox.NewStore(db),
	}

	c.Engine = nextstep.NewEngine(nextstep.NewStore(db).WithLocation(loc), logger)
	c.Refresher = caches.NewRefresher(c.Engine, c.Slots, c.Caches, logger)

	var locker intents.Locker
	if deps.Redis != nil {
		locker = intents.NewRedisLocker(deps.Redis)
	}
	c.Projector = intents.NewProjector(c.Intents, locker, intents.ProjectorConfig{
		TTLAfterWindow: cfg.IntentTTLAfterWindow,
		LockTTL:        cfg.ProjectionLockTTL,
	}, logger)

	c.Stage = stage.NewService(c.Rules, stage.NewReducer(c.Rules, logger), logger).
		WithDismissTTL(cfg.SuggestionDismissTTL)
	c.Episodes = episodes.NewService(episodes.NewStore(db), logger)

	c.Rebalancer = capacity.NewRebalancer(capacity.NewStore(db), RebalanceConfig(cfg), logger)
	c.Holds = holds.NewExpirer(db, 0, logger)
	c.Quoter = risk.NewQuoter(db, loc)
	c.Calibrator = risk.NewCalibrationJob(db, cfg.CalibrationWindowDays, logger)

	c.Drainer = schedulingworker.NewDrainer(c.Outbox, c.Refresher, c.Projector, logger).
		WithBatchSize(cfg.OutboxBatchSize).
		WithRetryBackoff(cfg.OutboxRetryBase, cfg.OutboxRetryMax).
		WithSuggestions(c.Stage)
	if deps.Publisher != nil {
		c.Drainer.WithPublisher(deps.Publisher)
	}

	c.Jobs = jobs.Standard(jobs.Deps{
		Holds:       c.Holds,
		Intents:     c.Projector,
		Rebalancer:  c.Rebalancer,
		Outbox:      c.Drainer,
		Calibration: c.Calibrator,
		Metrics:     deps.Metrics,
	}, logger)

	c.Scheduling = handlers.NewSchedulingHandler(c.Caches, c.Intents, c.Stage, c.Quoter, logger).
		WithLocation(loc).
		WithLifecycle(c.Episodes, c.Stage).
		WithConversions(c.Intents)
	return c, nil
}

// RebalanceConfig maps environment settings onto the rebalancer.
func RebalanceConfig(cfg *appconfig.Config) capacity.Config {
	return capacity.Config{
		Lookahead:  time.Duration(cfg.RebalanceLookaheadDays) * 24 * time.Hour,
		Freeze:     time.Duration(cfg.RebalanceFreezeHours) * time.Hour,
		Hysteresis: cfg.RebalanceHysteresis,
		Targets: map[pathway.Pool]int{
			pathway.PoolConsult: cfg.RebalanceTargetConsult,
			pathway.PoolWork:    cfg.RebalanceTargetWork,
			pathway.PoolControl: cfg.RebalanceTargetControl,
		},
		Minimums: map[pathway.Pool]int{
			pathway.PoolConsult: cfg.RebalanceMinConsult,
			pathway.PoolWork:    cfg.RebalanceMinWork,
			pathway.PoolControl: cfg.RebalanceMinControl,
		},
	}
}
