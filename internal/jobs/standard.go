package jobs

import (
	"context"

	"github.com/wolfman30/carepath-scheduler/internal/capacity"
	"github.com/wolfman30/carepath-scheduler/internal/holds"
	"github.com/wolfman30/carepath-scheduler/internal/observability/metrics"
	"github.com/wolfman30/carepath-scheduler/internal/risk"
	schedulingworker "github.com/wolfman30/carepath-scheduler/internal/worker/scheduling"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// Job names shared by the CLI and the lambda entry point.
const (
	HoldExpiry           = "hold-expiry"
	IntentExpiry         = "intent-expiry"
	Rebalance            = "rebalance"
	OutboxDrain          = "outbox-drain"
	AnalyticsCalibration = "analytics-calibration"
)

type holdExpirer interface {
	Run(ctx context.Context) (*holds.Report, error)
}

type intentExpirer interface {
	ExpireDue(ctx context.Context) (int64, error)
}

type rebalancer interface {
	Run(ctx context.Context, runID string) (*capacity.Report, error)
}

type outboxDrainer interface {
	Drain(ctx context.Context) (*schedulingworker.Report, error)
}

type calibrator interface {
	Run(ctx context.Context, runID string) ([]risk.Bucket, error)
}

// Deps are the components behind the standard jobs. Nil members leave their
// job unregistered.
type Deps struct {
	Holds       holdExpirer
	Intents     intentExpirer
	Rebalancer  rebalancer
	Outbox      outboxDrainer
	Calibration calibrator
	Metrics     *metrics.JobMetrics
}

// Standard builds the registry of every scheduled job.
func Standard(deps Deps, logger *logging.Logger) *Registry {
	r := NewRegistry(deps.Metrics, logger)

	if deps.Holds != nil {
		r.Register(HoldExpiry, func(ctx context.Context, _ string, _ *logging.Logger) (*Result, error) {
			rep, err := deps.Holds.Run(ctx)
			if err != nil {
				return nil, err
			}
			return &Result{
				Items: map[string]int{
					"expired":        rep.Expired,
					"slots_released": rep.Released,
					"skipped":        rep.Skipped,
				},
				Errors: rep.Errors,
				Detail: rep,
			}, nil
		})
	}

	if deps.Intents != nil {
		r.Register(IntentExpiry, func(ctx context.Context, _ string, _ *logging.Logger) (*Result, error) {
			n, err := deps.Intents.ExpireDue(ctx)
			if err != nil {
				return nil, err
			}
			return &Result{Items: map[string]int{"expired": int(n)}}, nil
		})
	}

	if deps.Rebalancer != nil {
		r.Register(Rebalance, func(ctx context.Context, runID string, _ *logging.Logger) (*Result, error) {
			rep, err := deps.Rebalancer.Run(ctx, runID)
			if err != nil {
				return nil, err
			}
			return &Result{
				Items:  map[string]int{"retagged": rep.Retags, "skipped": rep.Skipped},
				Errors: rep.Errors,
				Detail: rep,
			}, nil
		})
	}

	if deps.Outbox != nil {
		r.Register(OutboxDrain, func(ctx context.Context, _ string, _ *logging.Logger) (*Result, error) {
			rep, err := deps.Outbox.Drain(ctx)
			if rep != nil {
				deps.Metrics.ObserveOutbox(int(rep.Processed), int(rep.Deferred))
			}
			if err != nil {
				return nil, err
			}
			return &Result{
				Items: map[string]int{
					"processed":   int(rep.Processed),
					"refreshed":   rep.Refreshed,
					"reprojected": rep.Reprojected,
					"orphaned":    rep.Orphaned,
					"deferred":    int(rep.Deferred),
				},
				Errors: rep.Errors,
				Detail: rep,
			}, nil
		})
	}

	if deps.Calibration != nil {
		r.Register(AnalyticsCalibration, func(ctx context.Context, runID string, _ *logging.Logger) (*Result, error) {
			buckets, err := deps.Calibration.Run(ctx, runID)
			if err != nil {
				return nil, err
			}
			samples := 0
			for _, b := range buckets {
				samples += b.Samples
			}
			return &Result{
				Items:  map[string]int{"buckets": len(buckets), "samples": samples},
				Detail: buckets,
			}, nil
		})
	}

	return r
}
