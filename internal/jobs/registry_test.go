package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carepath-scheduler/internal/capacity"
	"github.com/wolfman30/carepath-scheduler/internal/holds"
	"github.com/wolfman30/carepath-scheduler/internal/observability/metrics"
	"github.com/wolfman30/carepath-scheduler/internal/risk"
	schedulingworker "github.com/wolfman30/carepath-scheduler/internal/worker/scheduling"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

type stubHolds struct {
	rep *holds.Report
	err error
}

func (s stubHolds) Run(ctx context.Context) (*holds.Report, error) { return s.rep, s.err }

type stubIntents struct{ n int64 }

func (s stubIntents) ExpireDue(ctx context.Context) (int64, error) { return s.n, nil }

type stubRebalancer struct{ gotRunID string }

func (s *stubRebalancer) Run(ctx context.Context, runID string) (*capacity.Report, error) {
	s.gotRunID = runID
	return &capacity.Report{RunID: runID, Retags: 3}, nil
}

type stubDrainer struct{ rep *schedulingworker.Report }

func (s stubDrainer) Drain(ctx context.Context) (*schedulingworker.Report, error) { return s.rep, nil }

type stubCalibrator struct{}

func (stubCalibrator) Run(ctx context.Context, runID string) ([]risk.Bucket, error) {
	return []risk.Bucket{{Samples: 4}, {Samples: 6}}, nil
}

func TestStandardRegistersEveryJob(t *testing.T) {
	r := Standard(Deps{
		Holds:       stubHolds{rep: &holds.Report{}},
		Intents:     stubIntents{},
		Rebalancer:  &stubRebalancer{},
		Outbox:      stubDrainer{rep: &schedulingworker.Report{}},
		Calibration: stubCalibrator{},
	}, nil)

	assert.Equal(t, []string{AnalyticsCalibration, HoldExpiry, IntentExpiry, OutboxDrain, Rebalance}, r.Names())
}

func TestStandardSkipsMissingDeps(t *testing.T) {
	r := Standard(Deps{Intents: stubIntents{}}, nil)
	assert.Equal(t, []string{IntentExpiry}, r.Names())
}

func TestRunUnknownJob(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Run(context.Background(), "nope", "")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunPassesRunIDAndGeneratesOne(t *testing.T) {
	rb := &stubRebalancer{}
	r := Standard(Deps{Rebalancer: rb}, nil)

	out, err := r.Run(context.Background(), Rebalance, "nightly-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-1", rb.gotRunID)
	assert.Equal(t, 3, out.Result.Items["retagged"])

	out, err = r.Run(context.Background(), Rebalance, "")
	require.NoError(t, err)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, out.RunID, rb.gotRunID)
}

func TestRunReportsItemErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewJobMetrics(reg)
	r := Standard(Deps{
		Holds:   stubHolds{rep: &holds.Report{Found: 2, Expired: 1, Errors: []string{"a: boom"}}},
		Metrics: m,
	}, logging.Default())

	out, err := r.Run(context.Background(), HoldExpiry, "r1")
	require.NoError(t, err)
	assert.True(t, out.Failed())
	assert.Equal(t, 1, out.Result.Items["expired"])

	count, err := testutil.GatherAndCount(reg, "carepath_scheduler_job_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunWrapsJobError(t *testing.T) {
	r := Standard(Deps{Holds: stubHolds{err: errors.New("db down")}}, nil)
	out, err := r.Run(context.Background(), HoldExpiry, "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hold-expiry")
	assert.False(t, out.Failed())
}

func TestRunMeasuresDuration(t *testing.T) {
	start := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	ticks := []time.Time{start, start.Add(1500 * time.Millisecond)}
	r := NewRegistry(nil, nil).WithClock(func() time.Time {
		t := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return t
	})
	r.Register("noop", func(ctx context.Context, runID string, logger *logging.Logger) (*Result, error) {
		return nil, nil
	})

	out, err := r.Run(context.Background(), "noop", "x")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, out.Duration)
	assert.NotNil(t, out.Result)
}

func TestOutboxDrainRecordsCounts(t *testing.T) {
	r := Standard(Deps{
		Outbox:  stubDrainer{rep: &schedulingworker.Report{Fetched: 5, Processed: 3, Deferred: 2, Refreshed: 2}},
		Metrics: metrics.NewJobMetrics(prometheus.NewRegistry()),
	}, nil)

	out, err := r.Run(context.Background(), OutboxDrain, "")
	require.NoError(t, err)
	assert.Equal(t, 3, out.Result.Items["processed"])
	assert.Equal(t, 2, out.Result.Items["refreshed"])
	assert.Equal(t, 2, out.Result.Items["deferred"])
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry(nil, nil)
	fn := func(ctx context.Context, runID string, logger *logging.Logger) (*Result, error) { return nil, nil }
	r.Register("a", fn)
	assert.Panics(t, func() { r.Register("a", fn) })
}
