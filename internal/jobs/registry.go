package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/carepath-scheduler/internal/observability/metrics"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// ErrUnknownJob is returned when no job is registered under a name.
var ErrUnknownJob = errors.New("jobs: unknown job")

// Result is what a job reports back for one run.
type Result struct {
	// Items counts touched items by outcome, e.g. "expired" or "retagged".
	Items  map[string]int `json:"items,omitempty"`
	Errors []string       `json:"errors,omitempty"`
	Detail any            `json:"detail,omitempty"`
}

// Func executes a job once.
type Func func(ctx context.Context, runID string, logger *logging.Logger) (*Result, error)

// Outcome describes a finished run.
type Outcome struct {
	Job       string        `json:"job"`
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Result    *Result       `json:"result"`
}

// Failed reports whether the run finished with item errors.
func (o *Outcome) Failed() bool {
	return o != nil && o.Result != nil && len(o.Result.Errors) > 0
}

// Registry maps job names to their implementation.
type Registry struct {
	jobs    map[string]Func
	metrics *metrics.JobMetrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewRegistry(m *metrics.JobMetrics, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		jobs:    make(map[string]Func),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

// Register adds a job. Registering a name twice panics.
func (r *Registry) Register(name string, fn Func) {
	if name == "" || fn == nil {
		panic("jobs: name and func required")
	}
	if _, dup := r.jobs[name]; dup {
		panic(fmt.Sprintf("jobs: %q already registered", name))
	}
	r.jobs[name] = fn
}

// Names lists registered jobs alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job. An empty runID gets a generated one.
func (r *Registry) Run(ctx context.Context, name, runID string) (*Outcome, error) {
	fn, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := r.logger.WithRun(name, runID)

	out := &Outcome{Job: name, RunID: runID, StartedAt: r.now().UTC()}
	logger.Info("jobs: run started")
	res, err := fn(ctx, runID, logger)
	out.Duration = r.now().Sub(out.StartedAt)
	if res == nil {
		res = &Result{}
	}
	out.Result = res

	r.metrics.ObserveRun(name, err != nil || out.Failed(), out.Duration.Seconds())
	for outcome, n := range res.Items {
		r.metrics.AddItems(name, outcome, n)
	}
	r.metrics.AddItems(name, "failed", len(res.Errors))

	if err != nil {
		logger.Error("jobs: run failed", "error", err, "duration_ms", out.Duration.Milliseconds())
		return out, fmt.Errorf("jobs: %s: %w", name, err)
	}
	logger.Info("jobs: run complete", "duration_ms", out.Duration.Milliseconds(),
		"items", res.Items, "errors", len(res.Errors))
	return out, nil
}
