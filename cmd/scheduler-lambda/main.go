package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/carepath-scheduler/internal/app/bootstrap"
	appconfig "github.com/wolfman30/carepath-scheduler/internal/config"
	"github.com/wolfman30/carepath-scheduler/internal/jobs"
	"github.com/wolfman30/carepath-scheduler/internal/observability/metrics"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// detail is the EventBridge rule input.
type detail struct {
	Job   string `json:"job"`
	RunID string `json:"run_id"`
}

// response is returned to the invoker for each run.
type response struct {
	Job    string         `json:"job"`
	RunID  string         `json:"run_id"`
	Items  map[string]int `json:"items,omitempty"`
	Errors []string       `json:"errors,omitempty"`
}

type runner interface {
	Run(ctx context.Context, name, runID string) (*jobs.Outcome, error)
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	var (
		mu    sync.Mutex
		jobsR runner
	)
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (response, error) {
		// Warm invocations reuse the pool.
		mu.Lock()
		if jobsR == nil {
			r, err := setup(ctx, cfg, logger)
			if err != nil {
				mu.Unlock()
				logger.Error("scheduler-lambda: setup failed", "error", err)
				return response{}, err
			}
			jobsR = r
		}
		r := jobsR
		mu.Unlock()
		return handle(ctx, r, evt)
	})
}

func setup(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (runner, error) {
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	publisher, err := bootstrap.BuildPublisher(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	c, err := bootstrap.NewContainer(cfg, bootstrap.Deps{
		DB:        pool,
		Redis:     bootstrap.BuildRedisClient(ctx, cfg, logger, true),
		Publisher: publisher,
		Metrics:   metrics.NewJobMetrics(nil),
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return c.Jobs, nil
}

func handle(ctx context.Context, r runner, evt events.CloudWatchEvent) (response, error) {
	var d detail
	if len(evt.Detail) > 0 {
		if err := json.Unmarshal(evt.Detail, &d); err != nil {
			return response{}, fmt.Errorf("decode event detail: %w", err)
		}
	}
	d.Job = strings.TrimSpace(d.Job)
	if d.Job == "" {
		return response{}, fmt.Errorf("event detail must name a job")
	}
	if d.RunID == "" {
		d.RunID = evt.ID
	}

	out, err := r.Run(ctx, d.Job, d.RunID)
	if err != nil {
		return response{}, err
	}
	resp := response{Job: out.Job, RunID: out.RunID}
	if out.Result != nil {
		resp.Items = out.Result.Items
		resp.Errors = out.Result.Errors
	}
	if out.Failed() {
		return resp, fmt.Errorf("%s finished with %d item error(s)", out.Job, len(resp.Errors))
	}
	return resp, nil
}
