package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/carepath-scheduler/internal/app/bootstrap"
	appconfig "github.com/wolfman30/carepath-scheduler/internal/config"
	"github.com/wolfman30/carepath-scheduler/internal/jobs"
	"github.com/wolfman30/carepath-scheduler/internal/observability/metrics"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// Exit codes reported to the scheduler.
const (
	exitOK          = 0
	exitItemErrors  = 1
	exitJobFailed   = 2
	exitSetupFailed = 3
)

// runner executes one named job.
type runner interface {
	Run(ctx context.Context, name, runID string) (*jobs.Outcome, error)
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(setupRunner)
	root.AddCommand(rulesCmd(setupRules))
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
}

// setupFunc builds the job runner and a cleanup callback.
type setupFunc func(ctx context.Context) (runner, func(), error)

func setupRunner(ctx context.Context) (runner, func(), error) {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	publisher, err := bootstrap.BuildPublisher(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	c, err := bootstrap.NewContainer(cfg, bootstrap.Deps{
		DB:        pool,
		Redis:     redisClient,
		Publisher: publisher,
		Metrics:   metrics.NewJobMetrics(nil),
	}, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		pool.Close()
	}
	return c.Jobs, cleanup, nil
}

func newRootCmd(setup setupFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "scheduler-worker",
		Short:         "Run carepath scheduling batch jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("run-id", "", "Run identifier for audit correlation (generated when empty)")
	root.PersistentFlags().Bool("json", false, "Print the run outcome as JSON")

	for _, job := range []struct{ name, short string }{
		{jobs.HoldExpiry, "Cancel appointments whose hold has elapsed and free their slots"},
		{jobs.IntentExpiry, "Expire open slot intents past their expiry"},
		{jobs.Rebalance, "Retag flexible capacity toward short pools"},
		{jobs.OutboxDrain, "Refresh caches for episodes with pending scheduling events"},
		{jobs.AnalyticsCalibration, "Persist observed no-show rates per risk bucket"},
	} {
		root.AddCommand(jobCmd(job.name, job.short, setup))
	}
	return root
}

func jobCmd(name, short string, setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runID, _ := cmd.Flags().GetString("run-id")
			asJSON, _ := cmd.Flags().GetBool("json")

			r, cleanup, err := setup(cmd.Context())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "setup failed: %v\n", err)
				return &exitError{code: exitSetupFailed, err: err}
			}
			if cleanup != nil {
				defer cleanup()
			}
			return runJob(cmd.Context(), r, name, runID, asJSON, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runJob(ctx context.Context, r runner, name, runID string, asJSON bool, stdout, stderr io.Writer) error {
	out, err := r.Run(ctx, name, runID)
	if out != nil {
		printOutcome(stdout, out, asJSON)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", name, err)
		return &exitError{code: exitJobFailed, err: err}
	}
	if out.Failed() {
		err := fmt.Errorf("%s finished with %d item error(s)", name, len(out.Result.Errors))
		fmt.Fprintln(stderr, err)
		return &exitError{code: exitItemErrors, err: err}
	}
	return nil
}

func printOutcome(w io.Writer, out *jobs.Outcome, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	fmt.Fprintf(w, "job=%s run_id=%s duration=%s\n", out.Job, out.RunID, out.Duration)
	if out.Result == nil {
		return
	}
	for k, v := range out.Result.Items {
		fmt.Fprintf(w, "  %s=%d\n", k, v)
	}
	for _, e := range out.Result.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
