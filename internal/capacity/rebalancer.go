// Package capacity retags free flexible slots toward the demand pools that
// are short, outside a freeze window around "now".
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/slots"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

var tracer = otel.Tracer("carepath.internal.capacity")

// Config tunes the rebalancer.
type Config struct {
	Lookahead  time.Duration
	Freeze     time.Duration
	Hysteresis int
	Targets    map[pathway.Pool]int
	Minimums   map[pathway.Pool]int
}

// DefaultConfig returns the clinic defaults.
func DefaultConfig() Config {
	return Config{
		Lookahead:  7 * 24 * time.Hour,
		Freeze:     24 * time.Hour,
		Hysteresis: 2,
		Targets: map[pathway.Pool]int{
			pathway.PoolConsult: 6,
			pathway.PoolWork:    10,
			pathway.PoolControl: 4,
		},
		Minimums: map[pathway.Pool]int{
			pathway.PoolConsult: 2,
		},
	}
}

// RetagEvent is the audit row written for every retag.
type RetagEvent struct {
	SlotID     uuid.UUID
	OldPurpose slots.Purpose
	NewPurpose slots.Purpose
	Reason     string
	RunID      string
	At         time.Time
}

// Repository is the persistence the rebalancer needs. *Store implements it.
type Repository interface {
	Demand(ctx context.Context, horizonEnd time.Time) (map[pathway.Pool]int, error)
	FreeCounts(ctx context.Context, from, to time.Time) (map[slots.Purpose]int, error)
	Retaggable(ctx context.Context, from, to time.Time, limit int) ([]slots.Slot, error)
	Retag(ctx context.Context, slotID uuid.UUID, from, to slots.Purpose) (bool, error)
	RecordRetag(ctx context.Context, ev RetagEvent) error
}

// Report summarises a rebalancing run.
type Report struct {
	RunID   string                `json:"run_id"`
	From    time.Time             `json:"from"`
	To      time.Time             `json:"to"`
	Demand  map[pathway.Pool]int  `json:"demand"`
	Goals   map[pathway.Pool]int  `json:"goals"`
	Before  map[slots.Purpose]int `json:"before"`
	After   map[slots.Purpose]int `json:"after"`
	Retags  int                   `json:"retags"`
	Skipped int                   `json:"skipped"`
	ByPool  map[pathway.Pool]int  `json:"retags_by_pool"`
	Errors  []string              `json:"errors,omitempty"`
}

// Rebalancer moves flexible capacity to short pools.
type Rebalancer struct {
	repo   Repository
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// NewRebalancer creates a rebalancer.
func NewRebalancer(repo Repository, cfg Config, logger *logging.Logger) *Rebalancer {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Hysteresis < 1 {
		cfg.Hysteresis = 1
	}
	return &Rebalancer{repo: repo, cfg: cfg, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// WithClock overrides the time source.
func (r *Rebalancer) WithClock(now func() time.Time) *Rebalancer {
	if now != nil {
		r.now = now
	}
	return r
}

// Goal is the free-slot count a pool should hold: the target while it has
// demand, else its floor.
func (c Config) Goal(pool pathway.Pool, demand int) int {
	if demand > 0 {
		return c.Targets[pool]
	}
	return c.Minimums[pool]
}

// Run performs one rebalancing pass. Per-slot failures are collected in the
// report; only failures to read demand or capacity abort the run.
func (r *Rebalancer) Run(ctx context.Context, runID string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "capacity.rebalance",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	now := r.now()
	report := &Report{
		RunID:  runID,
		From:   now.Add(r.cfg.Freeze),
		To:     now.Add(r.cfg.Lookahead),
		Goals:  make(map[pathway.Pool]int),
		After:  make(map[slots.Purpose]int),
		ByPool: make(map[pathway.Pool]int),
	}
	if !report.From.Before(report.To) {
		return report, nil
	}

	demand, err := r.repo.Demand(ctx, report.To)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report.Demand = demand

	free, err := r.repo.FreeCounts(ctx, report.From, report.To)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report.Before = free
	for p, n := range free {
		report.After[p] = n
	}

	deficits := make(map[pathway.Pool]int)
	total := 0
	for _, pool := range pathway.Pools {
		goal := r.cfg.Goal(pool, demand[pool])
		report.Goals[pool] = goal
		deficit := goal - free[slots.PurposeFor(pool)]
		if deficit >= r.cfg.Hysteresis {
			deficits[pool] = deficit
			total += deficit
		}
	}
	if total == 0 {
		return report, nil
	}

	candidates, err := r.repo.Retaggable(ctx, report.From, report.To, total)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	next := 0
	for _, pool := range pathway.Pools {
		target := slots.PurposeFor(pool)
		for need := deficits[pool]; need > 0 && next < len(candidates); next++ {
			slot := candidates[next]
			ok, err := r.repo.Retag(ctx, slot.ID, slot.Purpose, target)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("slot %s: %v", slot.ID, err))
				continue
			}
			if !ok {
				report.Skipped++
				continue
			}
			need--
			report.Retags++
			report.ByPool[pool]++
			report.After[target]++
			report.After[slots.PurposeFlexible]--

			ev := RetagEvent{
				SlotID:     slot.ID,
				OldPurpose: normalizePurpose(slot.Purpose),
				NewPurpose: target,
				Reason:     fmt.Sprintf("%s deficit %d (goal %d, demand %d)", pool, deficits[pool], report.Goals[pool], demand[pool]),
				RunID:      runID,
				At:         now,
			}
			if err := r.repo.RecordRetag(ctx, ev); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("audit slot %s: %v", slot.ID, err))
			}
		}
	}

	span.SetAttributes(attribute.Int("retags", report.Retags))
	r.logger.Info("capacity: rebalance complete", "run_id", runID,
		"retags", report.Retags, "skipped", report.Skipped, "errors", len(report.Errors))
	return report, nil
}

func normalizePurpose(p slots.Purpose) slots.Purpose {
	if p == "" {
		return slots.PurposeFlexible
	}
	return p
}
