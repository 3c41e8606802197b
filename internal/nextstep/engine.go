package nextstep

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

var tracer = otel.Tracer("carepath.internal.nextstep")

// Source loads engine inputs. *Store implements it.
type Source interface {
	Inputs(ctx context.Context, episodeID uuid.UUID) (*Inputs, error)
	BatchInputs(ctx context.Context, episodeIDs []uuid.UUID) (map[uuid.UUID]*Inputs, error)
}

// Engine wraps the pure resolver with loading and tracing.
type Engine struct {
	source Source
	logger *logging.Logger
}

// NewEngine creates a next-step engine.
func NewEngine(source Source, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{source: source, logger: logger}
}

// NextRequiredStep returns the episode's next step or a blocked answer.
func (e *Engine) NextRequiredStep(ctx context.Context, episodeID uuid.UUID) (*Result, error) {
	ctx, span := tracer.Start(ctx, "nextstep.next_required_step",
		trace.WithAttributes(attribute.String("episode_id", episodeID.String())))
	defer span.End()

	in, err := e.source.Inputs(ctx, episodeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res := Resolve(in)
	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Status == StatusBlocked {
		e.logger.Debug("nextstep: episode blocked", "episode_id", episodeID, "reason", res.Reason)
	}
	return res, nil
}

// AllPendingSteps expands every remaining step of one episode.
func (e *Engine) AllPendingSteps(ctx context.Context, episodeID uuid.UUID) (*Expansion, error) {
	ctx, span := tracer.Start(ctx, "nextstep.all_pending_steps",
		trace.WithAttributes(attribute.String("episode_id", episodeID.String())))
	defer span.End()

	in, err := e.source.Inputs(ctx, episodeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return AllPending(in), nil
}

// ExpandBatch expands many episodes from one round of batched loads.
// Episodes that no longer exist are absent from the result.
func (e *Engine) ExpandBatch(ctx context.Context, episodeIDs []uuid.UUID) (map[uuid.UUID]*Expansion, error) {
	ctx, span := tracer.Start(ctx, "nextstep.expand_batch",
		trace.WithAttributes(attribute.Int("episodes", len(episodeIDs))))
	defer span.End()

	inputs, err := e.source.BatchInputs(ctx, episodeIDs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make(map[uuid.UUID]*Expansion, len(inputs))
	for id, in := range inputs {
		out[id] = AllPending(in)
	}
	return out, nil
}
