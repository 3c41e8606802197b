package nextstep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store loads engine inputs from postgres.
type Store struct {
	db       DB
	pathways *pathway.Store
	loc      *time.Location
}

// NewStore creates an inputs store.
func NewStore(db DB) *Store {
	return &Store{db: db, pathways: pathway.NewStore(db)}
}

// WithLocation sets the clinic zone stamped on every loaded Inputs.
func (s *Store) WithLocation(loc *time.Location) *Store {
	s.loc = loc
	return s
}

const currentStageExpr = `COALESCE((SELECT se.stage FROM stage_events se
	WHERE se.episode_id = e.id
	ORDER BY se.occurred_at DESC, se.created_at DESC LIMIT 1), 'STAGE_0')`

// Inputs loads one episode's inputs.
func (s *Store) Inputs(ctx context.Context, episodeID uuid.UUID) (*Inputs, error) {
	in := &Inputs{EpisodeID: episodeID, Location: s.loc}
	var current string
	err := s.db.QueryRow(ctx, `
		SELECT e.opened_at, `+currentStageExpr+`
		FROM episodes e WHERE e.id = $1`, episodeID).Scan(&in.OpenedAt, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEpisodeNotFound
		}
		return nil, fmt.Errorf("nextstep: load episode: %w", err)
	}
	in.CurrentStage = stage.Code(current)

	steps, err := s.pathways.Steps(ctx, episodeID)
	if err != nil && !errors.Is(err, pathway.ErrNoPathway) {
		return nil, err
	}
	in.Steps = steps

	if in.EpisodeSteps, err = s.pathways.EpisodeSteps(ctx, episodeID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT starts_at FROM appointments
		WHERE episode_id = $1 AND status = 'completed'
		ORDER BY starts_at`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("nextstep: load completed appointments: %w", err)
	}
	in.CompletedAppointments, err = pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("nextstep: scan completed appointments: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT block_key FROM episode_blocks
		WHERE episode_id = $1 AND resolved_at IS NULL
			AND (expires_at IS NULL OR expires_at > now())
		ORDER BY block_key`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("nextstep: load blocks: %w", err)
	}
	in.BlockKeys, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("nextstep: scan blocks: %w", err)
	}
	return in, nil
}

// BatchInputs loads inputs for many episodes with one query per source
// table rather than one round per episode.
func (s *Store) BatchInputs(ctx context.Context, episodeIDs []uuid.UUID) (map[uuid.UUID]*Inputs, error) {
	out := make(map[uuid.UUID]*Inputs, len(episodeIDs))
	if len(episodeIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.opened_at, `+currentStageExpr+`
		FROM episodes e WHERE e.id = ANY($1)`, episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("nextstep: load batch episodes: %w", err)
	}
	for rows.Next() {
		in := &Inputs{Location: s.loc}
		var current string
		if err := rows.Scan(&in.EpisodeID, &in.OpenedAt, &current); err != nil {
			rows.Close()
			return nil, fmt.Errorf("nextstep: scan batch episode: %w", err)
		}
		in.CurrentStage = stage.Code(current)
		out[in.EpisodeID] = in
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nextstep: iterate batch episodes: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	steps, err := s.pathways.StepsFor(ctx, episodeIDs)
	if err != nil {
		return nil, err
	}
	episodeSteps, err := s.pathways.EpisodeStepsFor(ctx, episodeIDs)
	if err != nil {
		return nil, err
	}
	for id, in := range out {
		in.Steps = steps[id]
		in.EpisodeSteps = episodeSteps[id]
	}

	rows, err = s.db.Query(ctx, `
		SELECT episode_id, starts_at FROM appointments
		WHERE episode_id = ANY($1) AND status = 'completed'
		ORDER BY episode_id, starts_at`, episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("nextstep: load batch appointments: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("nextstep: scan batch appointment: %w", err)
		}
		if in, ok := out[id]; ok {
			in.CompletedAppointments = append(in.CompletedAppointments, at)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nextstep: iterate batch appointments: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT episode_id, block_key FROM episode_blocks
		WHERE episode_id = ANY($1) AND resolved_at IS NULL
			AND (expires_at IS NULL OR expires_at > now())
		ORDER BY episode_id, block_key`, episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("nextstep: load batch blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("nextstep: scan batch block: %w", err)
		}
		if in, ok := out[id]; ok {
			in.BlockKeys = append(in.BlockKeys, key)
		}
	}
	return out, rows.Err()
}
