package episodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/internal/outbox"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists episodes and their materialised steps. Every mutation
// appends a scheduling event in the same transaction.
type Store struct {
	db DB
}

// NewStore creates an episode store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Get loads an episode.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Episode, error) {
	var (
		e      Episode
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, patient_id, provider_id, status, opened_at, closed_at,
			snapshot_version, stage_version
		FROM episodes WHERE id = $1`, id).
		Scan(&e.ID, &e.PatientID, &e.ProviderID, &status, &e.OpenedAt, &e.ClosedAt,
			&e.SnapshotVersion, &e.StageVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("episodes: get: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}

// uniqueViolation is the postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// Create opens a new episode. A partial unique index on open episodes per
// patient makes a second open episode fail with ErrAlreadyOpen.
func (s *Store) Create(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID, at time.Time) (*Episode, error) {
	e := &Episode{ID: uuid.New(), PatientID: patientID, ProviderID: providerID, Status: StatusOpen, OpenedAt: at}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("episodes: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO episodes (id, patient_id, provider_id, status, opened_at)
		VALUES ($1, $2, $3, 'open', $4)`, e.ID, patientID, providerID, at); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAlreadyOpen
		}
		return nil, fmt.Errorf("episodes: create: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.EntityEpisode, e.ID, outbox.EventCreated); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("episodes: commit create: %w", err)
	}
	return e, nil
}

// lockOpen locks the episode row and fails unless it is open.
func lockOpen(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM episodes WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("episodes: lock: %w", err)
	}
	if Status(status) != StatusOpen {
		return ErrClosed
	}
	return nil
}

// ActivatePathway attaches a pathway at ordinal and materialises any of its
// steps the episode does not already carry, appended after existing steps.
// It returns the newly created steps.
func (s *Store) ActivatePathway(ctx context.Context, episodeID, pathwayID uuid.UUID, ordinal int) ([]pathway.EpisodeStep, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("episodes: begin activate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOpen(ctx, tx, episodeID); err != nil {
		return nil, err
	}
	p, err := pathway.NewStore(tx).Get(ctx, pathwayID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO episode_pathways (episode_id, pathway_id, ordinal, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (episode_id, pathway_id) DO UPDATE SET ordinal = EXCLUDED.ordinal, active = true`,
		episodeID, pathwayID, ordinal); err != nil {
		return nil, fmt.Errorf("episodes: attach pathway: %w", err)
	}

	existing, err := pathway.NewStore(tx).EpisodeSteps(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	seq := 0
	for _, es := range existing {
		have[es.Step.Code] = true
		if es.Seq > seq {
			seq = es.Seq
		}
	}

	var created []pathway.EpisodeStep
	for _, step := range p.Steps {
		if have[step.Code] {
			continue
		}
		have[step.Code] = true
		seq++
		es := pathway.EpisodeStep{ID: uuid.New(), EpisodeID: episodeID, Seq: seq, Step: step, Status: pathway.StepPending}
		if _, err := tx.Exec(ctx, `
			INSERT INTO episode_steps (id, episode_id, seq, code, label, pool, duration_minutes,
				default_offset_days, requires_precommit, optional, phase, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			es.ID, episodeID, seq, step.Code, step.Label, string(step.Pool), step.DurationMinutes,
			step.DefaultOffsetDays, step.RequiresPrecommit, step.Optional, string(step.Phase),
			string(pathway.StepPending)); err != nil {
			return nil, fmt.Errorf("episodes: materialise step %s: %w", step.Code, err)
		}
		created = append(created, es)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE episodes SET snapshot_version = snapshot_version + 1 WHERE id = $1`, episodeID); err != nil {
		return nil, fmt.Errorf("episodes: bump version: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.EntityEpisode, episodeID, outbox.EventReprojectIntents); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("episodes: commit activate: %w", err)
	}
	return created, nil
}

// TransitionStep moves the step at seq to status. Completion and skip stamp
// completed_at with at; steps are never deleted.
func (s *Store) TransitionStep(ctx context.Context, episodeID uuid.UUID, seq int, to pathway.StepStatus, at time.Time) (*pathway.EpisodeStep, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("episodes: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOpen(ctx, tx, episodeID); err != nil {
		return nil, err
	}
	es, err := pathway.ScanEpisodeStep(tx.QueryRow(ctx, `SELECT `+pathway.EpisodeStepColumns+`
		FROM episode_steps WHERE episode_id = $1 AND seq = $2 FOR UPDATE`, episodeID, seq))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("episodes: load step: %w", err)
	}
	if !es.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, es.Status, to)
	}

	var completedAt *time.Time
	if to.Resolved() {
		completedAt = &at
	}
	if _, err := tx.Exec(ctx, `
		UPDATE episode_steps SET status = $2, completed_at = $3, updated_at = $4
		WHERE id = $1`, es.ID, string(to), completedAt, at); err != nil {
		return nil, fmt.Errorf("episodes: update step: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE episodes SET snapshot_version = snapshot_version + 1 WHERE id = $1`, episodeID); err != nil {
		return nil, fmt.Errorf("episodes: bump version: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.EntityEpisodeStep, es.ID, outbox.EventReprojectIntents); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("episodes: commit transition: %w", err)
	}
	es.Status, es.CompletedAt = to, completedAt
	return &es, nil
}

// Close closes the episode and expires its open intents in one
// transaction. It returns how many intents were expired.
func (s *Store) Close(ctx context.Context, episodeID uuid.UUID, at time.Time) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("episodes: begin close: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockOpen(ctx, tx, episodeID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE episodes SET status = 'closed', closed_at = $2,
			snapshot_version = snapshot_version + 1
		WHERE id = $1`, episodeID, at); err != nil {
		return 0, fmt.Errorf("episodes: close: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE slot_intents SET state = 'expired', updated_at = $2
		WHERE episode_id = $1 AND state = 'open'`, episodeID, at)
	if err != nil {
		return 0, fmt.Errorf("episodes: expire intents: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.EntityEpisode, episodeID, outbox.EventUpdated); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("episodes: commit close: %w", err)
	}
	return tag.RowsAffected(), nil
}
