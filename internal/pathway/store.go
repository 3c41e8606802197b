package pathway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store loads pathway templates and the pathways attached to episodes.
type Store struct {
	db DB
}

// NewStore creates a pathway store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const attachmentQuery = `
	SELECT ep.ordinal, p.id, p.name, p.version, p.treatment_type,
		s.code, s.label, s.pool, s.duration_minutes, s.default_offset_days,
		s.requires_precommit, s.optional, s.phase
	FROM episode_pathways ep
	JOIN care_pathways p ON p.id = ep.pathway_id
	JOIN care_pathway_steps s ON s.pathway_id = p.id
	WHERE ep.episode_id = $1 AND ep.active
	ORDER BY ep.ordinal, s.seq`

// Attachments returns the active pathways for an episode in ordinal order.
func (s *Store) Attachments(ctx context.Context, episodeID uuid.UUID) ([]Attachment, error) {
	rows, err := s.db.Query(ctx, attachmentQuery, episodeID)
	if err != nil {
		return nil, fmt.Errorf("pathway: load attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var (
			ordinal int
			p       Pathway
			step    Step
			pool    string
			phase   string
		)
		if err := rows.Scan(&ordinal, &p.ID, &p.Name, &p.Version, &p.TreatmentType,
			&step.Code, &step.Label, &pool, &step.DurationMinutes, &step.DefaultOffsetDays,
			&step.RequiresPrecommit, &step.Optional, &phase); err != nil {
			return nil, fmt.Errorf("pathway: scan attachment: %w", err)
		}
		step.Pool = Pool(pool)
		step.Phase = Phase(phase)

		if n := len(out); n > 0 && out[n-1].Pathway.ID == p.ID && out[n-1].Ordinal == ordinal {
			out[n-1].Pathway.Steps = append(out[n-1].Pathway.Steps, step)
			continue
		}
		p.Steps = []Step{step}
		out = append(out, Attachment{Pathway: p, Ordinal: ordinal})
	}
	return out, rows.Err()
}

// Steps resolves the merged step list for an episode. It returns ErrNoPathway
// when nothing is attached.
func (s *Store) Steps(ctx context.Context, episodeID uuid.UUID) ([]Step, error) {
	atts, err := s.Attachments(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	steps := Merge(atts)
	if len(steps) == 0 {
		return nil, ErrNoPathway
	}
	return steps, nil
}

// Get loads a single pathway template with its steps.
func (s *Store) Get(ctx context.Context, pathwayID uuid.UUID) (*Pathway, error) {
	var p Pathway
	err := s.db.QueryRow(ctx, `
		SELECT id, name, version, treatment_type
		FROM care_pathways WHERE id = $1`, pathwayID).
		Scan(&p.ID, &p.Name, &p.Version, &p.TreatmentType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPathway
		}
		return nil, fmt.Errorf("pathway: get: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT code, label, pool, duration_minutes, default_offset_days,
			requires_precommit, optional, phase
		FROM care_pathway_steps WHERE pathway_id = $1 ORDER BY seq`, pathwayID)
	if err != nil {
		return nil, fmt.Errorf("pathway: get steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step Step
		var pool, phase string
		if err := rows.Scan(&step.Code, &step.Label, &pool, &step.DurationMinutes,
			&step.DefaultOffsetDays, &step.RequiresPrecommit, &step.Optional, &phase); err != nil {
			return nil, fmt.Errorf("pathway: scan step: %w", err)
		}
		step.Pool = Pool(pool)
		step.Phase = Phase(phase)
		p.Steps = append(p.Steps, step)
	}
	return &p, rows.Err()
}

const batchAttachmentQuery = `
	SELECT ep.episode_id, ep.ordinal, p.id, p.name, p.version, p.treatment_type,
		s.code, s.label, s.pool, s.duration_minutes, s.default_offset_days,
		s.requires_precommit, s.optional, s.phase
	FROM episode_pathways ep
	JOIN care_pathways p ON p.id = ep.pathway_id
	JOIN care_pathway_steps s ON s.pathway_id = p.id
	WHERE ep.episode_id = ANY($1) AND ep.active
	ORDER BY ep.episode_id, ep.ordinal, s.seq`

// StepsFor resolves merged step lists for many episodes in one query.
// Episodes without a pathway are absent from the result.
func (s *Store) StepsFor(ctx context.Context, episodeIDs []uuid.UUID) (map[uuid.UUID][]Step, error) {
	out := make(map[uuid.UUID][]Step, len(episodeIDs))
	if len(episodeIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, batchAttachmentQuery, episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("pathway: load batch attachments: %w", err)
	}
	defer rows.Close()

	byEpisode := make(map[uuid.UUID][]Attachment)
	for rows.Next() {
		var (
			episodeID uuid.UUID
			ordinal   int
			p         Pathway
			step      Step
			pool      string
			phase     string
		)
		if err := rows.Scan(&episodeID, &ordinal, &p.ID, &p.Name, &p.Version, &p.TreatmentType,
			&step.Code, &step.Label, &pool, &step.DurationMinutes, &step.DefaultOffsetDays,
			&step.RequiresPrecommit, &step.Optional, &phase); err != nil {
			return nil, fmt.Errorf("pathway: scan batch attachment: %w", err)
		}
		step.Pool = Pool(pool)
		step.Phase = Phase(phase)

		atts := byEpisode[episodeID]
		if n := len(atts); n > 0 && atts[n-1].Pathway.ID == p.ID && atts[n-1].Ordinal == ordinal {
			atts[n-1].Pathway.Steps = append(atts[n-1].Pathway.Steps, step)
		} else {
			p.Steps = []Step{step}
			atts = append(atts, Attachment{Pathway: p, Ordinal: ordinal})
		}
		byEpisode[episodeID] = atts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pathway: iterate batch attachments: %w", err)
	}
	for id, atts := range byEpisode {
		if steps := Merge(atts); len(steps) > 0 {
			out[id] = steps
		}
	}
	return out, nil
}

// EpisodeStepColumns lists episode_steps columns in ScanEpisodeStep order.
const EpisodeStepColumns = `id, episode_id, seq, code, label, pool, duration_minutes,
	default_offset_days, requires_precommit, optional, phase, status, completed_at`

// ScanEpisodeStep reads one row selected with EpisodeStepColumns.
func ScanEpisodeStep(row pgx.Row) (EpisodeStep, error) {
	var (
		es                 EpisodeStep
		pool, phase, state string
	)
	err := row.Scan(&es.ID, &es.EpisodeID, &es.Seq, &es.Step.Code, &es.Step.Label, &pool,
		&es.Step.DurationMinutes, &es.Step.DefaultOffsetDays, &es.Step.RequiresPrecommit,
		&es.Step.Optional, &phase, &state, &es.CompletedAt)
	if err != nil {
		return EpisodeStep{}, err
	}
	es.Step.Pool = Pool(pool)
	es.Step.Phase = Phase(phase)
	es.Status = StepStatus(state)
	return es, nil
}

// EpisodeSteps returns an episode's materialised steps in sequence order.
func (s *Store) EpisodeSteps(ctx context.Context, episodeID uuid.UUID) ([]EpisodeStep, error) {
	rows, err := s.db.Query(ctx, `SELECT `+EpisodeStepColumns+`
		FROM episode_steps WHERE episode_id = $1 ORDER BY seq`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("pathway: load episode steps: %w", err)
	}
	defer rows.Close()

	var out []EpisodeStep
	for rows.Next() {
		es, err := ScanEpisodeStep(rows)
		if err != nil {
			return nil, fmt.Errorf("pathway: scan episode step: %w", err)
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// EpisodeStepsFor loads materialised steps for many episodes in one query.
func (s *Store) EpisodeStepsFor(ctx context.Context, episodeIDs []uuid.UUID) (map[uuid.UUID][]EpisodeStep, error) {
	out := make(map[uuid.UUID][]EpisodeStep, len(episodeIDs))
	if len(episodeIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+EpisodeStepColumns+`
		FROM episode_steps WHERE episode_id = ANY($1) ORDER BY episode_id, seq`, episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("pathway: load batch episode steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		es, err := ScanEpisodeStep(rows)
		if err != nil {
			return nil, fmt.Errorf("pathway: scan episode step: %w", err)
		}
		out[es.EpisodeID] = append(out[es.EpisodeID], es)
	}
	return out, rows.Err()
}
