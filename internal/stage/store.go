package stage

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

// Store persists stage events, rule sets, suggestions and dismissals.
type Store struct {
	db DB
}

// NewStore creates a stage store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const factsQuery = `
	SELECT e.status = 'open', e.snapshot_version,
		COALESCE((SELECT se.stage FROM stage_events se
			WHERE se.episode_id = e.id
			ORDER BY se.occurred_at DESC, se.created_at DESC LIMIT 1), 'STAGE_0'),
		pw.pathway_id, COALESCE(pw.treatment_type, ''),
		EXISTS (SELECT 1 FROM appointments a
			WHERE a.episode_id = e.id AND a.pool = 'consult' AND a.status = 'completed'),
		EXISTS (SELECT 1 FROM treatment_plans tp WHERE tp.episode_id = e.id),
		EXISTS (SELECT 1 FROM offers o WHERE o.episode_id = e.id),
		EXISTS (SELECT 1 FROM offers o WHERE o.episode_id = e.id AND o.status = 'accepted')
	FROM episodes e
	LEFT JOIN LATERAL (
		SELECT ep.pathway_id, p.treatment_type
		FROM episode_pathways ep JOIN care_pathways p ON p.id = ep.pathway_id
		WHERE ep.episode_id = e.id AND ep.active
		ORDER BY ep.ordinal LIMIT 1
	) pw ON true
	WHERE e.id = $1`

// Facts reads the raw facts for one episode strictly from its own rows.
// A missing episode yields nil, nil.
func (s *Store) Facts(ctx context.Context, episodeID uuid.UUID) (*RawFacts, error) {
	raw := RawFacts{EpisodeID: episodeID}
	var stage string
	err := s.db.QueryRow(ctx, factsQuery, episodeID).Scan(
		&raw.Open, &raw.Version, &stage, &raw.PathwayID, &raw.TreatmentType,
		&raw.ConsultAppointmentCompleted, &raw.TreatmentPlanExists, &raw.OfferExists, &raw.OfferAccepted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("stage: load facts: %w", err)
	}
	raw.CurrentStage = Code(stage)

	rows, err := s.db.Query(ctx, `
		SELECT code, pool, phase, status, completed_at
		FROM episode_steps WHERE episode_id = $1 ORDER BY seq`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("stage: load step facts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f StepFact
		var pool, phase string
		if err := rows.Scan(&f.Code, &pool, &phase, &f.Status, &f.CompletedAt); err != nil {
			return nil, fmt.Errorf("stage: scan step fact: %w", err)
		}
		f.Pool = pathway.Pool(pool)
		f.Phase = pathway.Phase(phase)
		raw.Steps = append(raw.Steps, f)
	}
	return &raw, rows.Err()
}

// Events returns an episode's stage history, oldest first.
func (s *Store) Events(ctx context.Context, episodeID uuid.UUID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, episode_id, stage, occurred_at, COALESCE(actor, '')
		FROM stage_events WHERE episode_id = $1
		ORDER BY occurred_at, created_at`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("stage: list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var code string
		if err := rows.Scan(&ev.ID, &ev.EpisodeID, &code, &ev.OccurredAt, &ev.Actor); err != nil {
			return nil, fmt.Errorf("stage: scan event: %w", err)
		}
		ev.Stage = Code(code)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Published returns the single published rule set or nil. Drafts are invisible.
func (s *Store) Published(ctx context.Context) (*RuleSet, error) {
	set := RuleSet{Status: RuleSetPublished}
	err := s.db.QueryRow(ctx, `
		SELECT id, version FROM stage_rule_sets
		WHERE status = 'published'
		ORDER BY published_at DESC LIMIT 1`).Scan(&set.ID, &set.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("stage: load published set: %w", err)
	}
	rules, err := s.rules(ctx, set.ID)
	if err != nil {
		return nil, err
	}
	set.Rules = rules
	return &set, nil
}

func (s *Store) rules(ctx context.Context, setID uuid.UUID) ([]Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT rule_key, from_stage, to_stage, conditions
		FROM stage_rules WHERE rule_set_id = $1 ORDER BY position`, setID)
	if err != nil {
		return nil, fmt.Errorf("stage: load rules: %w", err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var r Rule
		var from, to string
		if err := rows.Scan(&r.Key, &from, &to, &r.Conditions); err != nil {
			return nil, fmt.Errorf("stage: scan rule: %w", err)
		}
		r.FromStage, r.ToStage = Code(from), Code(to)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateDraft stores rules as a new draft version.
func (s *Store) CreateDraft(ctx context.Context, rules []Rule) (*RuleSet, error) {
	for _, r := range rules {
		if !r.FromStage.Valid() || !r.ToStage.Valid() {
			return nil, fmt.Errorf("%w: rule %q", ErrInvalidStage, r.Key)
		}
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage: begin draft: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	set := RuleSet{ID: uuid.New(), Status: RuleSetDraft, Rules: rules}
	if err := tx.QueryRow(ctx, `
		INSERT INTO stage_rule_sets (id, version, status)
		VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM stage_rule_sets), 'draft')
		RETURNING version`, set.ID).Scan(&set.Version); err != nil {
		return nil, fmt.Errorf("stage: insert draft: %w", err)
	}
	for i, r := range rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stage_rules (rule_set_id, position, rule_key, from_stage, to_stage, conditions)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			set.ID, i, r.Key, string(r.FromStage), string(r.ToStage), r.Conditions); err != nil {
			return nil, fmt.Errorf("stage: insert rule %q: %w", r.Key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("stage: commit draft: %w", err)
	}
	return &set, nil
}

// Publish makes a draft version the only published set, retiring the previous one.
func (s *Store) Publish(ctx context.Context, version int) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("stage: begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE stage_rule_sets SET status = 'retired'
		WHERE status = 'published'`); err != nil {
		return fmt.Errorf("stage: retire published: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE stage_rule_sets SET status = 'published', published_at = now()
		WHERE version = $1 AND status = 'draft'`, version)
	if err != nil {
		return fmt.Errorf("stage: publish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleSetNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("stage: commit publish: %w", err)
	}
	return nil
}

// Live returns the episode's current suggestion or nil.
func (s *Store) Live(ctx context.Context, episodeID uuid.UUID) (*Suggestion, error) {
	sg := Suggestion{EpisodeID: episodeID}
	var from, to string
	err := s.db.QueryRow(ctx, `
		SELECT from_stage, to_stage, rule_keys, rule_set_version, snapshot_version, dedupe_key, created_at
		FROM stage_suggestions WHERE episode_id = $1`, episodeID).
		Scan(&from, &to, &sg.RuleKeys, &sg.RuleSetVersion, &sg.SnapshotVersion, &sg.DedupeKey, &sg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("stage: load suggestion: %w", err)
	}
	sg.FromStage, sg.ToStage = Code(from), Code(to)
	return &sg, nil
}

// IsDismissed reports whether key is suppressed for the episode at now.
func (s *Store) IsDismissed(ctx context.Context, episodeID uuid.UUID, key string, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM stage_suggestion_dismissals
			WHERE episode_id = $1 AND dedupe_key = $2 AND expires_at > $3)`,
		episodeID, key, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("stage: check dismissal: %w", err)
	}
	return exists, nil
}

// SaveSuggestion overwrites the episode's live suggestion and appends an
// audit row. Re-saving an identical suggestion changes nothing.
func (s *Store) SaveSuggestion(ctx context.Context, sg *Suggestion) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("stage: begin save suggestion: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO stage_suggestions
			(episode_id, from_stage, to_stage, rule_keys, rule_set_version, snapshot_version, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (episode_id) DO UPDATE SET
			from_stage = EXCLUDED.from_stage,
			to_stage = EXCLUDED.to_stage,
			rule_keys = EXCLUDED.rule_keys,
			rule_set_version = EXCLUDED.rule_set_version,
			snapshot_version = EXCLUDED.snapshot_version,
			dedupe_key = EXCLUDED.dedupe_key,
			created_at = EXCLUDED.created_at
		WHERE stage_suggestions.dedupe_key IS DISTINCT FROM EXCLUDED.dedupe_key
			OR stage_suggestions.snapshot_version IS DISTINCT FROM EXCLUDED.snapshot_version`,
		sg.EpisodeID, string(sg.FromStage), string(sg.ToStage), sg.RuleKeys,
		sg.RuleSetVersion, sg.SnapshotVersion, sg.DedupeKey, sg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("stage: upsert suggestion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stage_suggestion_log
			(id, episode_id, from_stage, to_stage, rule_keys, rule_set_version, snapshot_version, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), sg.EpisodeID, string(sg.FromStage), string(sg.ToStage), sg.RuleKeys,
		sg.RuleSetVersion, sg.SnapshotVersion, sg.DedupeKey, sg.CreatedAt); err != nil {
		return false, fmt.Errorf("stage: append suggestion log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("stage: commit suggestion: %w", err)
	}
	return true, nil
}

// Dismiss suppresses key for the episode until expiresAt and hides the live
// suggestion if it carries that key.
func (s *Store) Dismiss(ctx context.Context, episodeID uuid.UUID, key string, expiresAt time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("stage: begin dismiss: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO stage_suggestion_dismissals (episode_id, dedupe_key, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (episode_id, dedupe_key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		episodeID, key, expiresAt); err != nil {
		return fmt.Errorf("stage: insert dismissal: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM stage_suggestions WHERE episode_id = $1 AND dedupe_key = $2`,
		episodeID, key); err != nil {
		return fmt.Errorf("stage: hide dismissed suggestion: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("stage: commit dismiss: %w", err)
	}
	return nil
}

// ClearSuggestion deletes the live suggestion row.
func (s *Store) ClearSuggestion(ctx context.Context, episodeID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM stage_suggestions WHERE episode_id = $1`, episodeID)
	if err != nil {
		return false, fmt.Errorf("stage: clear suggestion: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordTransition appends a stage event, bumps the episode's versions,
// clears its live suggestion and emits an outbox event, atomically.
func (s *Store) RecordTransition(ctx context.Context, episodeID uuid.UUID, to Code, actor string, at time.Time) (*Event, error) {
	if !to.Valid() {
		return nil, ErrInvalidStage
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev := &Event{ID: uuid.New(), EpisodeID: episodeID, Stage: to, OccurredAt: at, Actor: actor}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stage_events (id, episode_id, stage, occurred_at, actor)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, episodeID, string(to), at, actor); err != nil {
		return nil, fmt.Errorf("stage: insert event: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE episodes
		SET stage_version = stage_version + 1, snapshot_version = snapshot_version + 1
		WHERE id = $1`, episodeID); err != nil {
		return nil, fmt.Errorf("stage: bump versions: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stage_suggestions WHERE episode_id = $1`, episodeID); err != nil {
		return nil, fmt.Errorf("stage: clear on transition: %w", err)
	}
	if _, err := outbox.Append(ctx, tx, outbox.EntityStageEvent, ev.ID, outbox.EventCreated); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("stage: commit transition: %w", err)
	}
	return ev, nil
}
