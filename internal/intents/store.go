package intents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// ErrEpisodeNotFound is returned when projecting an unknown episode.
var ErrEpisodeNotFound = errors.New("intents: episode not found")

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists slot intents.
type Store struct {
	db       DB
	pathways *pathway.Store
	loc      *time.Location
}

// NewStore creates an intent store.
func NewStore(db DB) *Store {
	return &Store{db: db, pathways: pathway.NewStore(db)}
}

// WithLocation sets the clinic zone projection windows are computed in.
func (s *Store) WithLocation(loc *time.Location) *Store {
	s.loc = loc
	return s
}

const intentColumns = `id, episode_id, step_code, step_seq, pool, duration_minutes,
	earliest, latest, state, source_hash, expires_at, updated_at`

func scanIntent(row pgx.Row) (Intent, error) {
	var (
		it          Intent
		pool, state string
	)
	err := row.Scan(&it.ID, &it.EpisodeID, &it.StepCode, &it.StepSeq, &pool, &it.DurationMinutes,
		&it.Window.Earliest, &it.Window.Latest, &state, &it.SourceHash, &it.ExpiresAt, &it.UpdatedAt)
	it.Pool = pathway.Pool(pool)
	it.State = State(state)
	return it, err
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collectIntents(rows pgx.Rows) ([]Intent, error) {
	defer rows.Close()
	var out []Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("intents: scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LoadProjection reads an episode's projection inputs. open is false for
// closed episodes, which must not be projected.
func (s *Store) LoadProjection(ctx context.Context, episodeID uuid.UUID) (in ProjectionInputs, open bool, err error) {
	in.EpisodeID = episodeID
	in.Location = s.loc
	var status string
	err = s.db.QueryRow(ctx, `SELECT status, opened_at FROM episodes WHERE id = $1`, episodeID).
		Scan(&status, &in.OpenedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return in, false, ErrEpisodeNotFound
		}
		return in, false, fmt.Errorf("intents: load episode: %w", err)
	}
	if status != "open" {
		return in, false, nil
	}

	if in.EpisodeSteps, err = s.pathways.EpisodeSteps(ctx, episodeID); err != nil {
		return in, false, err
	}
	in.Steps, err = s.pathways.Steps(ctx, episodeID)
	if err != nil && !(errors.Is(err, pathway.ErrNoPathway) && len(in.EpisodeSteps) > 0) {
		return in, false, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT step_code, step_seq, starts_at, COALESCE(status, '')
		FROM appointments
		WHERE episode_id = $1 AND step_code IS NOT NULL
		ORDER BY starts_at`, episodeID)
	if err != nil {
		return in, false, fmt.Errorf("intents: load appointments: %w", err)
	}
	for rows.Next() {
		var a StepAppointment
		if err := rows.Scan(&a.StepCode, &a.StepSeq, &a.StartsAt, &a.Status); err != nil {
			rows.Close()
			return in, false, fmt.Errorf("intents: scan appointment: %w", err)
		}
		in.Appointments = append(in.Appointments, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return in, false, fmt.Errorf("intents: iterate appointments: %w", err)
	}

	if in.Existing, err = s.ListByEpisode(ctx, episodeID); err != nil {
		return in, false, err
	}
	return in, true, nil
}

// upsertQuery writes every planned intent in one statement. The conflict
// branch only touches open or expired rows, and only when something changed,
// so a rerun with unchanged inputs writes nothing.
const upsertQuery = `
	INSERT INTO slot_intents (id, episode_id, step_code, step_seq, pool, duration_minutes,
		earliest, latest, state, source_hash, expires_at, updated_at)
	SELECT u.id, $1, u.step_code, u.step_seq, u.pool, u.duration_minutes,
		u.earliest, u.latest, u.state, u.source_hash, u.expires_at, $12
	FROM unnest($2::uuid[], $3::text[], $4::int[], $5::text[], $6::int[],
		$7::date[], $8::date[], $9::text[], $10::text[], $11::timestamptz[])
		AS u(id, step_code, step_seq, pool, duration_minutes, earliest, latest, state, source_hash, expires_at)
	ON CONFLICT (episode_id, step_code, step_seq) DO UPDATE SET
		pool = EXCLUDED.pool,
		duration_minutes = EXCLUDED.duration_minutes,
		earliest = EXCLUDED.earliest,
		latest = EXCLUDED.latest,
		state = EXCLUDED.state,
		source_hash = EXCLUDED.source_hash,
		expires_at = EXCLUDED.expires_at,
		updated_at = EXCLUDED.updated_at
	WHERE slot_intents.state IN ('open', 'expired')
		AND (slot_intents.pool, slot_intents.duration_minutes, slot_intents.earliest,
			slot_intents.latest, slot_intents.state, slot_intents.source_hash, slot_intents.expires_at)
		IS DISTINCT FROM
			(EXCLUDED.pool, EXCLUDED.duration_minutes, EXCLUDED.earliest,
			EXCLUDED.latest, EXCLUDED.state, EXCLUDED.source_hash, EXCLUDED.expires_at)`

// Apply expires and upserts per plan in one transaction. It returns the
// number of rows expired and written.
func (s *Store) Apply(ctx context.Context, episodeID uuid.UUID, plan Plan, now time.Time) (expired, written int64, err error) {
	if len(plan.Expire) == 0 && len(plan.Upserts) == 0 {
		return 0, 0, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("intents: begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(plan.Expire) > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE slot_intents SET state = 'expired', updated_at = $2
			WHERE id = ANY($1) AND state = 'open'`, plan.Expire, now)
		if err != nil {
			return 0, 0, fmt.Errorf("intents: expire drifted: %w", err)
		}
		expired = tag.RowsAffected()
	}

	if n := len(plan.Upserts); n > 0 {
		var (
			ids       = make([]uuid.UUID, n)
			codes     = make([]string, n)
			seqs      = make([]int, n)
			pools     = make([]string, n)
			durations = make([]int, n)
			earliest  = make([]time.Time, n)
			latest    = make([]time.Time, n)
			states    = make([]string, n)
			hashes    = make([]string, n)
			expires   = make([]time.Time, n)
		)
		for i, it := range plan.Upserts {
			ids[i] = uuid.New()
			codes[i] = it.StepCode
			seqs[i] = it.StepSeq
			pools[i] = string(it.Pool)
			durations[i] = it.DurationMinutes
			earliest[i] = it.Window.Earliest
			latest[i] = it.Window.Latest
			states[i] = string(it.State)
			hashes[i] = it.SourceHash
			expires[i] = it.ExpiresAt
		}
		tag, err := tx.Exec(ctx, upsertQuery, episodeID, ids, codes, seqs, pools, durations,
			earliest, latest, states, hashes, expires, now)
		if err != nil {
			return 0, 0, fmt.Errorf("intents: upsert: %w", err)
		}
		written = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("intents: commit apply: %w", err)
	}
	return expired, written, nil
}

// ExpireDue flips every open intent past its expiry to expired.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE slot_intents SET state = 'expired', updated_at = $1
		WHERE state = 'open' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("intents: expire due: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkConverted records that an appointment was booked against the intent
// for (episode, step, seq). It returns false when no mutable intent matched.
func (s *Store) MarkConverted(ctx context.Context, episodeID uuid.UUID, key Key, appointmentID uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE slot_intents SET state = 'converted', appointment_id = $4, updated_at = $5
		WHERE episode_id = $1 AND step_code = $2 AND step_seq = $3
			AND state IN ('open', 'expired')`,
		episodeID, key.StepCode, key.StepSeq, appointmentID, now)
	if err != nil {
		return false, fmt.Errorf("intents: mark converted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByEpisode returns every intent of an episode in step order.
func (s *Store) ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]Intent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+intentColumns+`
		FROM slot_intents WHERE episode_id = $1 ORDER BY step_seq`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("intents: list by episode: %w", err)
	}
	return collectIntents(rows)
}

// ListByProvider returns open intents of a provider's episodes whose window
// overlaps [from, to].
func (s *Store) ListByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Intent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+prefixed("si", intentColumns)+`
		FROM slot_intents si JOIN episodes e ON e.id = si.episode_id
		WHERE e.provider_id = $1 AND si.state = 'open'
			AND si.latest >= $2 AND si.earliest <= $3
		ORDER BY si.earliest, si.episode_id, si.step_seq`, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("intents: list by provider: %w", err)
	}
	return collectIntents(rows)
}
