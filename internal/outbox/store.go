package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Append writes an event through db, normally the caller's open transaction
// so the event commits or rolls back with the change it describes.
func Append(ctx context.Context, db Execer, entity EntityType, entityID uuid.UUID, event EventType) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.Exec(ctx, `
		INSERT INTO scheduling_events (id, entity_type, entity_id, event_type)
		VALUES ($1, $2, $3, $4)`,
		id, string(entity), entityID, string(event))
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: append: %w", err)
	}
	return id, nil
}

// Store reads and acknowledges scheduling events.
type Store struct {
	db DB
}

// NewStore creates an outbox store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("outbox: db required")
	}
	return &Store{db: db}
}

// Append writes an event outside any caller transaction.
func (s *Store) Append(ctx context.Context, entity EntityType, entityID uuid.UUID, event EventType) (uuid.UUID, error) {
	return Append(ctx, s.db, entity, entityID, event)
}

// resolveQuery maps every entity kind to its owning episode in one pass so a
// batch never costs one lookup per event.
const resolveQuery = `
	SELECT e.id, e.entity_type, e.entity_id, e.event_type, e.created_at,
		COALESCE(ep.id, st.episode_id, se.episode_id, bl.episode_id, ct.episode_id, ap.episode_id) AS episode_id
	FROM scheduling_events e
	LEFT JOIN episodes ep ON e.entity_type = 'episode' AND ep.id = e.entity_id
	LEFT JOIN episode_steps st ON e.entity_type = 'episode_step' AND st.id = e.entity_id
	LEFT JOIN stage_events se ON e.entity_type = 'stage_event' AND se.id = e.entity_id
	LEFT JOIN episode_blocks bl ON e.entity_type = 'episode_block' AND bl.id = e.entity_id
	LEFT JOIN care_team_members ct ON e.entity_type = 'care_team' AND ct.id = e.entity_id
	LEFT JOIN appointments ap ON e.entity_type = 'appointment' AND ap.id = e.entity_id
	WHERE e.processed_at IS NULL
		AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= now())
	ORDER BY e.created_at, e.id
	LIMIT $1`

// FetchResolved returns up to limit unprocessed events that are due, oldest
// first, each resolved to its owning episode.
func (s *Store) FetchResolved(ctx context.Context, limit int) ([]Resolved, error) {
	rows, err := s.db.Query(ctx, resolveQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	defer rows.Close()

	var out []Resolved
	for rows.Next() {
		var r Resolved
		var entity, event string
		if err := rows.Scan(&r.ID, &entity, &r.EntityID, &event, &r.CreatedAt, &r.EpisodeID); err != nil {
			return nil, fmt.Errorf("outbox: scan event: %w", err)
		}
		r.EntityType = EntityType(entity)
		r.EventType = EventType(event)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkProcessed stamps the given events. Already processed rows are skipped.
func (s *Store) MarkProcessed(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduling_events
		SET processed_at = now()
		WHERE id = ANY($1) AND processed_at IS NULL`, ids)
	if err != nil {
		return 0, fmt.Errorf("outbox: mark processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkFailed records a failed attempt on the given events and holds them back
// for base*2^attempts, capped at maxDelay.
func (s *Store) MarkFailed(ctx context.Context, ids []uuid.UUID, reason string, base, maxDelay time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduling_events
		SET attempts = attempts + 1,
			last_error = $2,
			next_attempt_at = now() + make_interval(secs => LEAST($3::float8 * power(2, attempts), $4::float8))
		WHERE id = ANY($1) AND processed_at IS NULL`,
		ids, reason, base.Seconds(), maxDelay.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox: mark failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
