package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/slots"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads demand and delegates slot access to the slots store.
type Store struct {
	db    DB
	slots *slots.Store
}

// NewStore creates a capacity store.
func NewStore(db DB) *Store {
	return &Store{db: db, slots: slots.NewStore(db)}
}

const stageDemandQuery = `
	SELECT COALESCE((SELECT se.stage FROM stage_events se
		WHERE se.episode_id = e.id
		ORDER BY se.occurred_at DESC, se.created_at DESC LIMIT 1), 'STAGE_0') AS stage,
		COUNT(*)
	FROM episodes e
	WHERE e.status = 'open'
	GROUP BY 1`

// Demand counts open episodes per pool by their current stage bucket, and
// adds recalls falling due before horizonEnd to the control pool.
func (s *Store) Demand(ctx context.Context, horizonEnd time.Time) (map[pathway.Pool]int, error) {
	rows, err := s.db.Query(ctx, stageDemandQuery)
	if err != nil {
		return nil, fmt.Errorf("capacity: load stage demand: %w", err)
	}
	defer rows.Close()

	demand := make(map[pathway.Pool]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("capacity: scan stage demand: %w", err)
		}
		demand[stage.Code(code).Pool()] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capacity: iterate stage demand: %w", err)
	}

	var recalls int
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM recalls
		WHERE completed_at IS NULL AND due_at < $1`, horizonEnd).Scan(&recalls); err != nil {
		return nil, fmt.Errorf("capacity: count due recalls: %w", err)
	}
	demand[pathway.PoolControl] += recalls
	return demand, nil
}

// FreeCounts counts free slots per purpose in [from, to).
func (s *Store) FreeCounts(ctx context.Context, from, to time.Time) (map[slots.Purpose]int, error) {
	return s.slots.CountFreeByPurpose(ctx, from, to)
}

// Retaggable lists free flexible slots in [from, to).
func (s *Store) Retaggable(ctx context.Context, from, to time.Time, limit int) ([]slots.Slot, error) {
	return s.slots.ListRetaggable(ctx, from, to, limit)
}

// Retag changes one slot's purpose if it is still free and flexible.
func (s *Store) Retag(ctx context.Context, slotID uuid.UUID, from, to slots.Purpose) (bool, error) {
	return s.slots.Retag(ctx, slotID, from, to)
}

// RecordRetag appends an audit row.
func (s *Store) RecordRetag(ctx context.Context, ev RetagEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO slot_retag_events (id, slot_id, old_purpose, new_purpose, reason, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), ev.SlotID, string(ev.OldPurpose), string(ev.NewPurpose), ev.Reason, ev.RunID, ev.At)
	if err != nil {
		return fmt.Errorf("capacity: record retag: %w", err)
	}
	return nil
}
