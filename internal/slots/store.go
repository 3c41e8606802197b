package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and guards writes to time_slots.
type Store struct {
	db DB
}

// NewStore creates a slot store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// CountFreeInWindow counts free slots usable by pool whose start falls inside
// the inclusive window. Flexible slots count toward every pool.
func (s *Store) CountFreeInWindow(ctx context.Context, pool pathway.Pool, w pathway.Window) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM time_slots
		WHERE state = 'free'
			AND purpose IN ($1, 'flexible')
			AND starts_at >= $2 AND starts_at < $3`,
		string(PurposeFor(pool)), w.Earliest, w.End()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("slots: count free in window: %w", err)
	}
	return n, nil
}

// CountFreeByPurpose groups free slots starting in [from, to) by purpose.
// Untagged slots are reported as flexible.
func (s *Store) CountFreeByPurpose(ctx context.Context, from, to time.Time) (map[Purpose]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT COALESCE(NULLIF(purpose, ''), 'flexible') AS purpose, COUNT(*)
		FROM time_slots
		WHERE state = 'free' AND starts_at >= $1 AND starts_at < $2
		GROUP BY 1`, from, to)
	if err != nil {
		return nil, fmt.Errorf("slots: count free by purpose: %w", err)
	}
	defer rows.Close()

	counts := make(map[Purpose]int)
	for rows.Next() {
		var purpose string
		var n int
		if err := rows.Scan(&purpose, &n); err != nil {
			return nil, fmt.Errorf("slots: scan purpose count: %w", err)
		}
		counts[Purpose(purpose)] += n
	}
	return counts, rows.Err()
}

// ListRetaggable returns free flexible or untagged slots starting in [from, to), earliest first.
func (s *Store) ListRetaggable(ctx context.Context, from, to time.Time, limit int) ([]Slot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider_id, starts_at, ends_at, state, COALESCE(purpose, '')
		FROM time_slots
		WHERE state = 'free'
			AND (purpose = 'flexible' OR purpose IS NULL OR purpose = '')
			AND starts_at >= $1 AND starts_at < $2
		ORDER BY starts_at, id
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("slots: list retaggable: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var sl Slot
		var state, purpose string
		if err := rows.Scan(&sl.ID, &sl.ProviderID, &sl.StartsAt, &sl.EndsAt, &state, &purpose); err != nil {
			return nil, fmt.Errorf("slots: scan slot: %w", err)
		}
		sl.State = State(state)
		sl.Purpose = Purpose(purpose)
		out = append(out, sl)
	}
	return out, rows.Err()
}

// Retag changes a slot's purpose only while it is still free and still
// carries the expected old purpose. It reports whether a row was updated.
func (s *Store) Retag(ctx context.Context, slotID uuid.UUID, from, to Purpose) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE time_slots SET purpose = $1, updated_at = now()
		WHERE id = $2 AND state = 'free' AND COALESCE(NULLIF(purpose, ''), 'flexible') = $3`,
		string(to), slotID, string(normalize(from)))
	if err != nil {
		return false, fmt.Errorf("slots: retag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release returns a held slot to the free pool using db, which is usually an
// open transaction. Slots that moved on to a higher-precedence state are left alone.
func Release(ctx context.Context, db DB, slotID uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE time_slots SET state = 'free', updated_at = now()
		WHERE id = $1 AND state = 'held'`, slotID)
	if err != nil {
		return false, fmt.Errorf("slots: release: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func normalize(p Purpose) Purpose {
	if p == "" {
		return PurposeFlexible
	}
	return p
}
