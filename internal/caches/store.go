package caches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// ErrNotFound is returned when an episode has no cached row yet.
var ErrNotFound = errors.New("caches: not found")

// DefaultFeedLimit caps the virtual feed when no limit is configured.
const DefaultFeedLimit = 500

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and overwrites cache rows.
type Store struct {
	db      DB
	feedMax int
}

// NewStore creates a cache store. feedMax caps feed queries.
func NewStore(db DB, feedMax int) *Store {
	if feedMax <= 0 {
		feedMax = DefaultFeedLimit
	}
	return &Store{db: db, feedMax: feedMax}
}

// UpsertNextStep overwrites the episode's next-step row.
func (s *Store) UpsertNextStep(ctx context.Context, row *NextStepRow) error {
	inputs, err := json.Marshal(row.InputsUsed)
	if err != nil {
		return fmt.Errorf("caches: marshal inputs: %w", err)
	}
	blockKeys := row.BlockKeys
	if blockKeys == nil {
		blockKeys = []string{}
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO episode_next_step_cache (episode_id, status, reason, block_keys, seq, step_code,
			step_label, pool, duration_minutes, earliest, latest, pathway_complete, inputs_used, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (episode_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			block_keys = EXCLUDED.block_keys,
			seq = EXCLUDED.seq,
			step_code = EXCLUDED.step_code,
			step_label = EXCLUDED.step_label,
			pool = EXCLUDED.pool,
			duration_minutes = EXCLUDED.duration_minutes,
			earliest = EXCLUDED.earliest,
			latest = EXCLUDED.latest,
			pathway_complete = EXCLUDED.pathway_complete,
			inputs_used = EXCLUDED.inputs_used,
			computed_at = EXCLUDED.computed_at`,
		row.EpisodeID, string(row.Status), row.Reason, blockKeys, row.Seq, row.StepCode,
		row.StepLabel, string(row.Pool), row.DurationMinutes, row.Earliest, row.Latest,
		row.PathwayComplete, inputs, row.ComputedAt)
	if err != nil {
		return fmt.Errorf("caches: upsert next step: %w", err)
	}
	return nil
}

// UpsertForecast overwrites the episode's forecast row.
func (s *Store) UpsertForecast(ctx context.Context, row *ForecastRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO episode_forecast_cache (episode_id, status, reason, remaining_visits,
			remaining_minutes, projected_completion, overdue_days, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (episode_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			remaining_visits = EXCLUDED.remaining_visits,
			remaining_minutes = EXCLUDED.remaining_minutes,
			projected_completion = EXCLUDED.projected_completion,
			overdue_days = EXCLUDED.overdue_days,
			computed_at = EXCLUDED.computed_at`,
		row.EpisodeID, string(row.Status), row.Reason, row.RemainingVisits,
		row.RemainingMinutes, row.ProjectedCompletion, row.OverdueDays, row.ComputedAt)
	if err != nil {
		return fmt.Errorf("caches: upsert forecast: %w", err)
	}
	return nil
}

const nextStepColumns = `c.episode_id, c.status, c.reason, c.block_keys, c.seq, c.step_code,
	c.step_label, c.pool, c.duration_minutes, c.earliest, c.latest, c.pathway_complete,
	c.inputs_used, c.computed_at`

func scanNextStep(row pgx.Row) (*NextStepRow, error) {
	var (
		r            NextStepRow
		status, pool string
		inputs       []byte
	)
	if err := row.Scan(&r.EpisodeID, &status, &r.Reason, &r.BlockKeys, &r.Seq, &r.StepCode,
		&r.StepLabel, &pool, &r.DurationMinutes, &r.Earliest, &r.Latest, &r.PathwayComplete,
		&inputs, &r.ComputedAt); err != nil {
		return nil, err
	}
	r.Status = nextstep.Status(status)
	r.Pool = pathway.Pool(pool)
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &r.InputsUsed); err != nil {
			return nil, fmt.Errorf("caches: decode inputs: %w", err)
		}
	}
	return &r, nil
}

// NextStep reads one episode's cached next step.
func (s *Store) NextStep(ctx context.Context, episodeID uuid.UUID) (*NextStepRow, error) {
	row, err := scanNextStep(s.db.QueryRow(ctx, `SELECT `+nextStepColumns+`
		FROM episode_next_step_cache c WHERE c.episode_id = $1`, episodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("caches: get next step: %w", err)
	}
	return row, nil
}

// NextStepsByProvider lists cached next steps for a provider's open
// episodes whose window overlaps [from, to].
func (s *Store) NextStepsByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*NextStepRow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+nextStepColumns+`
		FROM episode_next_step_cache c JOIN episodes e ON e.id = c.episode_id
		WHERE e.provider_id = $1 AND e.status = 'open'
			AND c.latest >= $2 AND c.earliest <= $3
		ORDER BY c.earliest, c.episode_id`, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("caches: list next steps: %w", err)
	}
	defer rows.Close()

	var out []*NextStepRow
	for rows.Next() {
		r, err := scanNextStep(rows)
		if err != nil {
			return nil, fmt.Errorf("caches: scan next step: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Forecast reads one episode's cached forecast.
func (s *Store) Forecast(ctx context.Context, episodeID uuid.UUID) (*ForecastRow, error) {
	var (
		r      ForecastRow
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT episode_id, status, reason, remaining_visits, remaining_minutes,
			projected_completion, overdue_days, computed_at
		FROM episode_forecast_cache WHERE episode_id = $1`, episodeID).
		Scan(&r.EpisodeID, &status, &r.Reason, &r.RemainingVisits, &r.RemainingMinutes,
			&r.ProjectedCompletion, &r.OverdueDays, &r.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("caches: get forecast: %w", err)
	}
	r.Status = nextstep.Status(status)
	return &r, nil
}

// Feed returns virtual appointments for cached next steps matching f,
// earliest window first, capped at the configured maximum.
func (s *Store) Feed(ctx context.Context, f FeedFilter) ([]FeedItem, error) {
	var (
		where = []string{"e.status = 'open'", "c.earliest IS NOT NULL", "NOT c.pathway_complete"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.From != nil {
		where = append(where, "c.latest >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "c.earliest <= "+arg(*f.To))
	}
	if f.ProviderID != nil {
		where = append(where, "e.provider_id = "+arg(*f.ProviderID))
	}
	if f.Pool != "" {
		where = append(where, "c.pool = "+arg(string(f.Pool)))
	}
	if f.ReadyOnly {
		where = append(where, "c.status = 'ready'")
	}
	limit := f.Limit
	if limit <= 0 || limit > s.feedMax {
		limit = s.feedMax
	}

	query := `
		SELECT c.episode_id, e.patient_id, COALESCE(p.display_name, ''), e.provider_id,
			c.status, c.reason, c.step_code, c.step_label, c.pool, c.duration_minutes,
			c.earliest, c.latest
		FROM episode_next_step_cache c
		JOIN episodes e ON e.id = c.episode_id
		LEFT JOIN patients p ON p.id = e.patient_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.earliest, c.episode_id
		LIMIT ` + arg(limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("caches: feed: %w", err)
	}
	defer rows.Close()

	var items []FeedItem
	for rows.Next() {
		var (
			it           FeedItem
			status, pool string
		)
		if err := rows.Scan(&it.EpisodeID, &it.PatientID, &it.PatientName, &it.ProviderID,
			&status, &it.Reason, &it.StepCode, &it.StepLabel, &pool, &it.DurationMinutes,
			&it.Earliest, &it.Latest); err != nil {
			return nil, fmt.Errorf("caches: scan feed item: %w", err)
		}
		it.Status = nextstep.Status(status)
		it.Pool = pathway.Pool(pool)
		it.Key = ItemKey(it.EpisodeID, it.StepCode, it.Earliest, it.Latest, it.Status)
		items = append(items, it)
	}
	return items, rows.Err()
}
