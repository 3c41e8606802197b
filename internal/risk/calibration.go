package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// BucketWidth is the risk range each calibration bucket covers.
const BucketWidth = 0.05

// Sample is one terminal appointment with the risk it was booked at.
type Sample struct {
	Risk   float64
	NoShow bool
}

// Bucket compares predicted and observed no-show rates over a risk range.
type Bucket struct {
	Low           float64 `json:"low"`
	High          float64 `json:"high"`
	Samples       int     `json:"samples"`
	NoShows       int     `json:"no_shows"`
	MeanPredicted float64 `json:"mean_predicted"`
	ObservedRate  float64 `json:"observed_rate"`
}

// Calibrate groups samples into fixed-width buckets ordered by risk.
func Calibrate(samples []Sample) []Bucket {
	type acc struct {
		n, noShows int
		sum        float64
	}
	byIndex := make(map[int]*acc)
	for _, s := range samples {
		idx := int(math.Floor(s.Risk/BucketWidth + 1e-9))
		a := byIndex[idx]
		if a == nil {
			a = &acc{}
			byIndex[idx] = a
		}
		a.n++
		a.sum += s.Risk
		if s.NoShow {
			a.noShows++
		}
	}

	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]Bucket, 0, len(indexes))
	for _, idx := range indexes {
		a := byIndex[idx]
		out = append(out, Bucket{
			Low:           round(float64(idx) * BucketWidth),
			High:          round(float64(idx+1) * BucketWidth),
			Samples:       a.n,
			NoShows:       a.noShows,
			MeanPredicted: round(a.sum / float64(a.n)),
			ObservedRate:  round(float64(a.noShows) / float64(a.n)),
		})
	}
	return out
}

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CalibrationJob compares stored risk scores with what actually happened.
type CalibrationJob struct {
	db     DB
	window time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// NewCalibrationJob creates the job over the last windowDays of appointments.
func NewCalibrationJob(db DB, windowDays int, logger *logging.Logger) *CalibrationJob {
	if logger == nil {
		logger = logging.Default()
	}
	if windowDays <= 0 {
		windowDays = 180
	}
	return &CalibrationJob{
		db:     db,
		window: time.Duration(windowDays) * 24 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock overrides the time source.
func (j *CalibrationJob) WithClock(now func() time.Time) *CalibrationJob {
	if now != nil {
		j.now = now
	}
	return j
}

// Run computes buckets and stores them under runID.
func (j *CalibrationJob) Run(ctx context.Context, runID string) ([]Bucket, error) {
	now := j.now()
	rows, err := j.db.Query(ctx, `
		SELECT no_show_risk, status = 'no_show'
		FROM appointments
		WHERE no_show_risk IS NOT NULL
			AND status IN ('completed', 'no_show')
			AND starts_at >= $1 AND starts_at < $2`,
		now.Add(-j.window), now)
	if err != nil {
		return nil, fmt.Errorf("risk: load calibration samples: %w", err)
	}
	var samples []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.Risk, &s.NoShow); err != nil {
			rows.Close()
			return nil, fmt.Errorf("risk: scan calibration sample: %w", err)
		}
		samples = append(samples, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk: iterate calibration samples: %w", err)
	}

	buckets := Calibrate(samples)
	if len(buckets) == 0 {
		return buckets, nil
	}

	tx, err := j.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: begin calibration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, b := range buckets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO no_show_calibration
				(id, run_id, bucket_low, bucket_high, samples, no_shows, mean_predicted, observed_rate, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.New(), runID, b.Low, b.High, b.Samples, b.NoShows, b.MeanPredicted, b.ObservedRate, now); err != nil {
			return nil, fmt.Errorf("risk: store calibration bucket: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("risk: commit calibration: %w", err)
	}
	j.logger.Info("risk: calibration stored", "run_id", runID, "samples", len(samples), "buckets", len(buckets))
	return buckets, nil
}
