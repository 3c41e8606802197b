package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Querier is the read access the quoter needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Quote is returned to the booking flow for a prospective appointment.
type Quote struct {
	Policy
	PriorNoShows  int       `json:"prior_no_shows"`
	HoldExpiresAt time.Time `json:"hold_expires_at"`
}

// Quoter prices a booking's no-show risk from the patient's history.
type Quoter struct {
	db  Querier
	loc *time.Location
	now func() time.Time
}

// NewQuoter creates a quoter. Slot hours are judged in loc.
func NewQuoter(db Querier, loc *time.Location) *Quoter {
	if loc == nil {
		loc = time.UTC
	}
	return &Quoter{db: db, loc: loc, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (q *Quoter) WithClock(now func() time.Time) *Quoter {
	if now != nil {
		q.now = now
	}
	return q
}

// PriorNoShows counts a patient's no-shows in the twelve months before asOf.
func (q *Quoter) PriorNoShows(ctx context.Context, patientID uuid.UUID, asOf time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE patient_id = $1 AND status = 'no_show'
			AND starts_at >= $2 AND starts_at < $3`,
		patientID, asOf.AddDate(-1, 0, 0), asOf).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("risk: count prior no-shows: %w", err)
	}
	return n, nil
}

// Quote scores a booking of slotStart for the patient made now.
func (q *Quoter) Quote(ctx context.Context, patientID uuid.UUID, slotStart time.Time) (*Quote, error) {
	now := q.now()
	prior, err := q.PriorNoShows(ctx, patientID, now)
	if err != nil {
		return nil, err
	}
	score := Estimate(Inputs{
		PriorNoShows: prior,
		LeadTime:     slotStart.Sub(now),
		SlotStart:    slotStart.In(q.loc),
	})
	policy := PolicyFor(score)
	return &Quote{
		Policy:        policy,
		PriorNoShows:  prior,
		HoldExpiresAt: now.Add(time.Duration(policy.HoldHours) * time.Hour),
	}, nil
}
