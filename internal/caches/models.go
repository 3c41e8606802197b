// Package caches maintains the per-episode next-step and forecast rows the
// worklist reads. Rows are derived state: always recomputed whole and
// overwritten, never patched.
package caches

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// NextStepRow is the cached next-step answer for an episode.
type NextStepRow struct {
	EpisodeID       uuid.UUID           `json:"episode_id"`
	Status          nextstep.Status     `json:"status"`
	Reason          string              `json:"reason,omitempty"`
	BlockKeys       []string            `json:"block_keys,omitempty"`
	Seq             int                 `json:"seq,omitempty"`
	StepCode        string              `json:"step_code,omitempty"`
	StepLabel       string              `json:"step_label,omitempty"`
	Pool            pathway.Pool        `json:"pool,omitempty"`
	DurationMinutes int                 `json:"duration_minutes,omitempty"`
	Earliest        *time.Time          `json:"earliest,omitempty"`
	Latest          *time.Time          `json:"latest,omitempty"`
	PathwayComplete bool                `json:"pathway_complete"`
	InputsUsed      nextstep.InputsUsed `json:"inputs_used"`
	ComputedAt      time.Time           `json:"computed_at"`
}

// NextStepRowFrom flattens an engine result.
func NextStepRowFrom(res *nextstep.Result, computedAt time.Time) *NextStepRow {
	row := &NextStepRow{
		EpisodeID:       res.EpisodeID,
		Status:          res.Status,
		Reason:          res.Reason,
		BlockKeys:       res.BlockKeys,
		Seq:             res.Seq,
		PathwayComplete: res.PathwayComplete,
		InputsUsed:      res.InputsUsed,
		ComputedAt:      computedAt,
	}
	if res.Step != nil {
		row.StepCode = res.Step.Code
		row.StepLabel = res.Step.Label
		row.Pool = res.Step.Pool
		row.DurationMinutes = res.Step.DurationMinutes
	}
	if res.Window != nil {
		earliest, latest := res.Window.Earliest, res.Window.Latest
		row.Earliest, row.Latest = &earliest, &latest
	}
	return row
}

// ForecastRow is the cached remaining-work estimate for an episode.
type ForecastRow struct {
	EpisodeID           uuid.UUID       `json:"episode_id"`
	Status              nextstep.Status `json:"status"`
	Reason              string          `json:"reason,omitempty"`
	RemainingVisits     int             `json:"remaining_visits"`
	RemainingMinutes    int             `json:"remaining_minutes"`
	ProjectedCompletion *time.Time      `json:"projected_completion,omitempty"`
	OverdueDays         int             `json:"overdue_days"`
	ComputedAt          time.Time       `json:"computed_at"`
}

// ForecastFrom summarises an expansion as of today.
func ForecastFrom(exp *nextstep.Expansion, now time.Time) *ForecastRow {
	row := &ForecastRow{
		EpisodeID:  exp.EpisodeID,
		Status:     exp.Status,
		Reason:     exp.Reason,
		ComputedAt: now,
	}
	if len(exp.Steps) == 0 {
		return row
	}
	row.RemainingVisits = len(exp.Steps)
	for _, s := range exp.Steps {
		row.RemainingMinutes += s.Step.DurationMinutes
	}
	last := exp.Steps[len(exp.Steps)-1].Window.Latest
	row.ProjectedCompletion = &last

	due := exp.Steps[0].Window.Latest
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, due.Location())
	if today.After(due) {
		row.OverdueDays = int(today.Sub(due).Hours() / 24)
	}
	return row
}

// FeedFilter narrows the virtual appointment feed.
type FeedFilter struct {
	From       *time.Time
	To         *time.Time
	ProviderID *uuid.UUID
	Pool       pathway.Pool
	ReadyOnly  bool
	Limit      int
}

// FeedItem is one virtual appointment: a step that should be booked.
type FeedItem struct {
	Key             string          `json:"key"`
	EpisodeID       uuid.UUID       `json:"episode_id"`
	PatientID       uuid.UUID       `json:"patient_id"`
	PatientName     string          `json:"patient_name"`
	ProviderID      *uuid.UUID      `json:"provider_id,omitempty"`
	Status          nextstep.Status `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	StepCode        string          `json:"step_code"`
	StepLabel       string          `json:"step_label"`
	Pool            pathway.Pool    `json:"pool"`
	DurationMinutes int             `json:"duration_minutes"`
	Earliest        time.Time       `json:"earliest"`
	Latest          time.Time       `json:"latest"`
}

// ItemKey is a stable content key so clients can diff feeds.
func ItemKey(episodeID uuid.UUID, stepCode string, earliest, latest time.Time, status nextstep.Status) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		episodeID, stepCode, earliest.Format("2006-01-02"), latest.Format("2006-01-02"), status)))
	return hex.EncodeToString(sum[:])
}
