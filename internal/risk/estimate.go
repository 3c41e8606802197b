// Package risk scores no-show likelihood for a prospective booking and
// derives the confirmation and hold policy from the score.
package risk

import (
	"math"
	"time"
)

const (
	baseRisk           = 0.05
	priorNoShowBump    = 0.15
	repeatNoShowBump   = 0.10
	longLeadBump       = 0.05
	earlyMorningBump   = 0.05
	maxRisk            = 0.95
	longLeadDays       = 21
	earlyMorningFrom   = 7
	earlyMorningBefore = 10

	// ConfirmationThreshold is the score at which a booking needs confirmation.
	ConfirmationThreshold = 0.20
	// ShortHoldThreshold is the score at which the hold shortens.
	ShortHoldThreshold = 0.35
	ShortHoldHours     = 24
	DefaultHoldHours   = 48
)

// Inputs are the precomputed facts the score depends on.
type Inputs struct {
	// PriorNoShows counts the patient's no-shows in the last 12 months.
	PriorNoShows int
	// LeadTime is the gap between booking and the slot start.
	LeadTime time.Duration
	// SlotStart is the slot start in clinic local time.
	SlotStart time.Time
}

// Policy is the booking policy derived from a score.
type Policy struct {
	Risk                 float64 `json:"no_show_risk"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
	HoldHours            int     `json:"hold_hours"`
}

// Estimate scores no-show risk in [0, 0.95].
func Estimate(in Inputs) float64 {
	r := baseRisk
	if in.PriorNoShows >= 1 {
		r += priorNoShowBump
	}
	if in.PriorNoShows >= 2 {
		r += repeatNoShowBump
	}
	if in.LeadTime > longLeadDays*24*time.Hour {
		r += longLeadBump
	}
	if h := in.SlotStart.Hour(); h >= earlyMorningFrom && h < earlyMorningBefore {
		r += earlyMorningBump
	}
	return clamp(round(r))
}

// PolicyFor derives confirmation and hold length from a score.
func PolicyFor(risk float64) Policy {
	p := Policy{Risk: risk, HoldHours: DefaultHoldHours}
	p.RequiresConfirmation = risk >= ConfirmationThreshold
	if risk >= ShortHoldThreshold {
		p.HoldHours = ShortHoldHours
	}
	return p
}

// round trims float noise from the additive bumps so thresholds compare exactly.
func round(r float64) float64 {
	return math.Round(r*1e4) / 1e4
}

func clamp(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > maxRisk:
		return maxRisk
	}
	return r
}
