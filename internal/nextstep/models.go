// Package nextstep answers "what does this episode need next, and when" from
// pathway structure alone, and expands every remaining step into chained
// booking windows.
package nextstep

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

// ErrEpisodeNotFound is returned when the episode row does not exist.
var ErrEpisodeNotFound = errors.New("nextstep: episode not found")

// Status is the engine's top-level answer.
type Status string

const (
	StatusReady   Status = "ready"
	StatusBlocked Status = "blocked"
)

// Reason codes carried by blocked answers.
const (
	ReasonNoCarePathway  = "NO_CARE_PATHWAY"
	ReasonActiveBlocks   = "ACTIVE_BLOCKS"
	ReasonNoWorkCapacity = "NO_WORK_CAPACITY"
)

// Anchor sources, reported in InputsUsed.
const (
	AnchorEpisodeStep = "episode_step"
	AnchorAppointment = "appointment"
	AnchorOpenedAt    = "opened_at"
)

// Step sources, reported in InputsUsed.
const (
	SourceEpisodeSteps = "episode_steps"
	SourceLegacyCount  = "legacy_count"
)

// Inputs is everything the engine reads for one episode. Stores fill it; the
// engine itself does no I/O.
type Inputs struct {
	EpisodeID    uuid.UUID
	OpenedAt     time.Time
	CurrentStage stage.Code
	// Steps is the merged pathway step list.
	Steps []pathway.Step
	// EpisodeSteps are materialised steps; authoritative when present.
	EpisodeSteps []pathway.EpisodeStep
	// CompletedAppointments holds start times of the episode's completed appointments.
	CompletedAppointments []time.Time
	// BlockKeys are active, unexpired clinical blocks.
	BlockKeys []string
	// Location is the clinic zone window dates are taken in. Nil keeps each
	// timestamp's own zone.
	Location *time.Location
}

// InputsUsed explains how an answer was derived.
type InputsUsed struct {
	Source                string     `json:"source,omitempty"`
	CurrentStage          stage.Code `json:"current_stage"`
	Anchor                time.Time  `json:"anchor"`
	AnchorSource          string     `json:"anchor_source"`
	PathwaySteps          int        `json:"pathway_steps"`
	EpisodeSteps          int        `json:"episode_steps"`
	CompletedAppointments int        `json:"completed_appointments"`
	StepIndex             int        `json:"step_index"`
}

// Result is the next-required-step answer for one episode.
type Result struct {
	EpisodeID       uuid.UUID       `json:"episode_id"`
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	BlockKeys       []string        `json:"block_keys,omitempty"`
	Seq             int             `json:"seq,omitempty"`
	Step            *pathway.Step   `json:"step,omitempty"`
	Window          *pathway.Window `json:"window,omitempty"`
	PathwayComplete bool            `json:"pathway_complete,omitempty"`
	InputsUsed      InputsUsed      `json:"inputs_used"`
}

// Ready reports whether the result names a bookable step.
func (r *Result) Ready() bool {
	return r != nil && r.Status == StatusReady
}

// Block turns a ready result into a blocked one with reason, keeping the
// step and window for display.
func (r *Result) Block(reason string) {
	r.Status = StatusBlocked
	r.Reason = reason
}

// PendingStep is one remaining step with its chained window.
type PendingStep struct {
	Seq    int            `json:"seq"`
	Step   pathway.Step   `json:"step"`
	Window pathway.Window `json:"window"`
}

// Expansion lists every remaining step for an episode.
type Expansion struct {
	EpisodeID  uuid.UUID     `json:"episode_id"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	BlockKeys  []string      `json:"block_keys,omitempty"`
	Steps      []PendingStep `json:"steps"`
	InputsUsed InputsUsed    `json:"inputs_used"`
}
