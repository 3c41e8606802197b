// Package pathway holds care-pathway templates: the ordered clinical steps an
// episode moves through, their booking windows, and the content hash used to
// detect structural drift.
package pathway

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoPathway is returned when an episode has no active pathway attached.
var ErrNoPathway = errors.New("pathway: no care pathway")

// Pool classifies which appointment capacity a step consumes.
type Pool string

const (
	PoolConsult Pool = "consult"
	PoolWork    Pool = "work"
	PoolControl Pool = "control"
)

// Pools lists demand pools in rebalancing priority order.
var Pools = []Pool{PoolConsult, PoolWork, PoolControl}

// Valid reports whether p is a known pool.
func (p Pool) Valid() bool {
	switch p {
	case PoolConsult, PoolWork, PoolControl:
		return true
	}
	return false
}

// Phase tags steps that carry clinical meaning for stage rules.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseSurgical   Phase = "surgical"
	PhaseProsthetic Phase = "prosthetic"
	PhaseDelivery   Phase = "delivery"
)

// Step is one unit of a pathway template.
type Step struct {
	Code              string `json:"code"`
	Label             string `json:"label"`
	Pool              Pool   `json:"pool"`
	DurationMinutes   int    `json:"duration_minutes"`
	DefaultOffsetDays int    `json:"default_offset_days"`
	RequiresPrecommit bool   `json:"requires_precommit,omitempty"`
	Optional          bool   `json:"optional,omitempty"`
	Phase             Phase  `json:"phase,omitempty"`
}

// Pathway is a named, versioned ordered list of steps.
type Pathway struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Version       int       `json:"version"`
	TreatmentType string    `json:"treatment_type"`
	Steps         []Step    `json:"steps"`
}

// Attachment is a pathway attached to an episode at a given ordinal.
type Attachment struct {
	Pathway Pathway
	Ordinal int
}

// StepStatus is the lifecycle of a materialised episode step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepScheduled StepStatus = "scheduled"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// Open reports whether the step still needs to happen.
func (s StepStatus) Open() bool {
	return s == StepPending || s == StepScheduled
}

// Resolved reports whether the step is done, either completed or skipped.
func (s StepStatus) Resolved() bool {
	return s == StepCompleted || s == StepSkipped
}

// CanTransition reports whether a step may move from s to next. Steps only
// move forward, so a scheduled step never returns to pending; resolved steps
// are final.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepScheduled || next == StepCompleted || next == StepSkipped
	case StepScheduled:
		return next == StepCompleted || next == StepSkipped
	}
	return false
}

// EpisodeStep is an episode's own copy of a pathway step with mutable status.
// When an episode has any, they are authoritative over appointment counting.
type EpisodeStep struct {
	ID          uuid.UUID  `json:"id"`
	EpisodeID   uuid.UUID  `json:"episode_id"`
	Seq         int        `json:"seq"`
	Step        Step       `json:"step"`
	Status      StepStatus `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
