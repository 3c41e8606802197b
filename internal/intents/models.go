// Package intents projects an episode's remaining pathway steps into slot
// intents: reservable demand that capacity planning can see before anything
// is booked.
package intents

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// State is an intent's lifecycle position.
type State string

const (
	StateOpen      State = "open"
	StateExpired   State = "expired"
	StateConverted State = "converted"
	StateCancelled State = "cancelled"
)

// Mutable reports whether projection may still rewrite an intent in state s.
// Converted and cancelled intents are booking history.
func (s State) Mutable() bool {
	return s == StateOpen || s == StateExpired
}

// Intent is one projected booking need.
type Intent struct {
	ID              uuid.UUID      `json:"id"`
	EpisodeID       uuid.UUID      `json:"episode_id"`
	StepCode        string         `json:"step_code"`
	StepSeq         int            `json:"step_seq"`
	Pool            pathway.Pool   `json:"pool"`
	DurationMinutes int            `json:"duration_minutes"`
	Window          pathway.Window `json:"window"`
	State           State          `json:"state"`
	SourceHash      string         `json:"source_hash"`
	ExpiresAt       time.Time      `json:"expires_at"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
}

// Key identifies an intent within its episode.
type Key struct {
	StepCode string
	StepSeq  int
}

// Key returns the intent's uniqueness key.
func (i Intent) Key() Key {
	return Key{StepCode: i.StepCode, StepSeq: i.StepSeq}
}

// Appointment statuses relevant to projection.
const (
	AppointmentCompleted = "completed"
	AppointmentActive    = ""
)

// StepAppointment is an appointment tagged with the pathway step it serves.
type StepAppointment struct {
	StepCode string
	StepSeq  int
	StartsAt time.Time
	// Status is empty while the appointment is still active.
	Status string
}

func (a StepAppointment) key() Key {
	return Key{StepCode: a.StepCode, StepSeq: a.StepSeq}
}
