// Package episodes owns the episode lifecycle: attaching pathways, moving
// materialised steps forward and closing episodes.
package episodes

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the episode does not exist.
	ErrNotFound = errors.New("episodes: not found")
	// ErrClosed is returned when a change targets a closed episode.
	ErrClosed = errors.New("episodes: episode closed")
	// ErrStepNotFound is returned when no episode step has the given sequence.
	ErrStepNotFound = errors.New("episodes: step not found")
	// ErrAlreadyOpen is returned when the patient already has an open episode.
	ErrAlreadyOpen = errors.New("episodes: patient already has an open episode")
	// ErrInvalidTransition is returned for backward or terminal step moves.
	ErrInvalidTransition = errors.New("episodes: invalid step transition")
)

// Status of an episode.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Episode is one patient care journey.
type Episode struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	ProviderID      *uuid.UUID `json:"provider_id,omitempty"`
	Status          Status     `json:"status"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	SnapshotVersion int64      `json:"snapshot_version"`
	StageVersion    int64      `json:"stage_version"`
}

// Open reports whether the episode drives active scheduling.
func (e *Episode) Open() bool {
	return e != nil && e.Status == StatusOpen
}
