package stage

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

const deliveryAgeThreshold = 30 * 24 * time.Hour

// StepFact is the slice of an episode step the reducer cares about.
type StepFact struct {
	Code        string
	Pool        pathway.Pool
	Phase       pathway.Phase
	Status      string
	CompletedAt *time.Time
}

// RawFacts is everything the store reads about an open episode.
type RawFacts struct {
	EpisodeID                   uuid.UUID
	Open                        bool
	Version                     int64
	CurrentStage                Code
	PathwayID                   *uuid.UUID
	TreatmentType               string
	Steps                       []StepFact
	ConsultAppointmentCompleted bool
	TreatmentPlanExists         bool
	OfferExists                 bool
	OfferAccepted               bool
}

// Snapshot is the immutable fact set a rule set is evaluated against.
type Snapshot struct {
	EpisodeID    uuid.UUID
	Version      int64
	CurrentStage Code
	AsOf         time.Time

	PathwayID     *uuid.UUID
	TreatmentType string

	ConsultCompleted      bool
	TreatmentPlanExists   bool
	OfferExists           bool
	OfferAccepted         bool
	SurgicalStepCompleted bool
	ProstheticStepStarted bool
	NoSurgicalPhase       bool
	DeliveryCompleted     bool
	DeliveryOlderThan30d  bool
}

// NewSnapshot derives facts from raw episode data. It returns nil for
// episodes that are not open.
func NewSnapshot(raw *RawFacts, asOf time.Time) *Snapshot {
	if raw == nil || !raw.Open {
		return nil
	}
	snap := &Snapshot{
		EpisodeID:           raw.EpisodeID,
		Version:             raw.Version,
		CurrentStage:        raw.CurrentStage,
		AsOf:                asOf,
		PathwayID:           raw.PathwayID,
		TreatmentType:       raw.TreatmentType,
		ConsultCompleted:    raw.ConsultAppointmentCompleted,
		TreatmentPlanExists: raw.TreatmentPlanExists,
		OfferExists:         raw.OfferExists || raw.OfferAccepted,
		OfferAccepted:       raw.OfferAccepted,
		NoSurgicalPhase:     true,
	}
	if snap.CurrentStage == "" {
		snap.CurrentStage = Stage0
	}

	var lastDelivery *time.Time
	for _, step := range raw.Steps {
		completed := step.Status == "completed"
		if step.Pool == pathway.PoolConsult && completed {
			snap.ConsultCompleted = true
		}
		switch step.Phase {
		case pathway.PhaseSurgical:
			snap.NoSurgicalPhase = false
			if completed {
				snap.SurgicalStepCompleted = true
			}
		case pathway.PhaseProsthetic:
			if completed || step.Status == "scheduled" {
				snap.ProstheticStepStarted = true
			}
		case pathway.PhaseDelivery:
			if completed {
				snap.DeliveryCompleted = true
				if step.CompletedAt != nil && (lastDelivery == nil || step.CompletedAt.After(*lastDelivery)) {
					lastDelivery = step.CompletedAt
				}
			}
		}
	}
	if lastDelivery != nil && asOf.Sub(*lastDelivery) > deliveryAgeThreshold {
		snap.DeliveryOlderThan30d = true
	}
	return snap
}
