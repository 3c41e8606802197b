// Package outbox is the append-only scheduling change log. Writers append an
// event in the same transaction as the state change it describes; the
// scheduling worker drains it and recomputes derived episode state.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names the table an event refers to.
type EntityType string

const (
	EntityEpisode     EntityType = "episode"
	EntityEpisodeStep EntityType = "episode_step"
	EntityStageEvent  EntityType = "stage_event"
	EntityBlock       EntityType = "episode_block"
	EntityCareTeam    EntityType = "care_team"
	EntityAppointment EntityType = "appointment"
)

// EventType describes what happened to the entity.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
	// EventReprojectIntents additionally reruns the slot-intent projector.
	EventReprojectIntents EventType = "REPROJECT_INTENTS"
	EventHoldExpired      EventType = "HOLD_EXPIRED"
)

// Event is one outbox row.
type Event struct {
	ID          uuid.UUID  `json:"id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    uuid.UUID  `json:"entity_id"`
	EventType   EventType  `json:"event_type"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Resolved pairs an event with the episode that owns its entity. EpisodeID is
// nil when the entity no longer exists or carries no episode.
type Resolved struct {
	Event
	EpisodeID *uuid.UUID
}
