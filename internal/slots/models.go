// Package slots models bookable time-slot capacity and the shared rules every
// writer must follow when touching slot state.
package slots

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// State is the booking state of a slot.
type State string

const (
	StateFree    State = "free"
	StateHeld    State = "held"
	StateBooked  State = "booked"
	StateBlocked State = "blocked"
)

// rank orders states for conflict resolution: blocked > booked > held > free.
var rank = map[State]int{
	StateFree:    0,
	StateHeld:    1,
	StateBooked:  2,
	StateBlocked: 3,
}

// Outranks reports whether s wins over other when both claim the same slot.
func (s State) Outranks(other State) bool {
	return rank[s] > rank[other]
}

// Dominant returns the winning state among candidates. An empty list is free.
func Dominant(states ...State) State {
	winner := StateFree
	for _, s := range states {
		if s.Outranks(winner) {
			winner = s
		}
	}
	return winner
}

// Purpose tags which demand pool a slot serves.
type Purpose string

const (
	PurposeConsult  Purpose = "consult"
	PurposeWork     Purpose = "work"
	PurposeControl  Purpose = "control"
	PurposeFlexible Purpose = "flexible"
)

// PurposeFor maps a demand pool to its slot purpose.
func PurposeFor(pool pathway.Pool) Purpose {
	return Purpose(pool)
}

// Slot is a unit of bookable capacity.
type Slot struct {
	ID         uuid.UUID `json:"id"`
	ProviderID uuid.UUID `json:"provider_id"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	State      State     `json:"state"`
	Purpose    Purpose   `json:"purpose"`
}

// Retaggable reports whether automated rebalancing may change the slot's purpose.
func (s Slot) Retaggable() bool {
	return s.State == StateFree && (s.Purpose == PurposeFlexible || s.Purpose == "")
}
