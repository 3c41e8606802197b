// Package stage tracks the clinical phase of an episode as an append-only
// event log and suggests, but never applies, the next stage transition from a
// published, data-driven rule set.
package stage

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

var (
	// ErrRuleSetNotFound is returned when a rule-set version does not exist as a draft.
	ErrRuleSetNotFound = errors.New("stage: rule set not found")
	// ErrInvalidStage is returned for codes outside STAGE_0..STAGE_7.
	ErrInvalidStage = errors.New("stage: invalid stage code")
)

// Code identifies a discrete clinical phase.
type Code string

const (
	Stage0 Code = "STAGE_0"
	Stage1 Code = "STAGE_1"
	Stage2 Code = "STAGE_2"
	Stage3 Code = "STAGE_3"
	Stage4 Code = "STAGE_4"
	Stage5 Code = "STAGE_5"
	Stage6 Code = "STAGE_6"
	Stage7 Code = "STAGE_7"
)

var allCodes = []Code{Stage0, Stage1, Stage2, Stage3, Stage4, Stage5, Stage6, Stage7}

// Valid reports whether c is a known stage.
func (c Code) Valid() bool {
	for _, known := range allCodes {
		if c == known {
			return true
		}
	}
	return false
}

// Pool buckets a stage into the demand pool its patients mostly consume:
// intake stages need consults, active treatment needs work slots and
// aftercare needs controls.
func (c Code) Pool() pathway.Pool {
	switch c {
	case Stage0, Stage1:
		return pathway.PoolConsult
	case Stage6, Stage7:
		return pathway.PoolControl
	default:
		return pathway.PoolWork
	}
}

// StagesIn returns every stage bucketed into pool.
func StagesIn(pool pathway.Pool) []Code {
	var out []Code
	for _, c := range allCodes {
		if c.Pool() == pool {
			out = append(out, c)
		}
	}
	return out
}

// Event records that an episode reached a stage. Events are never updated.
type Event struct {
	ID         uuid.UUID `json:"id"`
	EpisodeID  uuid.UUID `json:"episode_id"`
	Stage      Code      `json:"stage"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor,omitempty"`
}

// Current returns the stage of the latest event by time, STAGE_0 when there
// are none. Ties keep the later element.
func Current(events []Event) Code {
	if len(events) == 0 {
		return Stage0
	}
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})
	return sorted[len(sorted)-1].Stage
}

// Rule proposes ToStage for episodes in FromStage when every condition holds.
type Rule struct {
	Key        string   `json:"key"`
	FromStage  Code     `json:"from_stage"`
	ToStage    Code     `json:"to_stage"`
	Conditions []string `json:"conditions"`
}

// RuleSetStatus is the publication state of a rule set.
type RuleSetStatus string

const (
	RuleSetDraft     RuleSetStatus = "draft"
	RuleSetPublished RuleSetStatus = "published"
	RuleSetRetired   RuleSetStatus = "retired"
)

// RuleSet is a versioned ordered list of rules.
type RuleSet struct {
	ID      uuid.UUID     `json:"id"`
	Version int           `json:"version"`
	Status  RuleSetStatus `json:"status"`
	Rules   []Rule        `json:"rules"`
}

// Suggestion is the reducer's proposed transition for one episode.
type Suggestion struct {
	EpisodeID       uuid.UUID `json:"episode_id"`
	FromStage       Code      `json:"from_stage"`
	ToStage         Code      `json:"to_stage"`
	RuleKeys        []string  `json:"rule_keys"`
	RuleSetVersion  int       `json:"rule_set_version"`
	SnapshotVersion int64     `json:"snapshot_version"`
	DedupeKey       string    `json:"dedupe_key"`
	CreatedAt       time.Time `json:"created_at"`
}
