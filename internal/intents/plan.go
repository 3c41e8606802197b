package intents

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/nextstep"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
)

// ProjectionInputs is everything one projection run reads.
type ProjectionInputs struct {
	EpisodeID uuid.UUID
	OpenedAt  time.Time
	Steps     []pathway.Step
	// EpisodeSteps are materialised steps; when present they decide which
	// steps remain, their seqs and the anchor.
	EpisodeSteps []pathway.EpisodeStep
	Appointments []StepAppointment
	Existing     []Intent
	// Location is the clinic zone window dates are taken in.
	Location *time.Location
	// TTLAfterWindow extends each intent's expiry past its window's latest day.
	TTLAfterWindow time.Duration
	Now            time.Time
}

// Plan is the set of changes a projection run applies.
type Plan struct {
	Hash string
	// Expire holds ids of open intents that no longer describe live demand.
	Expire []uuid.UUID
	// Upserts are the desired intents for every remaining uncovered step.
	Upserts []Intent
}

type target struct {
	key    Key
	step   pathway.Step
	window pathway.Window
}

// PlanProjection computes the intents an episode should carry. It is pure:
// identical inputs yield an identical plan.
func PlanProjection(in ProjectionInputs) Plan {
	completed, covered := appointmentMarks(in.Appointments)

	var plan Plan
	var targets []target
	if len(in.EpisodeSteps) > 0 {
		plan.Hash, targets = episodeStepTargets(in, completed, covered)
	} else {
		plan.Hash, targets = templateTargets(in, completed, covered)
	}

	wanted := make(map[Key]bool, len(targets))
	for _, t := range targets {
		expires := t.window.Latest.Add(in.TTLAfterWindow)
		state := StateOpen
		if !expires.After(in.Now) {
			state = StateExpired
		}
		wanted[t.key] = true
		plan.Upserts = append(plan.Upserts, Intent{
			EpisodeID:       in.EpisodeID,
			StepCode:        t.step.Code,
			StepSeq:         t.key.StepSeq,
			Pool:            t.step.Pool,
			DurationMinutes: t.step.DurationMinutes,
			Window:          t.window,
			State:           state,
			SourceHash:      plan.Hash,
			ExpiresAt:       expires,
		})
	}

	for _, existing := range in.Existing {
		if existing.State != StateOpen {
			continue
		}
		if existing.SourceHash != plan.Hash || !wanted[existing.Key()] {
			plan.Expire = append(plan.Expire, existing.ID)
		}
	}
	return plan
}

// appointmentMarks indexes step-tagged appointments: the latest completed
// start per step, and the start of any still-active booking.
func appointmentMarks(appts []StepAppointment) (completed, covered map[Key]time.Time) {
	completed = make(map[Key]time.Time)
	covered = make(map[Key]time.Time)
	for _, a := range appts {
		switch a.Status {
		case AppointmentCompleted:
			if a.StartsAt.After(completed[a.key()]) {
				completed[a.key()] = a.StartsAt
			}
		case AppointmentActive:
			covered[a.key()] = a.StartsAt
		}
	}
	return completed, covered
}

// episodeStepTargets takes remaining steps and their chained windows from the
// look-ahead expander. Appointments only mark steps as covered here.
func episodeStepTargets(in ProjectionInputs, completed, covered map[Key]time.Time) (string, []target) {
	ordered := append([]pathway.EpisodeStep(nil), in.EpisodeSteps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	structure := make([]pathway.Step, len(ordered))
	for i, es := range ordered {
		structure[i] = es.Step
	}

	exp := nextstep.AllPending(&nextstep.Inputs{
		EpisodeID:    in.EpisodeID,
		OpenedAt:     in.OpenedAt,
		EpisodeSteps: ordered,
		Location:     in.Location,
	})
	var out []target
	for _, p := range exp.Steps {
		key := Key{StepCode: p.Step.Code, StepSeq: p.Seq}
		if _, ok := covered[key]; ok {
			continue
		}
		if _, ok := completed[key]; ok {
			continue
		}
		out = append(out, target{key: key, step: p.Step, window: p.Window})
	}
	return pathway.ContentHash(structure), out
}

// templateTargets walks the merged template when no steps are materialised.
// The chain anchors on the last hard-completed step and re-anchors on every
// booked step.
func templateTargets(in ProjectionInputs, completed, covered map[Key]time.Time) (string, []target) {
	anchor := localize(in.OpenedAt, in.Location)
	start := 0
	for i, step := range in.Steps {
		if at, ok := completed[Key{StepCode: step.Code, StepSeq: i + 1}]; ok {
			anchor = localize(at, in.Location)
			start = i + 1
		}
	}

	var out []target
	for i := start; i < len(in.Steps); i++ {
		step := in.Steps[i]
		key := Key{StepCode: step.Code, StepSeq: i + 1}
		if at, ok := covered[key]; ok {
			anchor = localize(at, in.Location)
			continue
		}
		w := pathway.ComputeWindow(anchor, step.DefaultOffsetDays)
		anchor = w.Latest
		out = append(out, target{key: key, step: step, window: w})
	}
	return pathway.ContentHash(in.Steps), out
}

func localize(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}
