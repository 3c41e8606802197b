package nextstep

import (
	"sort"
	"time"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

type position struct {
	seq  int
	step pathway.Step
}

// Resolve computes the next required step. It never reads the clock: the
// window anchors on the episode's own history.
func Resolve(in *Inputs) *Result {
	res := &Result{EpisodeID: in.EpisodeID, Status: StatusReady}
	if reason, keys, blocked := blockedBy(in); blocked {
		res.Status, res.Reason, res.BlockKeys = StatusBlocked, reason, keys
		res.InputsUsed = baseInputsUsed(in)
		return res
	}

	remaining, last, used := remainingSteps(in)
	res.InputsUsed = used

	target := last
	if len(remaining) > 0 {
		target = remaining[0]
	} else {
		res.PathwayComplete = true
	}
	step := target.step
	w := pathway.ComputeWindow(used.Anchor, step.DefaultOffsetDays)
	res.Seq, res.Step, res.Window = target.seq, &step, &w
	return res
}

// AllPending expands every remaining step. Each window anchors on the
// previous window's latest date, so windows never move backwards.
func AllPending(in *Inputs) *Expansion {
	exp := &Expansion{EpisodeID: in.EpisodeID, Status: StatusReady}
	if reason, keys, blocked := blockedBy(in); blocked {
		exp.Status, exp.Reason, exp.BlockKeys = StatusBlocked, reason, keys
		exp.InputsUsed = baseInputsUsed(in)
		return exp
	}

	remaining, _, used := remainingSteps(in)
	exp.InputsUsed = used

	steps := make([]pathway.Step, len(remaining))
	for i, p := range remaining {
		steps[i] = p.step
	}
	windows := pathway.Chain(used.Anchor, steps)
	exp.Steps = make([]PendingStep, len(remaining))
	for i, p := range remaining {
		exp.Steps[i] = PendingStep{Seq: p.seq, Step: p.step, Window: windows[i]}
	}
	return exp
}

// ExpandAll is the batch form of AllPending over prefetched inputs.
func ExpandAll(inputs []*Inputs) []*Expansion {
	out := make([]*Expansion, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, AllPending(in))
	}
	return out
}

func blockedBy(in *Inputs) (string, []string, bool) {
	if len(in.BlockKeys) > 0 {
		keys := append([]string(nil), in.BlockKeys...)
		sort.Strings(keys)
		return ReasonActiveBlocks, keys, true
	}
	if len(in.Steps) == 0 && len(in.EpisodeSteps) == 0 {
		return ReasonNoCarePathway, nil, true
	}
	return "", nil, false
}

func baseInputsUsed(in *Inputs) InputsUsed {
	anchor, source := Anchor(in)
	return InputsUsed{
		CurrentStage:          currentStage(in),
		Anchor:                anchor,
		AnchorSource:          source,
		PathwaySteps:          len(in.Steps),
		EpisodeSteps:          len(in.EpisodeSteps),
		CompletedAppointments: len(in.CompletedAppointments),
	}
}

// remainingSteps returns the open steps in order plus the final step, which
// stands in as a sentinel once nothing remains.
func remainingSteps(in *Inputs) ([]position, position, InputsUsed) {
	used := baseInputsUsed(in)

	if len(in.EpisodeSteps) > 0 {
		used.Source = SourceEpisodeSteps
		ordered := append([]pathway.EpisodeStep(nil), in.EpisodeSteps...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

		var open []position
		used.StepIndex = len(ordered)
		for i, es := range ordered {
			if !es.Status.Open() {
				continue
			}
			if open == nil {
				used.StepIndex = i
			}
			open = append(open, position{seq: es.Seq, step: es.Step})
		}
		lastStep := ordered[len(ordered)-1]
		return open, position{seq: lastStep.Seq, step: lastStep.Step}, used
	}

	used.Source = SourceLegacyCount
	start := len(in.CompletedAppointments)
	if used.CurrentStage == stage.Stage0 {
		if i := pathway.FirstInPool(in.Steps, pathway.PoolConsult); i >= 0 {
			start = i
		}
	}
	used.StepIndex = start

	var open []position
	for i := start; i < len(in.Steps); i++ {
		open = append(open, position{seq: i + 1, step: in.Steps[i]})
	}
	n := len(in.Steps)
	return open, position{seq: n, step: in.Steps[n-1]}, used
}

// Anchor picks the date windows are computed from: the latest resolved
// episode step, else the latest completed appointment, else the open date.
// The anchor is expressed in the clinic zone when one is set.
func Anchor(in *Inputs) (time.Time, string) {
	at, source := anchorInstant(in)
	if in.Location != nil {
		at = at.In(in.Location)
	}
	return at, source
}

func anchorInstant(in *Inputs) (time.Time, string) {
	var latest time.Time
	for _, es := range in.EpisodeSteps {
		if es.Status.Resolved() && es.CompletedAt != nil && es.CompletedAt.After(latest) {
			latest = *es.CompletedAt
		}
	}
	if !latest.IsZero() {
		return latest, AnchorEpisodeStep
	}
	for _, at := range in.CompletedAppointments {
		if at.After(latest) {
			latest = at
		}
	}
	if !latest.IsZero() {
		return latest, AnchorAppointment
	}
	return in.OpenedAt, AnchorOpenedAt
}

func currentStage(in *Inputs) stage.Code {
	if in.CurrentStage == "" {
		return stage.Stage0
	}
	return in.CurrentStage
}
