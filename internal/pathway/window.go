package pathway

import "time"

const (
	earlySlackDays = 7
	lateSlackDays  = 14
)

// Window is an inclusive booking date range.
type Window struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// ComputeWindow returns [anchor+max(0,offset-7), anchor+offset+14] in whole
// days. The anchor is truncated to its calendar date in its own location.
func ComputeWindow(anchor time.Time, offsetDays int) Window {
	day := dateOf(anchor)
	early := offsetDays - earlySlackDays
	if early < 0 {
		early = 0
	}
	return Window{
		Earliest: day.AddDate(0, 0, early),
		Latest:   day.AddDate(0, 0, offsetDays+lateSlackDays),
	}
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	d := dateOf(t.In(w.Earliest.Location()))
	return !d.Before(w.Earliest) && !d.After(w.Latest)
}

// Overlaps reports whether w shares at least one day with [from, to].
func (w Window) Overlaps(from, to time.Time) bool {
	return !w.Latest.Before(dateOf(from)) && !w.Earliest.After(dateOf(to))
}

// End returns the exclusive instant after the last day of the window.
func (w Window) End() time.Time {
	return w.Latest.AddDate(0, 0, 1)
}

// Chain computes back-to-back windows: the first step anchors at anchor and
// every following step anchors at the previous window's latest date.
func Chain(anchor time.Time, steps []Step) []Window {
	windows := make([]Window, 0, len(steps))
	current := anchor
	for _, step := range steps {
		w := ComputeWindow(current, step.DefaultOffsetDays)
		windows = append(windows, w)
		current = w.Latest
	}
	return windows
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
