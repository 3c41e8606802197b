package pathway

import "sort"

// Merge flattens concurrently active pathways into one ordered step list:
// attachments by ordinal, then each pathway's own step order. A step code
// that appears in more than one pathway keeps its first occurrence.
func Merge(attachments []Attachment) []Step {
	ordered := make([]Attachment, len(attachments))
	copy(ordered, attachments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Ordinal < ordered[j].Ordinal
	})

	seen := make(map[string]struct{})
	var steps []Step
	for _, att := range ordered {
		for _, step := range att.Pathway.Steps {
			if _, dup := seen[step.Code]; dup {
				continue
			}
			seen[step.Code] = struct{}{}
			steps = append(steps, step)
		}
	}
	return steps
}

// FirstInPool returns the index of the first step classified in pool, or -1.
func FirstInPool(steps []Step, pool Pool) int {
	for i, step := range steps {
		if step.Pool == pool {
			return i
		}
	}
	return -1
}
