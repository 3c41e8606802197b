package stage

import "strings"

// Predicate evaluates one named fact against a snapshot.
type Predicate func(s *Snapshot) bool

// Conditions maps condition keys used in rule sets to predicates. Rule sets
// reference these keys as data; adding a rule never needs new code unless it
// needs a new fact.
var Conditions = map[string]Predicate{
	"consult_completed":       func(s *Snapshot) bool { return s.ConsultCompleted },
	"treatment_plan_exists":   func(s *Snapshot) bool { return s.TreatmentPlanExists },
	"offer_exists":            func(s *Snapshot) bool { return s.OfferExists },
	"offer_accepted":          func(s *Snapshot) bool { return s.OfferAccepted },
	"surgical_step_completed": func(s *Snapshot) bool { return s.SurgicalStepCompleted },
	"prosthetic_step_started": func(s *Snapshot) bool { return s.ProstheticStepStarted },
	"no_surgical_phase":       func(s *Snapshot) bool { return s.NoSurgicalPhase },
	"delivery_completed":      func(s *Snapshot) bool { return s.DeliveryCompleted },
	"delivery_older_than_30d": func(s *Snapshot) bool { return s.DeliveryOlderThan30d },
	"pathway_assigned":        func(s *Snapshot) bool { return s.PathwayID != nil },
}

// identityConditions take a value after '=' and compare it to a snapshot field.
var identityConditions = map[string]func(s *Snapshot, value string) bool{
	"treatment_type": func(s *Snapshot, v string) bool { return strings.EqualFold(s.TreatmentType, v) },
	"pathway_id": func(s *Snapshot, v string) bool {
		return s.PathwayID != nil && strings.EqualFold(s.PathwayID.String(), v)
	},
}

// Evaluate resolves a condition expression: a registry key, "key=value" for
// identity facts, optionally negated with a leading "!". known is false for
// keys missing from the registry; such conditions evaluate false.
func Evaluate(expr string, s *Snapshot) (result bool, known bool) {
	expr = strings.TrimSpace(expr)
	negate := strings.HasPrefix(expr, "!")
	if negate {
		expr = strings.TrimSpace(expr[1:])
	}

	var value bool
	if key, arg, ok := strings.Cut(expr, "="); ok {
		fn, found := identityConditions[strings.TrimSpace(key)]
		if !found {
			return false, false
		}
		value = fn(s, strings.TrimSpace(arg))
	} else {
		fn, found := Conditions[expr]
		if !found {
			return false, false
		}
		value = fn(s)
	}
	if negate {
		value = !value
	}
	return value, true
}
