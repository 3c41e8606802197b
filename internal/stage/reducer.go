package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

var tracer = otel.Tracer("carepath.internal.stage")

// RuleSource returns the single published rule set, or nil when none is published.
type RuleSource interface {
	Published(ctx context.Context) (*RuleSet, error)
}

// Reducer evaluates the published rule set against a snapshot. It never writes.
type Reducer struct {
	rules  RuleSource
	logger *logging.Logger
}

// NewReducer creates a stage reducer.
func NewReducer(rules RuleSource, logger *logging.Logger) *Reducer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reducer{rules: rules, logger: logger}
}

// Reduce returns the first rule, in set order, whose from-stage matches the
// snapshot and whose conditions all hold. No match yields nil, nil.
func (r *Reducer) Reduce(ctx context.Context, snap *Snapshot) (*Suggestion, error) {
	if snap == nil {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "stage.reduce")
	defer span.End()
	span.SetAttributes(attribute.String("episode_id", snap.EpisodeID.String()))

	set, err := r.rules.Published(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage: load published rules: %w", err)
	}
	if set == nil {
		return nil, nil
	}

	for _, rule := range set.Rules {
		if rule.FromStage != snap.CurrentStage {
			continue
		}
		if !r.allHold(rule, snap) {
			continue
		}
		return &Suggestion{
			EpisodeID:       snap.EpisodeID,
			FromStage:       rule.FromStage,
			ToStage:         rule.ToStage,
			RuleKeys:        []string{rule.Key},
			RuleSetVersion:  set.Version,
			SnapshotVersion: snap.Version,
			DedupeKey:       DedupeKey(snap.EpisodeID, set.Version, rule.FromStage, rule.ToStage, rule.Conditions),
			CreatedAt:       snap.AsOf,
		}, nil
	}
	return nil, nil
}

func (r *Reducer) allHold(rule Rule, snap *Snapshot) bool {
	for _, cond := range rule.Conditions {
		ok, known := Evaluate(cond, snap)
		if !known {
			r.logger.Warn("stage: unknown rule condition", "rule", rule.Key, "condition", cond)
		}
		if !ok {
			return false
		}
	}
	return true
}

// DedupeKey hashes the identity of a suggestion. Condition order does not matter.
func DedupeKey(episodeID uuid.UUID, version int, from, to Code, conditions []string) string {
	sorted := append([]string(nil), conditions...)
	sort.Strings(sorted)
	payload := strings.Join([]string{
		episodeID.String(),
		strconv.Itoa(version),
		string(from),
		string(to),
		strings.Join(sorted, ","),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
