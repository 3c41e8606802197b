package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// DefaultDismissTTL suppresses a dismissed suggestion for two weeks.
const DefaultDismissTTL = 14 * 24 * time.Hour

// Repository is the persistence the suggestion service needs. *Store implements it.
type Repository interface {
	Facts(ctx context.Context, episodeID uuid.UUID) (*RawFacts, error)
	Live(ctx context.Context, episodeID uuid.UUID) (*Suggestion, error)
	IsDismissed(ctx context.Context, episodeID uuid.UUID, key string, now time.Time) (bool, error)
	SaveSuggestion(ctx context.Context, sg *Suggestion) (bool, error)
	Dismiss(ctx context.Context, episodeID uuid.UUID, key string, expiresAt time.Time) error
	ClearSuggestion(ctx context.Context, episodeID uuid.UUID) (bool, error)
	RecordTransition(ctx context.Context, episodeID uuid.UUID, to Code, actor string, at time.Time) (*Event, error)
}

// Service runs the reducer and manages the single live suggestion per episode.
type Service struct {
	repo       Repository
	reducer    *Reducer
	dismissTTL time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

// NewService creates a suggestion service.
func NewService(repo Repository, reducer *Reducer, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:       repo,
		reducer:    reducer,
		dismissTTL: DefaultDismissTTL,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// WithDismissTTL overrides how long a dismissal suppresses a suggestion.
func (s *Service) WithDismissTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.dismissTTL = ttl
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// BuildSnapshot gathers an episode's facts as of now. Episodes that are not
// open yield nil.
func (s *Service) BuildSnapshot(ctx context.Context, episodeID uuid.UUID) (*Snapshot, error) {
	raw, err := s.repo.Facts(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(raw, s.now()), nil
}

// ComputeAndPersistSuggestion reduces the episode's snapshot and stores the
// result unless its dedupe key is currently dismissed. When no rule matches
// any more, the live suggestion is removed. It returns the stored suggestion,
// or nil when there is nothing to show.
func (s *Service) ComputeAndPersistSuggestion(ctx context.Context, episodeID uuid.UUID) (*Suggestion, error) {
	snap, err := s.BuildSnapshot(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	sg, err := s.reducer.Reduce(ctx, snap)
	if err != nil {
		return nil, err
	}
	if sg == nil {
		cleared, err := s.repo.ClearSuggestion(ctx, episodeID)
		if err != nil {
			return nil, err
		}
		if cleared {
			s.logger.Info("stage: stale suggestion cleared", "episode_id", episodeID)
		}
		return nil, nil
	}

	dismissed, err := s.repo.IsDismissed(ctx, episodeID, sg.DedupeKey, s.now())
	if err != nil {
		return nil, err
	}
	if dismissed {
		s.logger.Debug("stage: suggestion suppressed by dismissal",
			"episode_id", episodeID, "dedupe_key", sg.DedupeKey)
		return nil, nil
	}

	changed, err := s.repo.SaveSuggestion(ctx, sg)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("stage: suggestion stored",
			"episode_id", episodeID, "from", sg.FromStage, "to", sg.ToStage,
			"rule_set_version", sg.RuleSetVersion)
	}
	return sg, nil
}

// LiveSuggestion returns the episode's current suggestion or nil.
func (s *Service) LiveSuggestion(ctx context.Context, episodeID uuid.UUID) (*Suggestion, error) {
	return s.repo.Live(ctx, episodeID)
}

// DismissSuggestion suppresses dedupeKey for the episode for the dismiss TTL.
func (s *Service) DismissSuggestion(ctx context.Context, episodeID uuid.UUID, dedupeKey string) (time.Time, error) {
	if dedupeKey == "" {
		return time.Time{}, fmt.Errorf("stage: dismiss: dedupe key required")
	}
	until := s.now().Add(s.dismissTTL)
	if err := s.repo.Dismiss(ctx, episodeID, dedupeKey, until); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// ClearSuggestion deletes the live suggestion after the user accepted it.
func (s *Service) ClearSuggestion(ctx context.Context, episodeID uuid.UUID) error {
	_, err := s.repo.ClearSuggestion(ctx, episodeID)
	return err
}

// AcceptSuggestion applies the live suggestion's transition. It returns nil
// when the episode has no live suggestion.
func (s *Service) AcceptSuggestion(ctx context.Context, episodeID uuid.UUID, actor string) (*Event, error) {
	sg, err := s.repo.Live(ctx, episodeID)
	if err != nil || sg == nil {
		return nil, err
	}
	return s.RecordTransition(ctx, episodeID, sg.ToStage, actor)
}

// RecordTransition appends a stage event explicitly. Stage never changes any other way.
func (s *Service) RecordTransition(ctx context.Context, episodeID uuid.UUID, to Code, actor string) (*Event, error) {
	ev, err := s.repo.RecordTransition(ctx, episodeID, to, actor, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("stage: transition recorded", "episode_id", episodeID, "stage", to, "actor", actor)
	return ev, nil
}
