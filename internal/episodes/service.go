package episodes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

// Repository is the persistence the lifecycle service needs. *Store implements it.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Episode, error)
	Create(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID, at time.Time) (*Episode, error)
	ActivatePathway(ctx context.Context, episodeID, pathwayID uuid.UUID, ordinal int) ([]pathway.EpisodeStep, error)
	TransitionStep(ctx context.Context, episodeID uuid.UUID, seq int, to pathway.StepStatus, at time.Time) (*pathway.EpisodeStep, error)
	Close(ctx context.Context, episodeID uuid.UUID, at time.Time) (int64, error)
}

// Service stamps lifecycle changes with the clock and logs them.
type Service struct {
	repo   Repository
	now    func() time.Time
	logger *logging.Logger
}

// NewService creates a lifecycle service.
func NewService(repo Repository, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Get loads an episode.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return s.repo.Get(ctx, id)
}

// Open starts a new episode for a patient.
func (s *Service) Open(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID) (*Episode, error) {
	e, err := s.repo.Create(ctx, patientID, providerID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("episodes: opened", "episode_id", e.ID, "patient_id", patientID)
	return e, nil
}

// ActivatePathway attaches a pathway and materialises its steps.
func (s *Service) ActivatePathway(ctx context.Context, episodeID, pathwayID uuid.UUID, ordinal int) ([]pathway.EpisodeStep, error) {
	created, err := s.repo.ActivatePathway(ctx, episodeID, pathwayID, ordinal)
	if err != nil {
		return nil, err
	}
	s.logger.Info("episodes: pathway activated",
		"episode_id", episodeID, "pathway_id", pathwayID, "ordinal", ordinal, "steps_created", len(created))
	return created, nil
}

// CompleteStep marks the step at seq completed now.
func (s *Service) CompleteStep(ctx context.Context, episodeID uuid.UUID, seq int) (*pathway.EpisodeStep, error) {
	return s.TransitionStep(ctx, episodeID, seq, pathway.StepCompleted)
}

// TransitionStep moves the step at seq to status.
func (s *Service) TransitionStep(ctx context.Context, episodeID uuid.UUID, seq int, to pathway.StepStatus) (*pathway.EpisodeStep, error) {
	es, err := s.repo.TransitionStep(ctx, episodeID, seq, to, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("episodes: step transitioned",
		"episode_id", episodeID, "seq", seq, "code", es.Step.Code, "status", to)
	return es, nil
}

// Close closes the episode, expiring its open intents.
func (s *Service) Close(ctx context.Context, episodeID uuid.UUID) error {
	expired, err := s.repo.Close(ctx, episodeID, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("episodes: closed", "episode_id", episodeID, "intents_expired", expired)
	return nil
}
