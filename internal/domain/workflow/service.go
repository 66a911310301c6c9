package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Service is the caller-facing API over the catalog, store and engine. The
// acting user is always an explicit argument.
type Service struct {
	catalog *Catalog
	store   *Store
	engine  *Engine
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(catalog *Catalog, store *Store, engine *Engine, logger zerolog.Logger) *Service {
	return &Service{
		catalog: catalog,
		store:   store,
		engine:  engine,
		logger:  logger.With().Str("component", "workflow").Logger(),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for live timeline and analytics
// figures.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) CreateWorkflow(ctx context.Context, t WorkflowType, entityID, actorID string) (*WorkflowInstance, error) {
	inst, err := s.store.Create(ctx, t, entityID, actorID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("instance_id", inst.ID).
		Str("workflow_type", string(t)).
		Str("entity_id", entityID).
		Str("actor_id", actorID).
		Msg("workflow created")
	return inst, nil
}

func (s *Service) Transition(ctx context.Context, instanceID string, toStep StepID, actorID string, payload map[string]string) (*WorkflowInstance, error) {
	inst, _, err := s.engine.Transition(ctx, instanceID, toStep, actorID, payload)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("instance_id", instanceID).
			Str("to_step", string(toStep)).
			Str("actor_id", actorID).
			Msg("transition rejected")
		return nil, err
	}
	s.logger.Info().
		Str("instance_id", inst.ID).
		Str("workflow_type", string(inst.WorkflowType)).
		Str("to_step", string(toStep)).
		Str("actor_id", actorID).
		Int64("version", inst.Version).
		Float64("progress", inst.ProgressPercent).
		Msg("workflow transitioned")
	return inst, nil
}

func (s *Service) GetWorkflow(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	return s.store.Get(ctx, instanceID)
}

// FindActiveWorkflow returns the open instance of type t for the entity.
func (s *Service) FindActiveWorkflow(ctx context.Context, entityID string, t WorkflowType) (*WorkflowInstance, error) {
	if entityID == "" {
		return nil, ErrEntityRequired
	}
	if _, err := s.catalog.GetDefinition(t); err != nil {
		return nil, err
	}
	return s.store.FindActive(ctx, entityID, t)
}

func (s *Service) GetTimeline(ctx context.Context, instanceID string) ([]TimelineEvent, error) {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.catalog.GetDefinition(inst.WorkflowType)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(inst, def, s.now().UTC()), nil
}

func (s *Service) GetAnalytics(ctx context.Context, instanceID string) (Analytics, error) {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return Analytics{}, err
	}
	return ComputeAnalytics(inst, s.now().UTC()), nil
}

// LegalNextSteps lists the steps the instance may move to from its current
// step. Completed instances have none.
func (s *Service) LegalNextSteps(ctx context.Context, instanceID string) ([]StepSpec, error) {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.catalog.GetDefinition(inst.WorkflowType)
	if err != nil {
		return nil, err
	}
	next := s.catalog.LegalNext(inst.WorkflowType, inst.CurrentStep)
	out := make([]StepSpec, 0, len(next))
	for _, id := range next {
		if spec, ok := def.Step(id); ok {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (s *Service) Definitions() []*WorkflowDefinition {
	return s.catalog.Definitions()
}

func (s *Service) Definition(t WorkflowType) (*WorkflowDefinition, error) {
	return s.catalog.GetDefinition(t)
}
