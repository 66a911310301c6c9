package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/careflow/internal/platform/telemetry"
)

// DefaultMaxAttempts is the number of compare-and-swap rounds a transition
// gets before the caller sees ConcurrentUpdateError.
const DefaultMaxAttempts = 3

// EventSink receives domain events after a transition commits. Publish must
// not block on delivery.
type EventSink interface {
	Publish(ctx context.Context, evt DomainEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt DomainEvent)

func (f EventSinkFunc) Publish(ctx context.Context, evt DomainEvent) { f(ctx, evt) }

// Engine validates and applies step changes. It is the only writer of
// CurrentStep, Transitions and Version.
type Engine struct {
	catalog     *Catalog
	store       *Store
	sink        EventSink
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	maxAttempts int
}

func NewEngine(catalog *Catalog, store *Store, sink EventSink, logger zerolog.Logger) *Engine {
	return &Engine{
		catalog:     catalog,
		store:       store,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetClock replaces the time source used to stamp transitions.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetMaxAttempts overrides the retry budget. Values below one are ignored.
func (e *Engine) SetMaxAttempts(n int) {
	if n >= 1 {
		e.maxAttempts = n
	}
}

// SetMetrics attaches optional Prometheus collectors.
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// Transition moves the instance to toStep on behalf of actorID. Every attempt
// re-reads and re-validates the instance; nothing is written unless the move
// is legal against the freshly loaded state.
func (e *Engine) Transition(ctx context.Context, instanceID string, toStep StepID, actorID string, payload map[string]string) (*WorkflowInstance, *DomainEvent, error) {
	if actorID == "" {
		return nil, nil, ErrActorRequired
	}

	var workflowType WorkflowType
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		inst, err := e.store.Get(ctx, instanceID)
		if err != nil {
			return nil, nil, err
		}
		workflowType = inst.WorkflowType
		def, err := e.catalog.GetDefinition(inst.WorkflowType)
		if err != nil {
			return nil, nil, err
		}
		if !e.catalog.IsLegalTransition(inst.WorkflowType, inst.CurrentStep, toStep) {
			e.metrics.ObserveTransition(string(inst.WorkflowType), string(toStep), "illegal")
			return nil, nil, &IllegalTransitionError{
				WorkflowType: inst.WorkflowType,
				From:         inst.CurrentStep,
				To:           toStep,
				LegalNext:    e.catalog.LegalNext(inst.WorkflowType, inst.CurrentStep),
			}
		}

		var applied Transition
		updated, err := e.store.CompareAndSwap(ctx, instanceID, inst.Version, func(w *WorkflowInstance) error {
			applied = applyTransition(def, w, toStep, actorID, payload, e.now())
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			e.metrics.ObserveConflict(string(inst.WorkflowType))
			e.logger.Debug().
				Str("instance_id", instanceID).
				Int64("version", inst.Version).
				Int("attempt", attempt).
				Msg("workflow version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		e.metrics.ObserveTransition(string(updated.WorkflowType), string(toStep), "ok")
		e.metrics.ObserveDwell(string(updated.WorkflowType), string(applied.From), applied.DurationInPriorStep)

		evt := &DomainEvent{
			InstanceID:   updated.ID,
			WorkflowType: updated.WorkflowType,
			EntityID:     updated.EntityID,
			FromStep:     applied.From,
			ToStep:       applied.To,
			ActorID:      actorID,
			Timestamp:    applied.Timestamp,
			Payload:      copyPayload(applied.Payload),
		}
		if e.sink != nil {
			// Delivery outlives the request.
			e.sink.Publish(context.WithoutCancel(ctx), *evt)
		}
		return updated, evt, nil
	}

	e.metrics.ObserveTransition(string(workflowType), string(toStep), "conflict")
	return nil, nil, &ConcurrentUpdateError{InstanceID: instanceID, Attempts: e.maxAttempts}
}

// applyTransition appends a transition to w and updates the derived fields.
// The recorded timestamp never precedes the previous boundary.
func applyTransition(def *WorkflowDefinition, w *WorkflowInstance, to StepID, actorID string, payload map[string]string, now time.Time) Transition {
	boundary := w.LastBoundary()
	now = now.UTC()
	if now.Before(boundary) {
		now = boundary
	}
	t := Transition{
		From:                w.CurrentStep,
		To:                  to,
		Timestamp:           now,
		ActorID:             actorID,
		DurationInPriorStep: now.Sub(boundary),
		Payload:             copyPayload(payload),
	}
	w.Transitions = append(w.Transitions, t)
	w.CurrentStep = to
	if def.IsTerminal(to) {
		done := now
		w.ActualCompletionAt = &done
	}
	w.ProgressPercent = computeProgress(def, w)
	return t
}

// computeProgress counts required steps that have been left behind, plus the
// terminal step once reached.
func computeProgress(def *WorkflowDefinition, w *WorkflowInstance) float64 {
	total := def.RequiredCount()
	if total == 0 {
		if w.IsCompleted() {
			return 100
		}
		return 0
	}
	done := make(map[StepID]bool, len(w.Transitions)+1)
	for _, t := range w.Transitions {
		done[t.From] = true
	}
	if w.IsCompleted() {
		done[w.CurrentStep] = true
	}
	n := 0
	for _, s := range def.Steps {
		if s.Required && done[s.ID] {
			n++
		}
	}
	return float64(n) / float64(total) * 100
}

func copyPayload(p map[string]string) map[string]string {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
