package workflow

import (
	"time"
)

// TimelineEventKind classifies a rendered timeline entry.
type TimelineEventKind string

const (
	TimelineStarted      TimelineEventKind = "started"
	TimelineTransitioned TimelineEventKind = "transitioned"
	TimelineCompleted    TimelineEventKind = "completed"
	TimelineInProgress   TimelineEventKind = "in_progress"
)

// TimelineEvent is one rendered entry of an instance's history. Timelines are
// rebuilt from the transition list on every read.
type TimelineEvent struct {
	Kind            TimelineEventKind `json:"kind"`
	Label           string            `json:"label"`
	Step            StepID            `json:"step"`
	FromStep        StepID            `json:"from_step,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	ActorID         string            `json:"actor_id,omitempty"`
	Duration        time.Duration     `json:"duration"`
	ProgressPercent float64           `json:"progress_percent"`
	Payload         map[string]string `json:"payload,omitempty"`
}

// BuildTimeline renders the instance as start, one entry per transition, and
// either a completion milestone or a live in-progress marker.
func BuildTimeline(inst *WorkflowInstance, def *WorkflowDefinition, now time.Time) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(inst.Transitions)+2)

	initial := def.InitialStep()
	if len(inst.Transitions) > 0 {
		initial = inst.Transitions[0].From
	}
	events = append(events, TimelineEvent{
		Kind:      TimelineStarted,
		Label:     "Started: " + def.DisplayNameOf(initial),
		Step:      initial,
		Timestamp: inst.StartedAt,
		ActorID:   inst.StartedBy,
	})

	for _, t := range inst.Transitions {
		events = append(events, TimelineEvent{
			Kind:      TimelineTransitioned,
			Label:     def.DisplayNameOf(t.From) + " → " + def.DisplayNameOf(t.To),
			Step:      t.To,
			FromStep:  t.From,
			Timestamp: t.Timestamp,
			ActorID:   t.ActorID,
			Duration:  t.DurationInPriorStep,
			Payload:   copyPayload(t.Payload),
		})
	}

	if inst.ActualCompletionAt != nil {
		var actor string
		if n := len(inst.Transitions); n > 0 {
			actor = inst.Transitions[n-1].ActorID
		}
		events = append(events, TimelineEvent{
			Kind:            TimelineCompleted,
			Label:           "Completed: " + def.DisplayNameOf(inst.CurrentStep),
			Step:            inst.CurrentStep,
			Timestamp:       *inst.ActualCompletionAt,
			ActorID:         actor,
			Duration:        inst.ActualCompletionAt.Sub(inst.StartedAt),
			ProgressPercent: inst.ProgressPercent,
		})
		return events
	}

	spent := now.Sub(inst.LastBoundary())
	if spent < 0 {
		spent = 0
	}
	events = append(events, TimelineEvent{
		Kind:            TimelineInProgress,
		Label:           "In progress: " + def.DisplayNameOf(inst.CurrentStep),
		Step:            inst.CurrentStep,
		Timestamp:       now,
		Duration:        spent,
		ProgressPercent: inst.ProgressPercent,
	})
	return events
}
