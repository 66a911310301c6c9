package workflow

import (
	"time"
)

// StepDwell summarizes the time spent in one step across all visits to it.
type StepDwell struct {
	Step    StepID        `json:"step"`
	Visits  int           `json:"visits"`
	Total   time.Duration `json:"total"`
	Average time.Duration `json:"average"`
}

// Analytics is a read-only summary of an instance's history.
type Analytics struct {
	InstanceID          string               `json:"instance_id"`
	TotalDuration       time.Duration        `json:"total_duration"`
	AverageStepDuration time.Duration        `json:"average_step_duration"`
	SlowestTransition   *Transition          `json:"slowest_transition,omitempty"`
	CompletionRate      float64              `json:"completion_rate"`
	TransitionCount     int                  `json:"transition_count"`
	StepDwell           map[StepID]StepDwell `json:"step_dwell"`
}

// ComputeAnalytics derives duration statistics from the instance. Open
// instances are measured up to now.
func ComputeAnalytics(inst *WorkflowInstance, now time.Time) Analytics {
	end := now
	if inst.ActualCompletionAt != nil {
		end = *inst.ActualCompletionAt
	}
	total := end.Sub(inst.StartedAt)
	if total < 0 {
		total = 0
	}

	divisor := len(inst.Transitions)
	if divisor < 1 {
		divisor = 1
	}

	a := Analytics{
		InstanceID:          inst.ID,
		TotalDuration:       total,
		AverageStepDuration: total / time.Duration(divisor),
		CompletionRate:      inst.ProgressPercent,
		TransitionCount:     len(inst.Transitions),
		StepDwell:           make(map[StepID]StepDwell),
	}

	for i := range inst.Transitions {
		t := inst.Transitions[i]
		if a.SlowestTransition == nil || t.DurationInPriorStep > a.SlowestTransition.DurationInPriorStep {
			slowest := t
			slowest.Payload = copyPayload(t.Payload)
			a.SlowestTransition = &slowest
		}
		d := a.StepDwell[t.From]
		d.Step = t.From
		d.Visits++
		d.Total += t.DurationInPriorStep
		a.StepDwell[t.From] = d
	}
	for id, d := range a.StepDwell {
		d.Average = d.Total / time.Duration(d.Visits)
		a.StepDwell[id] = d
	}
	return a
}
