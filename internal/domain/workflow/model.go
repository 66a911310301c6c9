package workflow

import (
	"time"
)

// WorkflowType names one of the fixed step sequences in the catalog.
type WorkflowType string

const (
	TypeOPDCare         WorkflowType = "opd_care"
	TypeTreatmentCourse WorkflowType = "treatment_course"
)

// StepID names a step inside a workflow definition.
type StepID string

// StepSpec describes a single step of a workflow definition.
type StepSpec struct {
	ID          StepID   `yaml:"id" json:"id"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Required    bool     `yaml:"required" json:"required"`
	Terminal    bool     `yaml:"terminal" json:"terminal"`
	Next        []StepID `yaml:"next" json:"next"`
}

// WorkflowDefinition is the immutable step sequence for a workflow type.
// The first step is the initial step of every instance of the type.
type WorkflowDefinition struct {
	Type        WorkflowType `yaml:"type" json:"type"`
	DisplayName string       `yaml:"display_name" json:"display_name"`
	Steps       []StepSpec   `yaml:"steps" json:"steps"`

	index    map[StepID]int
	legal    map[StepID]map[StepID]struct{}
	required int
}

// InitialStep returns the step every new instance starts in.
func (d *WorkflowDefinition) InitialStep() StepID {
	return d.Steps[0].ID
}

// Step looks up a step by id.
func (d *WorkflowDefinition) Step(id StepID) (StepSpec, bool) {
	i, ok := d.index[id]
	if !ok {
		return StepSpec{}, false
	}
	return d.Steps[i], true
}

// IsTerminal reports whether reaching id closes the workflow.
func (d *WorkflowDefinition) IsTerminal(id StepID) bool {
	s, ok := d.Step(id)
	return ok && s.Terminal
}

// RequiredCount returns the number of steps marked required.
func (d *WorkflowDefinition) RequiredCount() int {
	return d.required
}

// DisplayNameOf returns the human readable name of a step, falling back to the id.
func (d *WorkflowDefinition) DisplayNameOf(id StepID) string {
	if s, ok := d.Step(id); ok && s.DisplayName != "" {
		return s.DisplayName
	}
	return string(id)
}

// Transition is an immutable record of one move between steps.
type Transition struct {
	From                StepID            `json:"from"`
	To                  StepID            `json:"to"`
	Timestamp           time.Time         `json:"timestamp"`
	ActorID             string            `json:"actor_id"`
	DurationInPriorStep time.Duration     `json:"duration_in_prior_step"`
	Payload             map[string]string `json:"payload,omitempty"`
}

// WorkflowInstance tracks one care episode through its workflow definition.
type WorkflowInstance struct {
	ID                 string       `json:"id"`
	EntityID           string       `json:"entity_id"`
	WorkflowType       WorkflowType `json:"workflow_type"`
	CurrentStep        StepID       `json:"current_step"`
	StartedAt          time.Time    `json:"started_at"`
	StartedBy          string       `json:"started_by"`
	ActualCompletionAt *time.Time   `json:"actual_completion_at,omitempty"`
	Version            int64        `json:"version"`
	Transitions        []Transition `json:"transitions"`
	ProgressPercent    float64      `json:"progress_percent"`
}

// IsCompleted reports whether the instance has reached a terminal step.
func (w *WorkflowInstance) IsCompleted() bool {
	return w.ActualCompletionAt != nil
}

// LastBoundary returns the time the instance entered its current step.
func (w *WorkflowInstance) LastBoundary() time.Time {
	if n := len(w.Transitions); n > 0 {
		return w.Transitions[n-1].Timestamp
	}
	return w.StartedAt
}

// Clone returns a deep copy; mutators only ever see clones.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	if w.ActualCompletionAt != nil {
		t := *w.ActualCompletionAt
		c.ActualCompletionAt = &t
	}
	if w.Transitions != nil {
		c.Transitions = make([]Transition, len(w.Transitions))
		for i, t := range w.Transitions {
			c.Transitions[i] = t
			if t.Payload != nil {
				p := make(map[string]string, len(t.Payload))
				for k, v := range t.Payload {
					p[k] = v
				}
				c.Transitions[i].Payload = p
			}
		}
	}
	return &c
}

// DomainEvent announces a committed transition. It is never persisted.
type DomainEvent struct {
	InstanceID   string            `json:"instance_id"`
	WorkflowType WorkflowType      `json:"workflow_type"`
	EntityID     string            `json:"entity_id"`
	FromStep     StepID            `json:"from_step"`
	ToStep       StepID            `json:"to_step"`
	ActorID      string            `json:"actor_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Payload      map[string]string `json:"payload,omitempty"`
}
