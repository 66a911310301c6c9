package notification

import (
	"strings"
)

// AnyStep matches every destination step of a workflow type. AnyWorkflow
// matches every workflow type.
const (
	AnyStep     = "*"
	AnyWorkflow = "*"
)

// TargetSource says how a rule resolves its recipient.
type TargetSource string

const (
	FromRole    TargetSource = "role"    // Value names the role
	FromUser    TargetSource = "user"    // Value names the user
	FromActor   TargetSource = "actor"   // the user who made the transition
	FromPayload TargetSource = "payload" // Value names a payload key holding a user id
)

type Target struct {
	Source TargetSource
	Value  string
}

// Rule turns a matching event into one message. Title and Body are templates
// over the event fields and payload.
type Rule struct {
	WorkflowType string
	ToStep       string
	Target       Target
	Priority     Priority
	Category     string
	Title        string
	Body         string
	Actions      []SuggestedAction
	// Details lists payload keys appended to the body when present.
	Details []string
}

func (r Rule) matches(evt Event) bool {
	if r.WorkflowType != AnyWorkflow && r.WorkflowType != evt.WorkflowType {
		return false
	}
	return r.ToStep == AnyStep || r.ToStep == evt.ToStep
}

// resolve returns the message target, or ok=false when the event does not
// carry what the rule needs.
func (r Rule) resolve(evt Event) (TargetKind, string, bool) {
	switch r.Target.Source {
	case FromRole:
		return TargetRole, r.Target.Value, r.Target.Value != ""
	case FromUser:
		return TargetUser, r.Target.Value, r.Target.Value != ""
	case FromActor:
		return TargetUser, evt.ActorID, evt.ActorID != ""
	case FromPayload:
		id := evt.Payload[r.Target.Value]
		return TargetUser, id, id != ""
	}
	return "", "", false
}

func (r Rule) body(evt Event) string {
	body := render(r.Body, templateData(evt))
	for _, key := range r.Details {
		if v := evt.Payload[key]; v != "" {
			body += " " + strings.ToUpper(key[:1]) + key[1:] + ": " + v
		}
	}
	return body
}

// priorityFor applies the critical flag on top of the rule priority.
func priorityFor(r Rule, evt Event) Priority {
	if strings.EqualFold(evt.Payload["critical"], "true") {
		return PriorityUrgent
	}
	if r.Priority == "" {
		return PriorityNormal
	}
	return r.Priority
}

// DefaultRules routes the clinic's care workflows to the roles that act next.
func DefaultRules() []Rule {
	return []Rule{
		{
			WorkflowType: "opd_care", ToStep: "episode-creation",
			Target: Target{Source: FromRole, Value: "doctor"}, Priority: PriorityNormal, Category: "queue",
			Title:   "New patient in queue",
			Body:    "Patient {{entity_id}} is registered and waiting for consultation.",
			Actions: []SuggestedAction{{Label: "Start consultation", Action: "consultation"}},
		},
		{
			WorkflowType: "opd_care", ToStep: "consultation",
			Target: Target{Source: FromPayload, Value: "assigned_to"}, Priority: PriorityHigh, Category: "consultation",
			Title: "Patient ready for consultation",
			Body:  "Patient {{entity_id}} has been assigned to you.",
		},
		{
			WorkflowType: "opd_care", ToStep: "prescription",
			Target: Target{Source: FromRole, Value: "pharmacist"}, Priority: PriorityHigh, Category: "pharmacy",
			Title:   "New prescription to dispense",
			Body:    "A prescription for patient {{entity_id}} is ready for dispensing.",
			Actions: []SuggestedAction{{Label: "Dispense", Action: "dispensing"}},
		},
		{
			WorkflowType: "opd_care", ToStep: "dispensing",
			Target: Target{Source: FromRole, Value: "receptionist"}, Priority: PriorityNormal, Category: "billing",
			Title:   "Medication dispensed; settle billing",
			Body:    "Medication for patient {{entity_id}} has been dispensed.",
			Actions: []SuggestedAction{{Label: "Complete visit", Action: "completion"}},
		},
		{
			WorkflowType: "opd_care", ToStep: "completion",
			Target: Target{Source: FromActor}, Priority: PriorityLow, Category: "visit",
			Title: "Visit completed",
			Body:  "The visit for patient {{entity_id}} is closed.",
		},
		{
			WorkflowType: AnyWorkflow, ToStep: "abandoned",
			Target: Target{Source: FromRole, Value: "admin"}, Priority: PriorityUrgent, Category: "escalation",
			Title:   "Care episode abandoned",
			Body:    "The {{workflow_type}} episode for patient {{entity_id}} was abandoned at {{from_step}}.",
			Details: []string{"reason"},
		},
		{
			WorkflowType: "treatment_course", ToStep: "session-scheduled",
			Target: Target{Source: FromPayload, Value: "assigned_to"}, Priority: PriorityNormal, Category: "session",
			Title: "Therapy session scheduled",
			Body:  "A session for patient {{entity_id}} has been scheduled with you.",
		},
		{
			WorkflowType: "treatment_course", ToStep: "review",
			Target: Target{Source: FromRole, Value: "doctor"}, Priority: PriorityHigh, Category: "review",
			Title:   "Treatment course ready for review",
			Body:    "The treatment course for patient {{entity_id}} needs a review.",
			Actions: []SuggestedAction{{Label: "Discharge", Action: "discharge"}, {Label: "Schedule session", Action: "session-scheduled"}},
		},
		{
			WorkflowType: "treatment_course", ToStep: "discharge",
			Target: Target{Source: FromRole, Value: "receptionist"}, Priority: PriorityNormal, Category: "billing",
			Title: "Patient discharged",
			Body:  "Patient {{entity_id}} completed the treatment course; settle billing.",
		},
	}
}
