// Package notification routes workflow events to users and role groups. It
// matches events against routing rules, queues the resulting messages for a
// worker pool and records every delivery attempt in an in-memory outbox.
package notification

import (
	"sort"
	"strings"
	"time"
)

// TargetKind says whether a message is addressed to one user or a role group.
type TargetKind string

const (
	TargetUser TargetKind = "user"
	TargetRole TargetKind = "role"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Event is the transition announcement the dispatcher consumes. It mirrors the
// workflow domain event without importing the domain package.
type Event struct {
	InstanceID   string            `json:"instance_id"`
	WorkflowType string            `json:"workflow_type"`
	EntityID     string            `json:"entity_id"`
	FromStep     string            `json:"from_step"`
	ToStep       string            `json:"to_step"`
	ActorID      string            `json:"actor_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Payload      map[string]string `json:"payload,omitempty"`
}

// SuggestedAction is a follow-up the UI can offer next to the message.
type SuggestedAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Message is one notification addressed to a single target.
type Message struct {
	ID         string            `json:"id"`
	TargetKind TargetKind        `json:"target_kind"`
	TargetID   string            `json:"target_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Category   string            `json:"category"`
	Priority   Priority          `json:"priority"`
	Actions    []SuggestedAction `json:"actions,omitempty"`
	InstanceID string            `json:"instance_id"`
	EntityID   string            `json:"entity_id"`
	CreatedAt  time.Time         `json:"created_at"`
}

// render performs {{key}} replacement in a single pass, so placeholders inside
// substituted values stay literal. Keys absent from data are left as-is.
func render(tpl string, data map[string]string) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// templateData exposes the event fields and payload to rule templates. Payload
// keys never shadow the event fields.
func templateData(evt Event) map[string]string {
	data := make(map[string]string, len(evt.Payload)+6)
	for k, v := range evt.Payload {
		data[k] = v
	}
	data["instance_id"] = evt.InstanceID
	data["workflow_type"] = evt.WorkflowType
	data["entity_id"] = evt.EntityID
	data["from_step"] = evt.FromStep
	data["to_step"] = evt.ToStep
	data["actor_id"] = evt.ActorID
	return data
}
