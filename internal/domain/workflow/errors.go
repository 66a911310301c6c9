package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrDuplicateActive   = errors.New("active workflow already exists")
	ErrVersionConflict   = errors.New("version conflict")
	ErrConcurrentUpdate  = errors.New("concurrent update")

	ErrActorRequired  = errors.New("actor_id is required")
	ErrEntityRequired = errors.New("entity_id is required")
)

// NotFoundError is returned for unknown instances and workflow types.
type NotFoundError struct {
	Kind string // "workflow instance" or "workflow definition"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IllegalTransitionError carries the legal next steps so callers can explain
// the rejection.
type IllegalTransitionError struct {
	WorkflowType WorkflowType
	From         StepID
	To           StepID
	LegalNext    []StepID
}

func (e *IllegalTransitionError) Error() string {
	next := make([]string, len(e.LegalNext))
	for i, s := range e.LegalNext {
		next[i] = string(s)
	}
	return fmt.Sprintf("illegal transition %s -> %s for %s (legal: [%s])",
		e.From, e.To, e.WorkflowType, strings.Join(next, ", "))
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// DuplicateActiveInstanceError points the caller at the open instance.
type DuplicateActiveInstanceError struct {
	EntityID     string
	WorkflowType WorkflowType
	ExistingID   string
}

func (e *DuplicateActiveInstanceError) Error() string {
	return fmt.Sprintf("entity %q already has an active %s workflow (%s)", e.EntityID, e.WorkflowType, e.ExistingID)
}

func (e *DuplicateActiveInstanceError) Unwrap() error { return ErrDuplicateActive }

// VersionConflictError is internal to the store/engine pair; the engine retries
// it and never returns it to callers.
type VersionConflictError struct {
	InstanceID string
	Expected   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("workflow instance %q version conflict (expected %d)", e.InstanceID, e.Expected)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// ConcurrentUpdateError is returned once the retry budget is spent. The caller
// must refetch the instance before deciding again.
type ConcurrentUpdateError struct {
	InstanceID string
	Attempts   int
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("workflow instance %q changed concurrently; gave up after %d attempts", e.InstanceID, e.Attempts)
}

func (e *ConcurrentUpdateError) Unwrap() error { return ErrConcurrentUpdate }
