package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is the serialized form of an instance handed to a Persistence backend.
// Data is opaque to the backend; the other fields exist so backends can index
// and enforce the single-active-instance rule.
type Record struct {
	ID           string
	EntityID     string
	WorkflowType WorkflowType
	Active       bool
	Version      int64
	Data         []byte
}

// Persistence is the durable storage collaborator behind the instance store.
type Persistence interface {
	// Load returns the record for id or an error wrapping ErrNotFound.
	Load(ctx context.Context, id string) (Record, error)

	// Save writes rec if the stored version equals expectedVersion. An
	// expectedVersion of zero inserts a new record. Stale versions fail with
	// ErrVersionConflict; a second active record for the same entity and type
	// fails with ErrDuplicateActive.
	Save(ctx context.Context, rec Record, expectedVersion int64) error

	// FindActive returns the id of the non-terminal instance for the entity and
	// type, or "" when there is none.
	FindActive(ctx context.Context, entityID string, t WorkflowType) (string, error)
}

func encodeRecord(w *WorkflowInstance) (Record, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return Record{}, fmt.Errorf("marshal workflow instance: %w", err)
	}
	return Record{
		ID:           w.ID,
		EntityID:     w.EntityID,
		WorkflowType: w.WorkflowType,
		Active:       !w.IsCompleted(),
		Version:      w.Version,
		Data:         data,
	}, nil
}

func decodeRecord(rec Record) (*WorkflowInstance, error) {
	var w WorkflowInstance
	if err := json.Unmarshal(rec.Data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal workflow instance %s: %w", rec.ID, err)
	}
	// The column is authoritative over the encoded copy.
	w.Version = rec.Version
	return &w, nil
}
