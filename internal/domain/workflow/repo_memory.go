package workflow

import (
	"context"
	"sync"
)

// MemoryPersistence is an in-process Persistence backend used in development
// mode and tests.
type MemoryPersistence struct {
	mu      sync.RWMutex
	records map[string]Record
	active  map[activeKey]string
}

type activeKey struct {
	entityID string
	wfType   WorkflowType
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		records: make(map[string]Record),
		active:  make(map[activeKey]string),
	}
}

func (m *MemoryPersistence) Load(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, &NotFoundError{Kind: "workflow instance", ID: id}
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

func (m *MemoryPersistence) Save(_ context.Context, rec Record, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := activeKey{entityID: rec.EntityID, wfType: rec.WorkflowType}
	existing, exists := m.records[rec.ID]
	if expectedVersion == 0 {
		if exists {
			return &VersionConflictError{InstanceID: rec.ID, Expected: 0}
		}
		if rec.Active {
			if id, ok := m.active[key]; ok && id != rec.ID {
				return &DuplicateActiveInstanceError{EntityID: rec.EntityID, WorkflowType: rec.WorkflowType, ExistingID: id}
			}
		}
	} else {
		if !exists {
			return &NotFoundError{Kind: "workflow instance", ID: rec.ID}
		}
		if existing.Version != expectedVersion {
			return &VersionConflictError{InstanceID: rec.ID, Expected: expectedVersion}
		}
	}

	rec.Data = append([]byte(nil), rec.Data...)
	m.records[rec.ID] = rec
	if rec.Active {
		m.active[key] = rec.ID
	} else if m.active[key] == rec.ID {
		delete(m.active, key)
	}
	return nil
}

func (m *MemoryPersistence) FindActive(_ context.Context, entityID string, t WorkflowType) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[activeKey{entityID: entityID, wfType: t}], nil
}

// Len returns the number of stored records. For testing.
func (m *MemoryPersistence) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
