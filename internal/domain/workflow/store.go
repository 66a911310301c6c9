package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCacheSize bounds how many open instances a Store keeps in memory.
const DefaultCacheSize = 10000

// Store is the keyed store of live workflow instances. It is a read-through,
// write-through cache over a Persistence backend and the only place instances
// are written. Completed instances are not cached.
type Store struct {
	catalog *Catalog
	persist Persistence
	now     func() time.Time

	mu        sync.RWMutex
	cache     map[string]*WorkflowInstance
	cacheSize int
}

func NewStore(catalog *Catalog, persist Persistence) *Store {
	return &Store{
		catalog:   catalog,
		persist:   persist,
		now:       time.Now,
		cache:     make(map[string]*WorkflowInstance),
		cacheSize: DefaultCacheSize,
	}
}

// SetCacheSize changes the cache bound. Values below 1 are ignored.
func (s *Store) SetCacheSize(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.cacheSize = n
	s.mu.Unlock()
}

// SetClock replaces the time source used to stamp StartedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create starts a new instance in the definition's initial step. At most one
// non-terminal instance may exist per entity and workflow type.
func (s *Store) Create(ctx context.Context, t WorkflowType, entityID, actorID string) (*WorkflowInstance, error) {
	if entityID == "" {
		return nil, ErrEntityRequired
	}
	if actorID == "" {
		return nil, ErrActorRequired
	}
	def, err := s.catalog.GetDefinition(t)
	if err != nil {
		return nil, err
	}

	existing, err := s.persist.FindActive(ctx, entityID, t)
	if err != nil {
		return nil, fmt.Errorf("find active workflow: %w", err)
	}
	if existing != "" {
		return nil, &DuplicateActiveInstanceError{EntityID: entityID, WorkflowType: t, ExistingID: existing}
	}

	inst := &WorkflowInstance{
		ID:           uuid.New().String(),
		EntityID:     entityID,
		WorkflowType: t,
		CurrentStep:  def.InitialStep(),
		StartedAt:    s.now().UTC(),
		StartedBy:    actorID,
		Version:      1,
		Transitions:  []Transition{},
	}
	rec, err := encodeRecord(inst)
	if err != nil {
		return nil, err
	}
	if err := s.persist.Save(ctx, rec, 0); err != nil {
		var dup *DuplicateActiveInstanceError
		if errors.As(err, &dup) {
			return nil, err
		}
		return nil, fmt.Errorf("save workflow instance: %w", err)
	}
	s.put(inst)
	return inst.Clone(), nil
}

// Get returns a private copy of the instance. Ids that are not UUIDs are
// reported as not found without touching the backend.
func (s *Store) Get(ctx context.Context, id string) (*WorkflowInstance, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, &NotFoundError{Kind: "workflow instance", ID: id}
	}
	id = parsed.String()

	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	rec, err := s.persist.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "workflow instance", ID: id}
		}
		return nil, fmt.Errorf("load workflow instance: %w", err)
	}
	inst, err := decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	s.put(inst)
	return inst.Clone(), nil
}

// FindActive returns the open instance for an entity and workflow type.
func (s *Store) FindActive(ctx context.Context, entityID string, t WorkflowType) (*WorkflowInstance, error) {
	id, err := s.persist.FindActive(ctx, entityID, t)
	if err != nil {
		return nil, fmt.Errorf("find active workflow: %w", err)
	}
	if id == "" {
		return nil, &NotFoundError{Kind: "active workflow for entity", ID: entityID}
	}
	return s.Get(ctx, id)
}

// CompareAndSwap applies mutate to a fresh copy of the instance and persists it
// only if the stored version still equals expectedVersion. The committed copy
// carries expectedVersion+1. Errors from mutate abort without writing.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate func(*WorkflowInstance) error) (*WorkflowInstance, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &VersionConflictError{InstanceID: id, Expected: expectedVersion}
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.EntityID = current.EntityID
	next.WorkflowType = current.WorkflowType
	next.Version = expectedVersion + 1

	rec, err := encodeRecord(next)
	if err != nil {
		return nil, err
	}
	if err := s.persist.Save(ctx, rec, expectedVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Another writer got there first; drop our copy so the next read
			// goes to the backend.
			s.evict(current.ID)
			return nil, &VersionConflictError{InstanceID: current.ID, Expected: expectedVersion}
		}
		return nil, fmt.Errorf("save workflow instance: %w", err)
	}
	s.put(next)
	return next.Clone(), nil
}

func (s *Store) put(inst *WorkflowInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cache[inst.ID]
	if ok && cur.Version > inst.Version {
		return
	}
	if inst.IsCompleted() {
		delete(s.cache, inst.ID)
		return
	}
	if !ok && len(s.cache) >= s.cacheSize {
		// Any entry will do; a dropped instance is reloaded on its next read.
		for id := range s.cache {
			delete(s.cache, id)
			break
		}
	}
	s.cache[inst.ID] = inst.Clone()
}

// cached reports how many instances are held in memory.
func (s *Store) cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Store) evict(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
