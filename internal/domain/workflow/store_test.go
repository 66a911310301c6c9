package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*Store, *MemoryPersistence, *fakeClock) {
	persist := NewMemoryPersistence()
	store := NewStore(DefaultCatalog(), persist)
	clock := newFakeClock()
	store.SetClock(clock.Now)
	return store, persist, clock
}

func TestStore_Create(t *testing.T) {
	store, persist, clock := newTestStore()
	ctx := context.Background()

	inst, err := store.Create(ctx, TypeOPDCare, "patient-1", "reception-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID == "" {
		t.Error("expected generated id")
	}
	if inst.CurrentStep != "registration" {
		t.Errorf("expected registration, got %s", inst.CurrentStep)
	}
	if inst.Version != 1 {
		t.Errorf("expected version 1, got %d", inst.Version)
	}
	if !inst.StartedAt.Equal(clock.Now()) {
		t.Errorf("expected StartedAt %v, got %v", clock.Now(), inst.StartedAt)
	}
	if inst.StartedBy != "reception-1" {
		t.Errorf("expected StartedBy reception-1, got %s", inst.StartedBy)
	}
	if inst.IsCompleted() || inst.ProgressPercent != 0 || len(inst.Transitions) != 0 {
		t.Errorf("unexpected fresh instance: %+v", inst)
	}
	if persist.Len() != 1 {
		t.Errorf("expected 1 persisted record, got %d", persist.Len())
	}
}

func TestStore_Create_Validation(t *testing.T) {
	store, persist, _ := newTestStore()
	ctx := context.Background()

	if _, err := store.Create(ctx, TypeOPDCare, "", "reception-1"); !errors.Is(err, ErrEntityRequired) {
		t.Errorf("expected ErrEntityRequired, got %v", err)
	}
	if _, err := store.Create(ctx, TypeOPDCare, "patient-1", ""); !errors.Is(err, ErrActorRequired) {
		t.Errorf("expected ErrActorRequired, got %v", err)
	}
	if _, err := store.Create(ctx, "dental", "patient-1", "reception-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if persist.Len() != 0 {
		t.Errorf("validation failures must not write, got %d records", persist.Len())
	}
}

func TestStore_Create_DuplicateActive(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	first, err := store.Create(ctx, TypeOPDCare, "patient-1", "reception-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = store.Create(ctx, TypeOPDCare, "patient-1", "reception-2")
	var dup *DuplicateActiveInstanceError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateActiveInstanceError, got %v", err)
	}
	if dup.ExistingID != first.ID {
		t.Errorf("expected existing %s, got %s", first.ID, dup.ExistingID)
	}
	if !errors.Is(err, ErrDuplicateActive) {
		t.Error("expected errors.Is ErrDuplicateActive")
	}

	if _, err := store.Create(ctx, TypeTreatmentCourse, "patient-1", "reception-1"); err != nil {
		t.Errorf("a different workflow type must not collide: %v", err)
	}
	if _, err := store.Create(ctx, TypeOPDCare, "patient-2", "reception-1"); err != nil {
		t.Errorf("a different entity must not collide: %v", err)
	}
}

func TestStore_Get(t *testing.T) {
	store, persist, _ := newTestStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	inst, _ := store.Create(ctx, TypeOPDCare, "patient-1", "reception-1")
	got, err := store.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.CurrentStep = "completion"
	again, _ := store.Get(ctx, inst.ID)
	if again.CurrentStep != "registration" {
		t.Error("Get must return an isolated copy")
	}

	// Read-through from the backend when the cache is cold.
	cold := NewStore(DefaultCatalog(), persist)
	loaded, err := cold.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("cold Get: %v", err)
	}
	if loaded.EntityID != "patient-1" || loaded.Version != 1 {
		t.Errorf("unexpected loaded instance: %+v", loaded)
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	store, persist, _ := newTestStore()
	ctx := context.Background()
	inst, _ := store.Create(ctx, TypeOPDCare, "patient-1", "reception-1")

	updated, err := store.CompareAndSwap(ctx, inst.ID, 1, func(w *WorkflowInstance) error {
		w.CurrentStep = "episode-creation"
		w.ID = "hijacked"
		return nil
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if updated.ID != inst.ID {
		t.Error("mutate must not change the identity fields")
	}

	rec, _ := persist.Load(ctx, inst.ID)
	if rec.Version != 2 {
		t.Errorf("expected persisted version 2, got %d", rec.Version)
	}

	_, err = store.CompareAndSwap(ctx, inst.ID, 1, func(w *WorkflowInstance) error {
		w.CurrentStep = "abandoned"
		return nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	boom := errors.New("boom")
	_, err = store.CompareAndSwap(ctx, inst.ID, 2, func(w *WorkflowInstance) error {
		w.CurrentStep = "abandoned"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, _ := store.Get(ctx, inst.ID)
	if got.CurrentStep != "episode-creation" || got.Version != 2 {
		t.Errorf("failed mutate must not write: %+v", got)
	}
}

func TestStore_CompareAndSwap_StaleCache(t *testing.T) {
	persist := NewMemoryPersistence()
	a := NewStore(DefaultCatalog(), persist)
	b := NewStore(DefaultCatalog(), persist)
	ctx := context.Background()

	inst, _ := a.Create(ctx, TypeOPDCare, "patient-1", "reception-1")
	if _, err := b.Get(ctx, inst.ID); err != nil {
		t.Fatalf("warm b: %v", err)
	}
	if _, err := a.CompareAndSwap(ctx, inst.ID, 1, func(w *WorkflowInstance) error { return nil }); err != nil {
		t.Fatalf("a CAS: %v", err)
	}

	// b still caches version 1; the backend rejects the write and b evicts.
	_, err := b.CompareAndSwap(ctx, inst.ID, 1, func(w *WorkflowInstance) error { return nil })
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	fresh, err := b.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Version != 2 {
		t.Errorf("expected evicted cache to reload version 2, got %d", fresh.Version)
	}
}

func TestStore_CacheDropsCompletedInstances(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()
	inst, _ := store.Create(ctx, TypeOPDCare, "patient-1", "reception-1")
	if n := store.cached(); n != 1 {
		t.Fatalf("expected 1 cached instance, got %d", n)
	}

	done := clock.Now()
	if _, err := store.CompareAndSwap(ctx, inst.ID, 1, func(w *WorkflowInstance) error {
		w.CurrentStep = "abandoned"
		w.ActualCompletionAt = &done
		return nil
	}); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if n := store.cached(); n != 0 {
		t.Errorf("expected completed instance to leave the cache, got %d", n)
	}

	got, err := store.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 || !got.IsCompleted() {
		t.Errorf("expected completed instance at version 2 from the backend, got %+v", got)
	}
	if n := store.cached(); n != 0 {
		t.Errorf("reading a completed instance must not cache it, got %d", n)
	}
}

func TestStore_CacheIsBounded(t *testing.T) {
	store, _, _ := newTestStore()
	store.SetCacheSize(2)
	store.SetCacheSize(0)
	ctx := context.Background()

	var ids []string
	for _, entity := range []string{"patient-1", "patient-2", "patient-3", "patient-4"} {
		inst, err := store.Create(ctx, TypeOPDCare, entity, "reception-1")
		if err != nil {
			t.Fatalf("Create %s: %v", entity, err)
		}
		ids = append(ids, inst.ID)
		if n := store.cached(); n > 2 {
			t.Fatalf("cache grew to %d entries", n)
		}
	}

	// Dropped entries are reloaded from the backend.
	for _, id := range ids {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
	}
	if n := store.cached(); n != 2 {
		t.Errorf("expected a full cache of 2, got %d", n)
	}
}

func TestStore_FindActive(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	if _, err := store.FindActive(ctx, "patient-1", TypeOPDCare); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	inst, _ := store.Create(ctx, TypeOPDCare, "patient-1", "reception-1")
	got, err := store.FindActive(ctx, "patient-1", TypeOPDCare)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if got.ID != inst.ID {
		t.Errorf("expected %s, got %s", inst.ID, got.ID)
	}
}

func TestWorkflowInstance_Clone(t *testing.T) {
	done := time.Now()
	w := &WorkflowInstance{
		ID:                 "i-1",
		ActualCompletionAt: &done,
		Transitions: []Transition{
			{From: "a", To: "b", Payload: map[string]string{"k": "v"}},
		},
	}
	c := w.Clone()
	c.Transitions[0].Payload["k"] = "changed"
	c.Transitions[0].To = "z"
	*c.ActualCompletionAt = done.Add(time.Hour)

	if w.Transitions[0].Payload["k"] != "v" || w.Transitions[0].To != "b" {
		t.Error("clone shares transitions with the original")
	}
	if !w.ActualCompletionAt.Equal(done) {
		t.Error("clone shares ActualCompletionAt with the original")
	}
	var nilInst *WorkflowInstance
	if nilInst.Clone() != nil {
		t.Error("expected nil clone of nil instance")
	}
}
