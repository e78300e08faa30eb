package wake

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "wake.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJob(threadID string, fireAt time.Time) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        NewID(),
		ThreadID:  threadID,
		Reason:    "follow up",
		FireAt:    fireAt.UTC(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_CreateGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("thread-1", time.Now().Add(time.Hour))
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.ThreadID != "thread-1" || got.Reason != "follow up" {
		t.Errorf("payload = %q/%q", got.ThreadID, got.Reason)
	}
	if !got.FireAt.Equal(job.FireAt) {
		t.Errorf("FireAt = %v, want %v", got.FireAt, job.FireAt)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestStore_Transition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("thread-1", time.Now())
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := store.Transition(ctx, job.ID, StatusCancelled, "", StatusPending)
	if err != nil || !ok {
		t.Fatalf("first cancel = %v, %v; want true", ok, err)
	}
	ok, err = store.Transition(ctx, job.ID, StatusCancelled, "", StatusPending)
	if err != nil || ok {
		t.Errorf("second cancel = %v, %v; want false", ok, err)
	}
	ok, err = store.Transition(ctx, "unknown", StatusCancelled, "", StatusPending)
	if err != nil || ok {
		t.Errorf("cancel unknown = %v, %v; want false", ok, err)
	}
}

func TestStore_ListUndelivered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := newTestJob("a", time.Now().Add(time.Minute))
	delivering := newTestJob("b", time.Now())
	done := newTestJob("c", time.Now())
	for _, j := range []*Job{pending, delivering, done} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := store.Transition(ctx, delivering.ID, StatusDelivering, "", StatusPending); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, done.ID, StatusFired, "", StatusPending); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.ListUndelivered(ctx)
	if err != nil {
		t.Fatalf("ListUndelivered: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("ListUndelivered returned %d jobs, want 2", len(jobs))
	}
	ids := map[string]bool{jobs[0].ID: true, jobs[1].ID: true}
	if !ids[pending.ID] || !ids[delivering.ID] {
		t.Errorf("ListUndelivered = %v, want pending and delivering jobs", ids)
	}
}
