// Package storetest holds the behavioral suite every thread.Store
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nugget/skein/internal/thread"
)

// Run exercises store against the thread storage contract. newStore must
// return an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) thread.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s thread.Store)
	}{
		{"CreateStartsAtVersionOne", testCreate},
		{"FindMissingReturnsNil", testFindMissing},
		{"FindBySourceReturnsLatest", testFindBySource},
		{"LockedUpdateIncrementsVersion", testLockedUpdate},
		{"StaleLockedUpdateConflicts", testStaleLockedUpdate},
		{"ConcurrentLockedUpdatesOneWins", testConcurrentLocked},
		{"UnlockedUpdateIgnoresVersion", testUnlockedUpdate},
		{"UpdateMissingIsNotFound", testUpdateMissing},
		{"ContextMergeKeepsOtherKeys", testContextMerge},
		{"WakeFieldsSetAndClear", testWakeFields},
		{"LiveIdentityIsUnique", testLiveIdentity},
		{"ListFiltersByStatus", testList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testCreate(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{
		Source:   "chat",
		Messages: []thread.Message{thread.NewMessage(thread.RoleUser, "hello")},
		Context:  map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if th.Version != 1 {
		t.Errorf("Version = %d, want 1", th.Version)
	}
	if th.Status != thread.StatusActive {
		t.Errorf("Status = %q, want active", th.Status)
	}
	if th.ID == "" {
		t.Fatal("ID is empty")
	}

	got, err := s.FindByID(ctx, th.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got == nil {
		t.Fatal("FindByID returned nil")
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("Messages = %+v, want one 'hello'", got.Messages)
	}
	if got.Context["k"] != "v" {
		t.Errorf("Context[k] = %v, want v", got.Context["k"])
	}
	if !got.CreatedAt.Equal(th.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, th.CreatedAt)
	}
}

func testFindMissing(t *testing.T, s thread.Store) {
	ctx := context.Background()
	got, err := s.FindByID(ctx, thread.NewID())
	if err != nil || got != nil {
		t.Errorf("FindByID(missing) = %v, %v; want nil, nil", got, err)
	}
	got, err = s.FindBySource(ctx, "discord", "nobody")
	if err != nil || got != nil {
		t.Errorf("FindBySource(missing) = %v, %v; want nil, nil", got, err)
	}
}

func testFindBySource(t *testing.T, s thread.Store) {
	ctx := context.Background()
	first, err := s.Create(ctx, thread.Seed{Source: "discord", SourceID: "chan-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Update(ctx, first.ID, thread.Patch{Status: thread.Ptr(thread.StatusComplete)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	second, err := s.Create(ctx, thread.Seed{Source: "discord", SourceID: "chan-1"})
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}

	got, err := s.FindBySource(ctx, "discord", "chan-1")
	if err != nil {
		t.Fatalf("FindBySource: %v", err)
	}
	if got == nil || got.ID != second.ID {
		t.Errorf("FindBySource = %v, want thread %s", got, second.ID)
	}
}

func testLockedUpdate(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{Source: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	msgs := []thread.Message{thread.NewMessage(thread.RoleUser, "one")}
	for i := 0; i < 3; i++ {
		prev := th
		th, err = s.UpdateLocked(ctx, prev.ID, prev.Version, thread.Patch{Messages: msgs})
		if err != nil {
			t.Fatalf("UpdateLocked #%d: %v", i, err)
		}
		if th.Version != prev.Version+1 {
			t.Errorf("Version = %d, want %d", th.Version, prev.Version+1)
		}
		if th.UpdatedAt.Before(prev.UpdatedAt) {
			t.Errorf("UpdatedAt went backwards: %v < %v", th.UpdatedAt, prev.UpdatedAt)
		}
	}

	got, err := s.FindByID(ctx, th.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Version != 4 {
		t.Errorf("stored Version = %d, want 4", got.Version)
	}
}

func testStaleLockedUpdate(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{Source: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateLocked(ctx, th.ID, 1, thread.Patch{Title: thread.Ptr("fresh")}); err != nil {
		t.Fatalf("UpdateLocked: %v", err)
	}

	_, err = s.UpdateLocked(ctx, th.ID, 1, thread.Patch{Title: thread.Ptr("stale")})
	var ce *thread.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("stale UpdateLocked error = %v, want *ConflictError", err)
	}
	if !errors.Is(err, thread.ErrConflict) {
		t.Error("ConflictError does not match ErrConflict")
	}

	got, err := s.FindByID(ctx, th.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Title != "fresh" || got.Version != 2 {
		t.Errorf("after stale write: title=%q version=%d, want fresh/2", got.Title, got.Version)
	}
}

func testConcurrentLocked(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{Source: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateLocked(ctx, th.ID, th.Version, thread.Patch{Title: thread.Ptr("race")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, thread.ErrConflict):
				conflicts++
			default:
				t.Errorf("UpdateLocked: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, writers-1)
	}
}

func testUnlockedUpdate(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{Source: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateLocked(ctx, th.ID, 1, thread.Patch{Title: thread.Ptr("a")}); err != nil {
		t.Fatalf("UpdateLocked: %v", err)
	}

	got, err := s.Update(ctx, th.ID, thread.Patch{Title: thread.Ptr("b")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 3 || got.Title != "b" {
		t.Errorf("Update = version %d title %q, want 3/b", got.Version, got.Title)
	}
}

func testUpdateMissing(t *testing.T, s thread.Store) {
	ctx := context.Background()
	id := thread.NewID()
	if _, err := s.Update(ctx, id, thread.Patch{Title: thread.Ptr("x")}); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateLocked(ctx, id, 1, thread.Patch{Title: thread.Ptr("x")}); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("UpdateLocked(missing) error = %v, want ErrNotFound", err)
	}
}

func testContextMerge(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{Source: "chat", Context: map[string]any{"a": "1", "b": "2"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Update(ctx, th.ID, thread.Patch{ContextMerge: map[string]any{"b": "3", "c": float64(4)}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := map[string]any{"a": "1", "b": "3", "c": float64(4)}
	for k, v := range want {
		if got.Context[k] != v {
			t.Errorf("Context[%s] = %v, want %v", k, got.Context[k], v)
		}
	}

	stored, err := s.FindByID(ctx, th.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	for k, v := range want {
		if stored.Context[k] != v {
			t.Errorf("stored Context[%s] = %v, want %v", k, stored.Context[k], v)
		}
	}
}

func testWakeFields(t *testing.T, s thread.Store) {
	ctx := context.Background()
	th, err := s.Create(ctx, thread.Seed{Source: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	th, err = s.Update(ctx, th.ID, thread.Patch{
		Status:     thread.Ptr(thread.StatusSleeping),
		WakeHandle: thread.Ptr("job-1"),
		WakeReason: thread.Ptr("check later"),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !th.HasPendingWake() || th.WakeReason != "check later" {
		t.Fatalf("wake fields not set: %+v", th)
	}

	th, err = s.Update(ctx, th.ID, thread.Patch{WakeHandle: thread.Ptr(""), WakeReason: thread.Ptr("")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if th.HasPendingWake() || th.WakeReason != "" {
		t.Errorf("wake fields not cleared: %+v", th)
	}
	if th.Status != thread.StatusSleeping {
		t.Errorf("Status = %q, want sleeping", th.Status)
	}
}

func testLiveIdentity(t *testing.T, s thread.Store) {
	ctx := context.Background()
	if _, err := s.Create(ctx, thread.Seed{Source: "alert", SourceID: "fp-1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, thread.Seed{Source: "alert", SourceID: "fp-1"}); !errors.Is(err, thread.ErrLiveThreadExists) {
		t.Errorf("duplicate live Create error = %v, want ErrLiveThreadExists", err)
	}

	// Identity-less threads never collide.
	for i := 0; i < 2; i++ {
		if _, err := s.Create(ctx, thread.Seed{Source: "chat"}); err != nil {
			t.Fatalf("Create chat #%d: %v", i, err)
		}
	}
}

func testList(t *testing.T, s thread.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		th, err := s.Create(ctx, thread.Seed{Source: "chat"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, th.ID)
	}
	if _, err := s.Update(ctx, ids[1], thread.Patch{Status: thread.Ptr(thread.StatusComplete)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := s.List(ctx, thread.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() returned %d threads, want 3", len(all))
	}

	done, err := s.List(ctx, thread.ListOptions{Status: thread.StatusComplete})
	if err != nil {
		t.Fatalf("List(complete): %v", err)
	}
	if len(done) != 1 || done[0].ID != ids[1] {
		t.Errorf("List(complete) = %d threads, want only %s", len(done), ids[1])
	}

	limited, err := s.List(ctx, thread.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List(limit): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(limit 2) returned %d", len(limited))
	}
}
