package speaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// failingStore rejects writes and optionally reads.
type failingStore struct {
	failGet bool
	sets    int
}

func (s *failingStore) Get(context.Context, string) (string, bool, error) {
	if s.failGet {
		return "", false, errors.New("store offline")
	}
	return "", false, nil
}

func (s *failingStore) Set(context.Context, string, string) error {
	s.sets++
	return errors.New("quota exceeded")
}

// slowStore answers Get only once release is closed.
type slowStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *slowStore) Get(ctx context.Context, rawTag string) (string, bool, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	return s.MemoryStore.Get(ctx, rawTag)
}

func newSlowStore(labels map[string]string) *slowStore {
	s := &slowStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	for tag, label := range labels {
		_ = s.MemoryStore.Set(context.Background(), tag, label)
	}
	return s
}

func TestTracker_FirstSightingDefaultsToRawTag(t *testing.T) {
	tr := NewTracker(nil)

	id := tr.Resolve("Guest-1")
	if id.ID != "Guest-1" || id.Label != "Guest-1" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestTracker_UsesPersistedLabel(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Set(context.Background(), "Guest-2", "Alice")

	tr := NewTracker(store)
	tr.Resolve("Guest-2")
	tr.Wait()
	if got := tr.Label("Guest-2"); got != "Alice" {
		t.Errorf("expected persisted label Alice, got %q", got)
	}
	if ids := tr.Identities(nil); len(ids) != 1 || ids[0].Label != "Alice" {
		t.Errorf("unexpected identities %+v", ids)
	}
}

func TestTracker_ResolveDoesNotWaitForStore(t *testing.T) {
	store := newSlowStore(map[string]string{"Guest-1": "Alice"})
	tr := NewTracker(store)

	begin := time.Now()
	id := tr.Resolve("Guest-1")
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Errorf("Resolve blocked on the store for %v", elapsed)
	}
	if id.Label != "Guest-1" {
		t.Errorf("expected raw tag until the label loads, got %q", id.Label)
	}

	close(store.release)
	tr.Wait()
	if got := tr.Label("Guest-1"); got != "Alice" {
		t.Errorf("expected loaded label Alice, got %q", got)
	}
}

func TestTracker_RenameWinsOverLateLoad(t *testing.T) {
	store := newSlowStore(map[string]string{"Guest-1": "Alice"})
	tr := NewTracker(store)

	tr.Resolve("Guest-1")
	if err := tr.Rename("Guest-1", "Bob"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	close(store.release)
	tr.Wait()

	if got := tr.Label("Guest-1"); got != "Bob" {
		t.Errorf("late load overwrote rename: got %q", got)
	}
}

func TestTracker_RenameSurvivesNewSession(t *testing.T) {
	store := NewMemoryStore()

	first := NewTracker(store)
	first.Resolve("Guest-1")
	if err := first.Rename("Guest-1", "  Bob "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := first.Label("Guest-1"); got != "Bob" {
		t.Errorf("expected Bob in current session, got %q", got)
	}

	second := NewTracker(store)
	second.Resolve("Guest-1")
	second.Wait()
	if got := second.Label("Guest-1"); got != "Bob" {
		t.Errorf("expected Bob in next session, got %q", got)
	}
}

func TestTracker_RenamePersistenceFailureIsSwallowed(t *testing.T) {
	store := &failingStore{}
	tr := NewTracker(store)
	tr.Resolve("Guest-1")

	if err := tr.Rename("Guest-1", "Carol"); err != nil {
		t.Fatalf("expected rename to succeed in memory, got %v", err)
	}
	if store.sets != 1 {
		t.Errorf("expected one persistence attempt, got %d", store.sets)
	}
	if got := tr.Label("Guest-1"); got != "Carol" {
		t.Errorf("expected Carol, got %q", got)
	}
}

func TestTracker_LookupFailureFallsBackToRawTag(t *testing.T) {
	tr := NewTracker(&failingStore{failGet: true})
	tr.Resolve("Guest-3")
	tr.Wait()
	if got := tr.Label("Guest-3"); got != "Guest-3" {
		t.Errorf("expected raw tag fallback, got %q", got)
	}
}

func TestTracker_RenameValidation(t *testing.T) {
	tr := NewTracker(nil)

	if err := tr.Rename(" ", "x"); !errors.Is(err, ErrEmptyTag) {
		t.Errorf("expected ErrEmptyTag, got %v", err)
	}

	tr.Resolve("Guest-1")
	_ = tr.Rename("Guest-1", "Dana")
	_ = tr.Rename("Guest-1", "")
	if got := tr.Label("Guest-1"); got != "Guest-1" {
		t.Errorf("expected empty label to reset to raw tag, got %q", got)
	}
}

func TestTracker_RenameBeforeSighting(t *testing.T) {
	tr := NewTracker(nil)
	_ = tr.Rename("Guest-4", "Erin")

	if ids := tr.Identities(nil); len(ids) != 0 {
		t.Errorf("rename alone must not list a speaker, got %+v", ids)
	}
	if got := tr.Resolve("Guest-4").Label; got != "Erin" {
		t.Errorf("expected Erin, got %q", got)
	}
}

func TestTracker_IdentitiesInFirstSeenOrder(t *testing.T) {
	tr := NewTracker(nil)
	for _, tag := range []string{"Guest-2", "Guest-1", "Guest-2", "Guest-3"} {
		tr.Resolve(tag)
	}

	ids := tr.Identities(map[string]int{"Guest-1": 1, "Guest-2": 2})
	want := []Identity{
		{ID: "Guest-2", Label: "Guest-2", SegmentCount: 2},
		{ID: "Guest-1", Label: "Guest-1", SegmentCount: 1},
		{ID: "Guest-3", Label: "Guest-3", SegmentCount: 0},
	}
	if len(ids) != len(want) {
		t.Fatalf("expected %d identities, got %+v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("identity %d = %+v, want %+v", i, ids[i], want[i])
		}
	}
}

func TestTracker_ConcurrentResolveAndRename(t *testing.T) {
	tr := NewTracker(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.Resolve("Guest-1")
		}()
		go func() {
			defer wg.Done()
			_ = tr.Rename("Guest-1", "Frank")
		}()
	}
	wg.Wait()
	tr.Wait()

	if ids := tr.Identities(nil); len(ids) != 1 || ids[0].Label != "Frank" {
		t.Errorf("expected a single renamed identity, got %+v", ids)
	}
}
