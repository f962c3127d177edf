package turn

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

type fakeGroupStore struct{ groups map[string]*store.Group }

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]*store.Group)}
}

func (f *fakeGroupStore) Get(_ context.Context, groupID string) (*store.Group, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func (f *fakeGroupStore) Upsert(_ context.Context, g *store.Group) error {
	cp := *g
	f.groups[g.GroupID] = &cp
	return nil
}

func (f *fakeGroupStore) List(_ context.Context) ([]store.Group, error) {
	var out []store.Group
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(context.Background(), newFakeGroupStore(), dir, dir)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	q := queue.New(queue.Config{IdleTimeout: time.Minute, GracePeriod: time.Second}, testLogger())
	// New wires q's ProcessPromptFn to o.spawn, which dereferences a nil
	// runner; every test here overrides it immediately so spawn is never
	// reached.
	o := New(reg, q, nil, nil, testLogger())
	q.SetProcessPromptFn(func(context.Context, string) error { return nil })
	return o, q
}

func TestEnsureGroupAutoRegistersOnce(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	g1, err := o.EnsureGroup(ctx, "team-a", "Team A")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	g2, err := o.EnsureGroup(ctx, "team-a", "Team A Again")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if g1.GroupID != g2.GroupID {
		t.Fatalf("expected stable group id, got %q and %q", g1.GroupID, g2.GroupID)
	}
	if g2.DisplayName != "Team A" {
		t.Fatalf("expected the first registration's display name to stick, got %q", g2.DisplayName)
	}
}

func TestSubmitChatQueuesFirstPrompt(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.EnsureGroup(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	status, err := o.SubmitChat(ctx, "team-a", "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status != queue.StatusQueued {
		t.Fatalf("expected queued status for a group with no live subprocess, got %s", status)
	}
}

func TestSubmitScheduledIsolatedSetsOverride(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.SubmitScheduled(ctx, "team-a", "ping", true); err != nil {
		t.Fatalf("submit: %v", err)
	}

	o.mu.Lock()
	isolated := o.isolatedOverride["team-a"]
	o.mu.Unlock()
	if !isolated {
		t.Fatal("expected isolatedOverride to be set for team-a")
	}
}

func TestSubmitScheduledIsolatedClearsOverrideOnSubmitError(t *testing.T) {
	o, q := newTestOrchestrator(t)
	ctx := context.Background()

	q.Shutdown(ctx, 0)

	if _, err := o.SubmitScheduled(ctx, "team-a", "ping", true); err == nil {
		t.Fatal("expected an error once the queue is draining")
	}

	o.mu.Lock()
	_, stillSet := o.isolatedOverride["team-a"]
	o.mu.Unlock()
	if stillSet {
		t.Fatal("expected the override to be rolled back when submission fails")
	}
}
