// Package registry is the in-memory group directory: a write-through cache
// over internal/store.GroupStore, keyed by the normalized group ID that
// doubles as the on-disk folder name.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/bootstrap"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

var invalidChar = regexp.MustCompile(`[^a-z0-9_-]+`)
var dashRuns = regexp.MustCompile(`-+`)

// NormalizeGroupID lowercases raw, replaces any run of characters outside
// [A-Za-z0-9_-] with a single "-", trims leading/trailing "-", and rejects
// results that are empty, ".", or "..". The result is always both the
// routing key and the folder name.
func NormalizeGroupID(raw string) (string, error) {
	lower := strings.ToLower(raw)
	replaced := invalidChar.ReplaceAllString(lower, "-")
	collapsed := dashRuns.ReplaceAllString(replaced, "-")
	trimmed := strings.Trim(collapsed, "-")

	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("registry: %q normalizes to an invalid group id", raw)
	}
	return trimmed, nil
}

// Registry is the in-memory group directory, mirrored to store.GroupStore.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*store.Group

	groupStore store.GroupStore
	dataDir    string
	groupsDir  string
}

// New constructs a Registry and loads every persisted group into memory.
func New(ctx context.Context, groupStore store.GroupStore, dataDir, groupsDir string) (*Registry, error) {
	r := &Registry{
		groups:     make(map[string]*store.Group),
		groupStore: groupStore,
		dataDir:    dataDir,
		groupsDir:  groupsDir,
	}

	existing, err := groupStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: rehydrate: %w", err)
	}
	for i := range existing {
		g := existing[i]
		r.groups[g.GroupID] = &g
	}
	return r, nil
}

// Get returns the group for a normalized ID, or (nil, false) if unknown.
func (r *Registry) Get(groupID string) (*store.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	return g, ok
}

// Exists reports whether groupID is registered.
func (r *Registry) Exists(groupID string) bool {
	_, ok := r.Get(groupID)
	return ok
}

// List returns a snapshot of every registered group.
func (r *Registry) List() []store.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	return out
}

// Register normalizes rawID, persists the group, and scaffolds its on-disk
// layout (logs dir, IPC inbox, snapshot dir). It is idempotent: re-registering
// an existing group replaces DisplayName, Trigger and ContainerConfig and
// keeps its original AddedAt.
func (r *Registry) Register(ctx context.Context, rawID, displayName, trigger string, cfg *store.ContainerConfig) (*store.Group, error) {
	groupID, err := NormalizeGroupID(rawID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.groups[groupID]
	g := &store.Group{
		GroupID:         groupID,
		DisplayName:     displayName,
		Folder:          groupID,
		Trigger:         trigger,
		ContainerConfig: cfg,
	}
	if ok {
		g.AddedAt = existing.AddedAt
	} else {
		g.AddedAt = time.Now().UTC()
	}
	r.groups[groupID] = g
	r.mu.Unlock()

	if err := r.groupStore.Upsert(ctx, g); err != nil {
		return nil, fmt.Errorf("registry: persist group %q: %w", groupID, err)
	}
	if err := bootstrap.EnsureGroupLayout(r.dataDir, r.groupsDir, groupID); err != nil {
		return nil, fmt.Errorf("registry: scaffold group %q: %w", groupID, err)
	}
	return g, nil
}
