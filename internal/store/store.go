// Package store defines the persistent-state contract: groups, sessions,
// scheduled tasks, and process-level router state. internal/store/pg
// provides the Postgres-backed implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ScheduleType is the kind of recurrence a Task follows.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode controls whether a fired task run shares the group's
// persistent session or runs isolated from it.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is whether a task is currently eligible to fire.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
)

// Mount is a single bind mount into a group's container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerConfig customizes the image and environment a group's
// container runs with. A nil ContainerConfig means "use host defaults".
type ContainerConfig struct {
	Image             string            `json:"image,omitempty"`
	Mounts            []Mount           `json:"mounts,omitempty"`
	ExtraEnvAllowlist []string          `json:"extra_env_allowlist,omitempty"`
	ExtraEnv          map[string]string `json:"extra_env,omitempty"`
}

// Group is a named execution context. GroupID is both the routing key
// and the on-disk folder name — they are never diverged (see
// registry.NormalizeGroupID).
type Group struct {
	GroupID         string           `json:"group_id"`
	DisplayName     string           `json:"display_name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	AddedAt         time.Time        `json:"added_at"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
}

// IsMain reports whether this group is the distinguished privileged group.
func (g Group) IsMain() bool { return g.GroupID == MainGroupID }

// MainGroupID is the distinguished, always-present, privileged group.
const MainGroupID = "main"

// Task is a scheduled prompt.
type Task struct {
	TaskID        string       `json:"task_id"`
	GroupFolder   string       `json:"group_folder"`
	ChatJID       string       `json:"chat_jid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// GroupStore persists Group records.
type GroupStore interface {
	Get(ctx context.Context, groupID string) (*Group, error)
	Upsert(ctx context.Context, g *Group) error
	List(ctx context.Context) ([]Group, error)
}

// SessionStore persists the opaque per-group session token, keyed by folder.
type SessionStore interface {
	Get(ctx context.Context, folder string) (sessionID string, ok bool, err error)
	Set(ctx context.Context, folder, sessionID string) error
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, taskID string) error
	// ListDue returns active tasks whose NextRun <= now, ordered by
	// NextRun ascending, ties broken by TaskID.
	ListDue(ctx context.Context, now time.Time) ([]Task, error)
	ListForGroup(ctx context.Context, groupFolder string) ([]Task, error)
	ListAll(ctx context.Context) ([]Task, error)
}

// RouterStateStore persists small process-level scalars.
type RouterStateStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// RunTraceStore records one observability row per container turn.
type RunTraceStore interface {
	Start(ctx context.Context, runID, groupID, folder string) error
	Finish(ctx context.Context, runID, status, errMsg string) error
}

// IPCAuditStore records one observability row per processed inbox file.
type IPCAuditStore interface {
	Record(ctx context.Context, sourceGroup, opType string, accepted bool, reason string) error
}

// Store aggregates every persistence concern the host needs.
type Store interface {
	Groups() GroupStore
	Sessions() SessionStore
	Tasks() TaskStore
	RouterState() RouterStateStore
	RunTraces() RunTraceStore
	IPCAudit() IPCAuditStore
	Close() error
}
