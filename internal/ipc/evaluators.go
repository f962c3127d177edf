package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/groupd/internal/crypto"
	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/scheduler"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

// payloadString reads a required string field from payload. ok is false
// (triggering a malformed-file error, not a denial) if it's missing or
// the wrong type.
func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MessageEvaluator applies the `message` IPC op: an agent asking the host
// to deliver text to a target group's output stream.
type MessageEvaluator struct {
	Registry      *registry.Registry
	Router        *outputrouter.Router
	AssistantName string
}

func (e *MessageEvaluator) Evaluate(_ context.Context, actx AuthContext) (*AuthResult, error) {
	chatJID, okChat := payloadString(actx.Payload, "chatJid")
	text, okText := payloadString(actx.Payload, "text")
	if !okChat || !okText {
		return nil, fmt.Errorf("ipc: message op missing chatJid/text")
	}

	groupID, err := registry.NormalizeGroupID(chatJID)
	if err != nil {
		return nil, fmt.Errorf("ipc: message op has invalid chatJid: %w", err)
	}

	authorized := actx.IsMain || groupID == actx.SourceGroup
	if !authorized {
		return &AuthResult{Allowed: false, Reason: "message: source not authorized for target group"}, nil
	}

	prefixed := e.AssistantName + ": " + text
	e.Router.Emit(groupID, outputrouter.Event{Kind: outputrouter.EventMessage, Text: prefixed})
	return &AuthResult{Allowed: true, Reason: "delivered"}, nil
}

// ScheduleTaskEvaluator applies the `schedule_task` IPC op.
type ScheduleTaskEvaluator struct {
	Registry *registry.Registry
	Tasks    store.TaskStore
	Location *time.Location
}

func (e *ScheduleTaskEvaluator) Evaluate(ctx context.Context, actx AuthContext) (*AuthResult, error) {
	prompt, okPrompt := payloadString(actx.Payload, "prompt")
	schedType, okType := payloadString(actx.Payload, "schedule_type")
	schedValue, okValue := payloadString(actx.Payload, "schedule_value")
	targetJID, okTarget := payloadString(actx.Payload, "targetJid")
	if !okPrompt || !okType || !okValue || !okTarget {
		return nil, fmt.Errorf("ipc: schedule_task missing required fields")
	}

	groupID, err := registry.NormalizeGroupID(targetJID)
	if err != nil {
		return nil, fmt.Errorf("ipc: schedule_task has invalid targetJid: %w", err)
	}

	target, ok := e.Registry.Get(groupID)
	if !ok {
		return &AuthResult{Allowed: false, Reason: "schedule_task: target group not registered"}, nil
	}

	authorized := actx.IsMain || target.Folder == actx.SourceGroup
	if !authorized {
		return &AuthResult{Allowed: false, Reason: "schedule_task: source not authorized for target group"}, nil
	}

	contextMode := scheduler.NormalizeContextMode(store.ContextMode(stringOr(actx.Payload, "context_mode", "")))

	nextRun, err := scheduler.NextRun(store.ScheduleType(schedType), schedValue, time.Now(), e.Location)
	if err != nil {
		return &AuthResult{Allowed: false, Reason: "schedule_task: " + err.Error()}, nil
	}

	task := &store.Task{
		TaskID:        uuid.NewString(),
		GroupFolder:   target.Folder,
		ChatJID:       groupID,
		Prompt:        prompt,
		ScheduleType:  store.ScheduleType(schedType),
		ScheduleValue: schedValue,
		ContextMode:   contextMode,
		Status:        store.TaskActive,
		NextRun:       &nextRun,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("ipc: create task: %w", err)
	}
	return &AuthResult{Allowed: true, Reason: "scheduled " + task.TaskID}, nil
}

func stringOr(payload map[string]any, key, def string) string {
	if v, ok := payloadString(payload, key); ok {
		return v
	}
	return def
}

// taskOpEvaluator backs pause_task / resume_task / cancel_task: they share
// an identical authorization shape (task owner or main) and differ only
// in what they do to the record once authorized.
type taskOpEvaluator struct {
	Tasks store.TaskStore
	apply func(ctx context.Context, tasks store.TaskStore, t *store.Task) error
	verb  string
}

func (e *taskOpEvaluator) Evaluate(ctx context.Context, actx AuthContext) (*AuthResult, error) {
	taskID, ok := payloadString(actx.Payload, "taskId")
	if !ok {
		return nil, fmt.Errorf("ipc: %s op missing taskId", e.verb)
	}

	t, err := e.Tasks.Get(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return &AuthResult{Allowed: false, Reason: e.verb + ": task not found"}, nil
		}
		return nil, fmt.Errorf("ipc: lookup task %s: %w", taskID, err)
	}

	authorized := actx.IsMain || t.GroupFolder == actx.SourceGroup
	if !authorized {
		return &AuthResult{Allowed: false, Reason: e.verb + ": source not authorized for this task"}, nil
	}

	if err := e.apply(ctx, e.Tasks, t); err != nil {
		return nil, fmt.Errorf("ipc: %s task %s: %w", e.verb, taskID, err)
	}
	return &AuthResult{Allowed: true, Reason: e.verb + "d " + taskID}, nil
}

// NewPauseTaskEvaluator builds the pause_task evaluator.
func NewPauseTaskEvaluator(tasks store.TaskStore) OpEvaluator {
	return &taskOpEvaluator{Tasks: tasks, verb: "pause", apply: func(ctx context.Context, ts store.TaskStore, t *store.Task) error {
		t.Status = store.TaskPaused
		t.NextRun = nil
		return ts.Update(ctx, t)
	}}
}

// NewResumeTaskEvaluator builds the resume_task evaluator. Resuming a
// cron/interval task recomputes nextRun from now; resuming a once task
// that has already fired is a no-op failure (task was deleted on fire).
func NewResumeTaskEvaluator(tasks store.TaskStore, loc *time.Location) OpEvaluator {
	return &taskOpEvaluator{Tasks: tasks, verb: "resume", apply: func(ctx context.Context, ts store.TaskStore, t *store.Task) error {
		t.Status = store.TaskActive
		nextRun, err := scheduler.NextRun(t.ScheduleType, t.ScheduleValue, time.Now(), loc)
		if err != nil {
			return err
		}
		t.NextRun = &nextRun
		return ts.Update(ctx, t)
	}}
}

// NewCancelTaskEvaluator builds the cancel_task evaluator.
func NewCancelTaskEvaluator(tasks store.TaskStore) OpEvaluator {
	return &taskOpEvaluator{Tasks: tasks, verb: "cancel", apply: func(ctx context.Context, ts store.TaskStore, t *store.Task) error {
		return ts.Delete(ctx, t.TaskID)
	}}
}

// RegisterGroupEvaluator applies the `register_group` IPC op. Only the
// main group may author one. SecretKey, when set, encrypts every
// ContainerConfig.ExtraEnv value at rest before it reaches the registry
// (internal/runner decrypts it again just before injecting it into the
// container).
type RegisterGroupEvaluator struct {
	Registry  *registry.Registry
	SecretKey []byte
}

func (e *RegisterGroupEvaluator) Evaluate(ctx context.Context, actx AuthContext) (*AuthResult, error) {
	if !actx.IsMain {
		return &AuthResult{Allowed: false, Reason: "register_group: only main may register groups"}, nil
	}

	jid, okJID := payloadString(actx.Payload, "jid")
	name, okName := payloadString(actx.Payload, "name")
	if !okJID || !okName {
		return nil, fmt.Errorf("ipc: register_group missing jid/name")
	}
	trigger, _ := payloadString(actx.Payload, "trigger")

	var cfg *store.ContainerConfig
	if raw, ok := actx.Payload["containerConfig"]; ok {
		decoded, err := decodeContainerConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("ipc: register_group: %w", err)
		}
		cfg = decoded
		if e.SecretKey != nil {
			for k, v := range cfg.ExtraEnv {
				enc, err := crypto.Encrypt(v, e.SecretKey)
				if err != nil {
					return nil, fmt.Errorf("ipc: register_group: encrypt extra env %q: %w", k, err)
				}
				cfg.ExtraEnv[k] = enc
			}
		}
	}

	if _, err := e.Registry.Register(ctx, jid, name, trigger, cfg); err != nil {
		return nil, fmt.Errorf("ipc: register_group: %w", err)
	}
	return &AuthResult{Allowed: true, Reason: "registered " + jid}, nil
}

func decodeContainerConfig(raw any) (*store.ContainerConfig, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ipc: containerConfig must be an object")
	}
	cfg := &store.ContainerConfig{ExtraEnv: make(map[string]string)}
	if v, ok := m["image"].(string); ok {
		cfg.Image = v
	}
	if env, ok := m["extraEnv"].(map[string]any); ok {
		for k, v := range env {
			if s, ok := v.(string); ok {
				cfg.ExtraEnv[k] = s
			}
		}
	}
	return cfg, nil
}
