// Package turn wires the group queue, container runner, registry, and
// session store into the single path every prompt source (HTTP chat,
// scheduler fire, channel adapter) submits through.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/runner"
	"github.com/nextlevelbuilder/groupd/internal/store"
	"github.com/nextlevelbuilder/groupd/internal/tracing"
)

// Orchestrator is the single entry point for "run this prompt against this
// group's container", used by the HTTP chat handler, the scheduler, and
// every channel adapter.
type Orchestrator struct {
	registry *registry.Registry
	queue    *queue.Queue
	runner   *runner.Runner
	store    store.Store
	log      *slog.Logger

	mu               sync.Mutex
	isolatedOverride map[string]bool
}

// New constructs an Orchestrator and wires itself as the queue's
// ProcessPromptFn.
func New(reg *registry.Registry, q *queue.Queue, run *runner.Runner, st store.Store, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		registry:         reg,
		queue:            q,
		runner:           run,
		store:            st,
		log:              log,
		isolatedOverride: make(map[string]bool),
	}
	q.SetProcessPromptFn(o.spawn)
	return o
}

// EnsureGroup returns the group for groupID, auto-registering it with
// displayName if this is the first time it's been seen (e.g. the first
// chat to an unknown groupId, per spec.md E2E-1).
func (o *Orchestrator) EnsureGroup(ctx context.Context, rawGroupID, displayName string) (*store.Group, error) {
	groupID, err := registry.NormalizeGroupID(rawGroupID)
	if err != nil {
		return nil, err
	}
	if g, ok := o.registry.Get(groupID); ok {
		return g, nil
	}
	return o.registry.Register(ctx, rawGroupID, displayName, "", nil)
}

// SubmitChat submits prompt to groupID's queue using that group's
// persistent session, the path every HTTP chat and channel-adapter turn
// takes.
func (o *Orchestrator) SubmitChat(ctx context.Context, groupID, prompt string) (queue.SubmitStatus, error) {
	return o.queue.Submit(ctx, groupID, prompt)
}

// SubmitScheduled submits a fired task's prompt. When isolated is true,
// the next spawn for groupID (and only that one) runs with a null
// sessionId without touching the group's persisted session (spec.md §4.6
// contextMode=isolated).
func (o *Orchestrator) SubmitScheduled(ctx context.Context, groupID, prompt string, isolated bool) (queue.SubmitStatus, error) {
	if isolated {
		o.mu.Lock()
		o.isolatedOverride[groupID] = true
		o.mu.Unlock()
	}
	status, err := o.queue.Submit(ctx, groupID, prompt)
	if isolated && (err != nil || status == queue.StatusPiped) {
		// Submission never reached spawn (e.g. piped into a live
		// container instead) — the override would otherwise leak onto
		// a later, unrelated queued spawn.
		o.mu.Lock()
		delete(o.isolatedOverride, groupID)
		o.mu.Unlock()
	}
	return status, err
}

// spawn is the queue's ProcessPromptFn: it claims the pending prompt,
// resolves the group's persisted session (unless overridden isolated),
// runs the container turn, and persists whatever session the run yields.
func (o *Orchestrator) spawn(ctx context.Context, groupID string) error {
	prompt, ok := o.queue.ClaimPending(groupID)
	if !ok {
		return nil
	}

	g, ok := o.registry.Get(groupID)
	if !ok {
		return fmt.Errorf("turn: group %q vanished before its queued prompt could run", groupID)
	}

	o.mu.Lock()
	isolated := o.isolatedOverride[groupID]
	delete(o.isolatedOverride, groupID)
	o.mu.Unlock()

	sessionID := ""
	if !isolated {
		if sid, found, err := o.store.Sessions().Get(ctx, g.Folder); err != nil {
			o.log.Warn("turn: read session", "group_id", groupID, "error", err)
		} else if found {
			sessionID = sid
		}
	}

	runID := uuid.NewString()
	ctx = store.WithRunID(store.WithGroupID(ctx, groupID), runID)

	ctx, span := tracing.StartRun(ctx, groupID, runID, g.Folder)
	defer span.End()

	if err := o.store.RunTraces().Start(ctx, runID, groupID, g.Folder); err != nil {
		o.log.Warn("turn: start run trace", "run_id", runID, "error", err)
	}

	result, err := o.runner.Run(ctx, g, runner.Request{
		Prompt:    prompt,
		SessionID: sessionID,
		ChatJID:   groupID,
		Folder:    g.Folder,
		IsMain:    g.IsMain(),
	})

	status := result.Status
	if status == "" {
		status = "error"
	}
	span.SetAttributes(attribute.String("groupd.status", status))
	if err != nil {
		span.RecordError(err)
	}
	if finishErr := o.store.RunTraces().Finish(ctx, runID, status, result.Error); finishErr != nil {
		o.log.Warn("turn: finish run trace", "run_id", runID, "error", finishErr)
	}

	if result.NewSessionID != "" {
		if setErr := o.store.Sessions().Set(ctx, g.Folder, result.NewSessionID); setErr != nil {
			o.log.Error("turn: persist session", "group_id", groupID, "error", setErr)
		}
	}

	return err
}
