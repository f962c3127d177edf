// Package scheduler fires due tasks by enqueueing their prompt through
// the same group-queue path HTTP chat uses. NextRun computation lives in
// nextrun.go; this file is the tick loop.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

// SubmitFunc is how the scheduler hands a fired task's prompt to the group
// queue — turn.Orchestrator.SubmitScheduled in production, a stub in tests.
type SubmitFunc func(ctx context.Context, groupID, prompt string, isolated bool) (queue.SubmitStatus, error)

// Scheduler wakes at a bounded cadence and fires every active task whose
// nextRun has arrived.
type Scheduler struct {
	tasks    store.TaskStore
	registry *registry.Registry
	submit   SubmitFunc
	loc      *time.Location
	tick     time.Duration
	log      *slog.Logger
}

// New constructs a Scheduler. tick is the wake cadence (spec.md suggests
// once per second); loc is the configured timezone for cron evaluation.
func New(tasks store.TaskStore, reg *registry.Registry, submit SubmitFunc, loc *time.Location, tick time.Duration, log *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{tasks: tasks, registry: reg, submit: submit, loc: loc, tick: tick, log: log}
}

// Run loops until ctx is cancelled, invoking Tick on every wake.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick loads every active task due at or before now and fires each in
// ascending nextRun order (ties by taskId), per spec.md §4.6. A failure
// firing one task is logged and does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	due, err := s.tasks.ListDue(ctx, now)
	if err != nil {
		s.log.Error("scheduler: list due tasks", "error", err)
		return
	}
	for i := range due {
		s.fire(ctx, due[i], now)
	}
}

// fire advances nextRun (or deletes a `once` task) and persists that
// BEFORE awaiting the submission outcome, so a crash mid-fire at worst
// skips that one firing on restart; it never fires the same nextRun twice.
func (s *Scheduler) fire(ctx context.Context, t store.Task, firingInstant time.Time) {
	target, ok := s.registry.Get(t.ChatJID)
	if !ok {
		t.Status = store.TaskPaused
		t.NextRun = nil
		if err := s.tasks.Update(ctx, &t); err != nil {
			s.log.Error("scheduler: pause task for unregistered target", "task_id", t.TaskID, "error", err)
		}
		s.log.Warn("scheduler: target group unregistered, pausing task", "task_id", t.TaskID, "chat_jid", t.ChatJID)
		return
	}

	if t.ScheduleType == store.ScheduleOnce {
		if err := s.tasks.Delete(ctx, t.TaskID); err != nil {
			s.log.Error("scheduler: delete fired once-task", "task_id", t.TaskID, "error", err)
			return
		}
	} else {
		next, err := NextRun(t.ScheduleType, t.ScheduleValue, firingInstant, s.loc)
		if err != nil {
			s.log.Error("scheduler: compute next run, pausing task", "task_id", t.TaskID, "error", err)
			t.Status = store.TaskPaused
			t.NextRun = nil
			_ = s.tasks.Update(ctx, &t)
			return
		}
		t.NextRun = &next
		if err := s.tasks.Update(ctx, &t); err != nil {
			s.log.Error("scheduler: advance task", "task_id", t.TaskID, "error", err)
			return
		}
	}

	isolated := NormalizeContextMode(t.ContextMode) == store.ContextIsolated
	if _, err := s.submit(ctx, target.GroupID, t.Prompt, isolated); err != nil {
		s.log.Error("scheduler: submit fired task", "task_id", t.TaskID, "group_id", target.GroupID, "error", err)
	}
}
