// Package queue serializes prompt delivery to each group's at-most-one
// live container subprocess: FIFO within a group, independent progress
// across groups, with idle-timeout-driven subprocess teardown.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SubmitStatus reports how submit handled a prompt.
type SubmitStatus string

const (
	StatusPiped  SubmitStatus = "piped"
	StatusQueued SubmitStatus = "queued"
)

// ErrPendingConflict is returned when a prompt is already pending and
// unobserved for a group — the caller should treat this as a 409.
var ErrPendingConflict = fmt.Errorf("queue: a prompt is already pending for this group")

// ProcessHandle is the live subprocess a group's queue writes prompts into.
// internal/runner supplies the concrete implementation.
type ProcessHandle interface {
	// WriteLine writes prompt plus a trailing newline to the subprocess's
	// standard input. Returns an error (typically EPIPE) if the pipe is
	// no longer writable.
	WriteLine(prompt string) error
	// CloseStdin closes the subprocess's standard input.
	CloseStdin() error
	// Terminate sends a graceful termination signal.
	Terminate()
	// Kill forcibly kills the subprocess.
	Kill()
	// Wait blocks until the subprocess has exited.
	Wait()
}

// ProcessPromptFn runs a queued prompt — typically by spawning a fresh
// container and handing it the pending prompt as its first input.
type ProcessPromptFn func(ctx context.Context, groupID string) error

type groupState struct {
	mu             sync.Mutex
	handle         ProcessHandle
	pending        *string
	pendingClaimed bool
	idleTimer      *time.Timer
}

// Config controls idle-timeout escalation.
type Config struct {
	IdleTimeout time.Duration
	GracePeriod time.Duration
}

// Queue is the per-group prompt serializer.
type Queue struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	groups        map[string]*groupState
	processPrompt ProcessPromptFn
	draining      bool
}

// New constructs a Queue.
func New(cfg Config, log *slog.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		log:    log,
		groups: make(map[string]*groupState),
	}
}

// SetProcessPromptFn registers the callback invoked when a queued prompt
// needs a fresh subprocess spawned to run it.
func (q *Queue) SetProcessPromptFn(fn ProcessPromptFn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processPrompt = fn
}

func (q *Queue) state(groupID string) *groupState {
	q.mu.Lock()
	defer q.mu.Unlock()
	gs, ok := q.groups[groupID]
	if !ok {
		gs = &groupState{}
		q.groups[groupID] = gs
	}
	return gs
}

// Submit delivers prompt to groupID's live subprocess if one exists and its
// stdin is open, otherwise stores it as the pending prompt and triggers
// ProcessPromptFn to spawn one. Returns ErrPendingConflict if a prompt is
// already pending and unclaimed.
func (q *Queue) Submit(ctx context.Context, groupID, prompt string) (SubmitStatus, error) {
	q.mu.Lock()
	draining := q.draining
	processPrompt := q.processPrompt
	q.mu.Unlock()
	if draining {
		return "", fmt.Errorf("queue: shutting down, not accepting new submissions")
	}

	gs := q.state(groupID)
	gs.mu.Lock()

	if gs.handle != nil {
		handle := gs.handle
		gs.mu.Unlock()
		if err := handle.WriteLine(prompt); err == nil {
			return StatusPiped, nil
		}
		// EPIPE or similar: the subprocess is gone even though we hadn't
		// heard about it yet. Fall through to queued delivery.
		gs.mu.Lock()
		gs.handle = nil
	}

	if gs.pending != nil && !gs.pendingClaimed {
		gs.mu.Unlock()
		return "", ErrPendingConflict
	}

	gs.pending = &prompt
	gs.pendingClaimed = false
	gs.mu.Unlock()

	if processPrompt != nil {
		go func() {
			// Detached from the caller's context: a queued prompt's
			// container run outlives the request that enqueued it.
			if err := processPrompt(context.Background(), groupID); err != nil {
				q.log.Error("process queued prompt", "group_id", groupID, "error", err)
			}
		}()
	}
	return StatusQueued, nil
}

// ClaimPending returns the pending prompt for groupID, marking it claimed
// so a later conflicting Submit is rejected rather than silently
// overwriting it. Returns ok=false if nothing is pending.
func (q *Queue) ClaimPending(groupID string) (prompt string, ok bool) {
	gs := q.state(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.pending == nil {
		return "", false
	}
	p := *gs.pending
	gs.pending = nil
	gs.pendingClaimed = true
	return p, true
}

// RegisterProcess records handle as groupID's live subprocess and starts
// the idle timer. Must be called by the container runner immediately after
// spawn.
func (q *Queue) RegisterProcess(groupID string, handle ProcessHandle) {
	gs := q.state(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.handle = handle
	q.resetIdleTimerLocked(groupID, gs)
}

// NotifyOutput resets groupID's idle timer — called on every piece of
// output received from its subprocess.
func (q *Queue) NotifyOutput(groupID string) {
	gs := q.state(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.handle != nil {
		q.resetIdleTimerLocked(groupID, gs)
	}
}

// resetIdleTimerLocked must be called with gs.mu held.
func (q *Queue) resetIdleTimerLocked(groupID string, gs *groupState) {
	if gs.idleTimer != nil {
		gs.idleTimer.Stop()
	}
	gs.idleTimer = time.AfterFunc(q.cfg.IdleTimeout, func() {
		q.onIdle(groupID)
	})
}

func (q *Queue) onIdle(groupID string) {
	gs := q.state(groupID)
	gs.mu.Lock()
	handle := gs.handle
	gs.mu.Unlock()
	if handle == nil {
		return
	}

	q.log.Info("group idle, closing stdin", "group_id", groupID)
	if err := handle.CloseStdin(); err != nil {
		q.log.Warn("close stdin on idle", "group_id", groupID, "error", err)
	}

	terminated := make(chan struct{})
	go func() {
		handle.Wait()
		close(terminated)
	}()

	select {
	case <-terminated:
		q.clearHandle(groupID, handle)
		return
	case <-time.After(q.cfg.GracePeriod):
	}

	q.log.Warn("group did not exit after stdin close, terminating", "group_id", groupID)
	handle.Terminate()

	select {
	case <-terminated:
		q.clearHandle(groupID, handle)
		return
	case <-time.After(q.cfg.GracePeriod):
	}

	q.log.Warn("group did not exit after terminate, killing", "group_id", groupID)
	handle.Kill()
	<-terminated
	q.clearHandle(groupID, handle)
}

func (q *Queue) clearHandle(groupID string, expect ProcessHandle) {
	gs := q.state(groupID)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.handle == expect {
		gs.handle = nil
		if gs.idleTimer != nil {
			gs.idleTimer.Stop()
			gs.idleTimer = nil
		}
	}
}

// Terminate sends a graceful termination signal to groupID's live
// subprocess, if any. Returns false if no subprocess was live — the
// caller (DELETE /api/groups/{folder}/session) maps that to 404.
func (q *Queue) Terminate(groupID string) bool {
	gs := q.state(groupID)
	gs.mu.Lock()
	handle := gs.handle
	gs.mu.Unlock()
	if handle == nil {
		return false
	}
	handle.Terminate()
	return true
}

// CloseStdin closes groupID's live subprocess's stdin, if any.
func (q *Queue) CloseStdin(groupID string) error {
	gs := q.state(groupID)
	gs.mu.Lock()
	handle := gs.handle
	gs.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.CloseStdin()
}

// Shutdown refuses new submissions, closes every live subprocess's stdin,
// and waits up to timeout for them to exit before force-killing the rest.
func (q *Queue) Shutdown(ctx context.Context, timeout time.Duration) {
	q.mu.Lock()
	q.draining = true
	groups := make([]*groupState, 0, len(q.groups))
	for _, gs := range q.groups {
		groups = append(groups, gs)
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, gs := range groups {
		gs.mu.Lock()
		handle := gs.handle
		gs.mu.Unlock()
		if handle == nil {
			continue
		}
		handle.CloseStdin()

		wg.Add(1)
		go func(h ProcessHandle) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				h.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(timeout):
				h.Kill()
				<-done
			}
		}(handle)
	}
	wg.Wait()
}
