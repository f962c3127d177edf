package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	mu       sync.Mutex
	lines    []string
	closed   bool
	writeErr error
	exited   chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{exited: make(chan struct{})}
}

func (h *fakeHandle) WriteLine(prompt string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.lines = append(h.lines, prompt)
	return nil
}

func (h *fakeHandle) CloseStdin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) Terminate() {}
func (h *fakeHandle) Kill() {
	select {
	case <-h.exited:
	default:
		close(h.exited)
	}
}
func (h *fakeHandle) Wait() { <-h.exited }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitPipesToLiveProcess(t *testing.T) {
	q := New(Config{IdleTimeout: time.Hour, GracePeriod: time.Second}, testLogger())
	h := newFakeHandle()
	q.RegisterProcess("main", h)

	status, err := q.Submit(context.Background(), "main", "hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status != StatusPiped {
		t.Fatalf("expected piped, got %s", status)
	}
	if len(h.lines) != 1 || h.lines[0] != "hello" {
		t.Fatalf("unexpected lines written: %v", h.lines)
	}
}

func TestSubmitQueuesWithoutProcess(t *testing.T) {
	q := New(Config{IdleTimeout: time.Hour, GracePeriod: time.Second}, testLogger())

	var spawned string
	done := make(chan struct{})
	q.SetProcessPromptFn(func(ctx context.Context, groupID string) error {
		spawned = groupID
		close(done)
		return nil
	})

	status, err := q.Submit(context.Background(), "main", "hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("expected queued, got %s", status)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected ProcessPromptFn to run")
	}
	if spawned != "main" {
		t.Fatalf("expected spawn for main, got %q", spawned)
	}

	prompt, ok := q.ClaimPending("main")
	if !ok || prompt != "hello" {
		t.Fatalf("expected pending prompt %q, got %q ok=%v", "hello", prompt, ok)
	}
}

func TestSubmitRejectsUnclaimedPendingConflict(t *testing.T) {
	q := New(Config{IdleTimeout: time.Hour, GracePeriod: time.Second}, testLogger())
	q.SetProcessPromptFn(func(ctx context.Context, groupID string) error { return nil })

	if _, err := q.Submit(context.Background(), "main", "first"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := q.Submit(context.Background(), "main", "second")
	if !errors.Is(err, ErrPendingConflict) {
		t.Fatalf("expected ErrPendingConflict, got %v", err)
	}
}

func TestSubmitFallsBackToQueuedOnWriteError(t *testing.T) {
	q := New(Config{IdleTimeout: time.Hour, GracePeriod: time.Second}, testLogger())
	h := newFakeHandle()
	h.writeErr = errors.New("epipe")
	q.RegisterProcess("main", h)

	status, err := q.Submit(context.Background(), "main", "hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("expected queued after write failure, got %s", status)
	}
}

func TestShutdownClosesStdinAndWaits(t *testing.T) {
	q := New(Config{IdleTimeout: time.Hour, GracePeriod: 10 * time.Millisecond}, testLogger())
	h := newFakeHandle()
	q.RegisterProcess("main", h)

	go func() {
		time.Sleep(5 * time.Millisecond)
		h.Kill()
	}()

	q.Shutdown(context.Background(), 200*time.Millisecond)
	if !h.closed {
		t.Fatal("expected stdin to be closed during shutdown")
	}
}
