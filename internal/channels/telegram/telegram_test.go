package telegram

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/groupd/internal/store"
)

func TestChunkTextEmpty(t *testing.T) {
	if got := chunkText("", 10); got != nil {
		t.Fatalf("expected nil for empty content, got %v", got)
	}
}

func TestChunkTextUnderLimit(t *testing.T) {
	got := chunkText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected a single chunk, got %v", got)
	}
}

func TestChunkTextSplitsOnNewlineNearLimit(t *testing.T) {
	content := strings.Repeat("a", 5) + "\n" + strings.Repeat("b", 5)
	got := chunkText(content, 8)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(got), got)
	}
	if got[0] != strings.Repeat("a", 5)+"\n" {
		t.Fatalf("expected the first chunk to end at the newline, got %q", got[0])
	}
}

func TestChunkTextHardSplitsWithoutNewline(t *testing.T) {
	content := strings.Repeat("x", 20)
	got := chunkText(content, 8)
	if len(got) != 3 {
		t.Fatalf("expected 3 hard-split chunks, got %d: %v", len(got), got)
	}
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("expected a hard cut at maxLen, got %q", got[0])
	}
}

func TestTaskStatusIcon(t *testing.T) {
	if got := taskStatusIcon(store.TaskPaused); got != "⏸" {
		t.Fatalf("expected paused icon, got %q", got)
	}
	if got := taskStatusIcon(store.TaskActive); got != "⏳" {
		t.Fatalf("expected active icon, got %q", got)
	}
}
