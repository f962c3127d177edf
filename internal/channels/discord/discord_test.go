package discord

import "testing"

func TestLastIndexByteFound(t *testing.T) {
	if got := lastIndexByte("hello\nworld", '\n'); got != 5 {
		t.Fatalf("expected index 5, got %d", got)
	}
}

func TestLastIndexByteReturnsLastOccurrence(t *testing.T) {
	if got := lastIndexByte("a\nb\nc", '\n'); got != 3 {
		t.Fatalf("expected the last newline's index 3, got %d", got)
	}
}

func TestLastIndexByteNotFound(t *testing.T) {
	if got := lastIndexByte("no newline here", '\n'); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
}
