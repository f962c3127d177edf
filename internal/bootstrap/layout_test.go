package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureGroupLayoutCreatesAllDirs(t *testing.T) {
	dataDir := t.TempDir()
	groupsDir := t.TempDir()

	if err := EnsureGroupLayout(dataDir, groupsDir, "team-a"); err != nil {
		t.Fatalf("EnsureGroupLayout: %v", err)
	}

	for _, d := range []string{
		LogsDir(groupsDir, "team-a"),
		MessagesDir(dataDir, "team-a"),
		TasksDir(dataDir, "team-a"),
		SnapshotDir(dataDir, "team-a"),
	} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", d, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %s to be a directory", d)
		}
	}
}

func TestEnsureGroupLayoutIdempotent(t *testing.T) {
	dataDir := t.TempDir()
	groupsDir := t.TempDir()

	if err := EnsureGroupLayout(dataDir, groupsDir, "main"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	marker := filepath.Join(LogsDir(groupsDir, "main"), "keep.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := EnsureGroupLayout(dataDir, groupsDir, "main"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected marker to survive re-scaffolding: %v", err)
	}
}
