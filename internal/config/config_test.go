package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Main.GroupFolder != "main" {
		t.Fatalf("expected default main folder, got %q", cfg.Main.GroupFolder)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groupd.yaml")
	contents := "http:\n  port: 9090\nmain:\n  assistant_name: overseer\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected overlay port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Main.AssistantName != "overseer" {
		t.Fatalf("expected overlay assistant name, got %q", cfg.Main.AssistantName)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("GROUPD_HTTP_PORT", "7777")
	t.Setenv("GROUPD_IDLE_TIMEOUT", "45s")

	path := filepath.Join(t.TempDir(), "groupd.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 7777 {
		t.Fatalf("expected env port 7777, got %d", cfg.HTTP.Port)
	}
	if cfg.Container.IdleTimeout != 45*time.Second {
		t.Fatalf("expected 45s idle timeout, got %s", cfg.Container.IdleTimeout)
	}
}
