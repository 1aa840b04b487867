package config

import (
	"os"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Store.Path == "" {
		t.Fatal("expected a default store path")
	}
	if cfg.Scheduler.TickInterval != time.Second {
		t.Fatalf("expected 1s tick interval, got %v", cfg.Scheduler.TickInterval)
	}
	if !cfg.Store.ForeignKeys {
		t.Fatal("expected foreign keys enabled by default")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("STORE_PATH", "/tmp/custom/tasks.db")
	t.Setenv("SCHEDULER_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/custom/tasks.db" {
		t.Fatalf("expected env override, got %q", cfg.Store.Path)
	}
	if cfg.Scheduler.Enabled {
		t.Fatal("expected scheduler disabled via env override")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := "store:\n  path: /yaml/tasks.db\nserver:\n  port: 9999\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/yaml/tasks.db" {
		t.Fatalf("expected yaml override, got %q", cfg.Store.Path)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected yaml port override, got %d", cfg.Server.Port)
	}
}
