package repository

import (
	"context"
	"testing"

	"github.com/vulncore/scanmgr/internal/domain"
)

func TestConfigCreateClonesSelectorRules(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	ctx := context.Background()

	created, err := configs.Create(ctx, 1, "my config", "cloned from full and fast", domain.PredefinedAllSelectorUUID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.NVTSelectorUUID == domain.PredefinedAllSelectorUUID {
		t.Fatal("expected a freshly minted selector name, not the shared predefined one")
	}

	var count int
	if err := s.WriteDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM nvt_selectors WHERE name = ?", created.NVTSelectorUUID).Scan(&count); err != nil {
		t.Fatalf("count cloned selector rows: %v", err)
	}
	if count == 0 {
		t.Fatal("expected selector rules to be cloned under the new selector name")
	}
}

func TestConfigCreateRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	ctx := context.Background()

	if _, err := configs.Create(ctx, 1, "dup", "", domain.PredefinedAllSelectorUUID); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := configs.Create(ctx, 1, "dup", "", domain.PredefinedAllSelectorUUID); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestConfigDeleteRejectsPredefined(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	ctx := context.Background()

	if err := configs.Delete(ctx, 1); err == nil {
		t.Fatal("expected delete of a predefined config to be rejected")
	}
}

func TestConfigDeleteFailsWhenInUseByTask(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	tasks := NewTaskRepository(s)
	ctx := context.Background()

	cfg, err := configs.Create(ctx, 1, "used config", "", domain.PredefinedAllSelectorUUID)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}
	if _, err := tasks.Create(ctx, 1, &domain.Task{
		Name: "uses config", ConfigRef: cfg.RID, TargetRef: predefinedTargetRID,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	used, err := configs.InUse(ctx, cfg.RID)
	if err != nil {
		t.Fatalf("InUse: %v", err)
	}
	if !used {
		t.Fatal("expected InUse to report true")
	}
	if err := configs.Delete(ctx, cfg.RID); err == nil {
		t.Fatal("expected delete of an in-use config to be rejected")
	}
}

func TestConfigDeleteSucceedsAndRemovesClonedSelector(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	ctx := context.Background()

	cfg, err := configs.Create(ctx, 1, "disposable", "", domain.PredefinedAllSelectorUUID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := configs.Delete(ctx, cfg.RID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var count int
	if err := s.WriteDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM nvt_selectors WHERE name = ?", cfg.NVTSelectorUUID).Scan(&count); err != nil {
		t.Fatalf("count selector rows: %v", err)
	}
	if count != 0 {
		t.Fatal("expected the cloned selector's rules to be removed on delete")
	}
}

func TestConfigResolvePreferenceFallsBackToNVTDefault(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	ctx := context.Background()

	if _, err := s.WriteDB().ExecContext(ctx,
		"INSERT INTO nvt_preferences (name, value) VALUES (?, ?)", "timeout", "30"); err != nil {
		t.Fatalf("seed nvt preference: %v", err)
	}

	value, ok, err := configs.ResolvePreference(ctx, 1, domain.PreferenceGeneral, "timeout")
	if err != nil {
		t.Fatalf("ResolvePreference: %v", err)
	}
	if !ok {
		t.Fatal("expected a default value from nvt_preferences")
	}
	if value != "30" {
		t.Fatalf("value = %q, want 30", value)
	}
}

func TestConfigResolvePreferencePrefersConfigOverride(t *testing.T) {
	s := openTestStore(t)
	configs := NewConfigRepository(s)
	ctx := context.Background()

	if _, err := s.WriteDB().ExecContext(ctx,
		"INSERT INTO nvt_preferences (name, value) VALUES (?, ?)", "timeout", "30"); err != nil {
		t.Fatalf("seed nvt preference: %v", err)
	}
	if _, err := s.WriteDB().ExecContext(ctx,
		"INSERT INTO config_preferences (config_ref, type, name, value) VALUES (?, NULL, ?, ?)",
		1, "timeout", "90"); err != nil {
		t.Fatalf("seed config preference: %v", err)
	}

	value, ok, err := configs.ResolvePreference(ctx, 1, domain.PreferenceGeneral, "timeout")
	if err != nil {
		t.Fatalf("ResolvePreference: %v", err)
	}
	if !ok || value != "90" {
		t.Fatalf("value = %q ok=%v, want 90/true", value, ok)
	}
}
