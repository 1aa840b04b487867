package migrations

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vulncore/scanmgr/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tasks.db"), true, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCurrentVersionUnversionedStore(t *testing.T) {
	s := openTestStore(t)
	version, err := CurrentVersion(context.Background(), s.WriteDB())
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != -1 {
		t.Fatalf("expected -1 for a brand new store, got %d", version)
	}
}

func TestMigrateAppliesEachStepOnceAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := Migrate(ctx, s); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	version, err := CurrentVersion(ctx, s.WriteDB())
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != SupportedVersion {
		t.Fatalf("expected version %d after migrate, got %d", SupportedVersion, version)
	}

	var taskCount int
	if err := s.WriteDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&taskCount); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if taskCount != 1 {
		t.Fatalf("expected the predefined example task to be seeded exactly once, got %d rows", taskCount)
	}

	// Rerunning is a no-op: no error, no duplicate seed rows.
	if err := Migrate(ctx, s); err != nil {
		t.Fatalf("second Migrate call: %v", err)
	}
	if err := s.WriteDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&taskCount); err != nil {
		t.Fatalf("count tasks after rerun: %v", err)
	}
	if taskCount != 1 {
		t.Fatalf("expected rerun to leave task count unchanged at 1, got %d", taskCount)
	}
}

func TestMigrateSeedsPredefinedConfigs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := Migrate(ctx, s); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	var count int
	if err := s.WriteDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM configs WHERE rid BETWEEN 1 AND 4").Scan(&count); err != nil {
		t.Fatalf("count predefined configs: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 predefined configs at rids 1-4, got %d", count)
	}

	var uuid string
	if err := s.WriteDB().QueryRowContext(ctx,
		"SELECT uuid FROM configs WHERE rid = 1").Scan(&uuid); err != nil {
		t.Fatalf("read config 1 uuid: %v", err)
	}
	if uuid != "daba56c8-73ec-11df-a475-002264764cea" {
		t.Fatalf("unexpected uuid for predefined config 1: %q", uuid)
	}
}

func TestAvailableDetectsUnavailableChain(t *testing.T) {
	original := steps
	defer func() { steps = original }()

	steps = []Step{
		{Target: 1, Fn: stepCreateSchema},
		{Target: 2, Fn: nil},
	}
	if Available(0) {
		t.Fatal("expected a chain with a nil-Fn step to be unavailable")
	}
}

func TestMigrateReturnsTooHardOnUnavailableChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	original := steps
	defer func() { steps = original }()
	steps = []Step{
		{Target: 1, Fn: stepCreateSchema},
		{Target: 2, Fn: nil},
		{Target: 3, Fn: stepAddScheduleDuration},
	}

	err := Migrate(ctx, s)
	if !errors.Is(err, ErrTooHard) {
		t.Fatalf("expected ErrTooHard, got %v", err)
	}

	version, err := CurrentVersion(ctx, s.WriteDB())
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != -1 {
		t.Fatalf("expected unavailable migration to leave the store untouched, got version %d", version)
	}
}

func TestCheckStartupRefusesImplicitMigration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Bring the store to version 1 only, leaving it behind SupportedVersion.
	original := steps
	defer func() { steps = original }()
	steps = []Step{{Target: 1, Fn: stepCreateSchema}}
	if err := Migrate(ctx, s); err != nil {
		t.Fatalf("partial migrate: %v", err)
	}
	steps = original

	err := CheckStartup(ctx, s.WriteDB(), false)
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused when behind schema version without migrateOnStart, got %v", err)
	}

	if err := CheckStartup(ctx, s.WriteDB(), true); err != nil {
		t.Fatalf("expected CheckStartup to allow proceeding when migrateOnStart is set, got %v", err)
	}
}

func TestBackupCreatesSidecarFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := Migrate(ctx, s); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := Backup(ctx, s); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	backupDB, err := sql.Open("sqlite", s.Path()+".bak")
	if err != nil {
		t.Fatalf("open backup file: %v", err)
	}
	defer backupDB.Close()
	if err := backupDB.PingContext(ctx); err != nil {
		t.Fatalf("ping backup file: %v", err)
	}
}
