// Package migrations implements C2: the ordered chain of schema
// migration steps that advances the store from whatever version it was
// last left at to SupportedVersion.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vulncore/scanmgr/internal/store"
	"github.com/vulncore/scanmgr/pkg/metrics"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// SupportedVersion is the schema version this build of the manager
// requires. It is a compile-time constant.
const SupportedVersion = 3

// ErrTooHard is returned when the chain from the current version to
// SupportedVersion contains a step with a nil Fn — an irreversible
// version boundary that migrate refuses to cross automatically.
var ErrTooHard = errors.New("migration unavailable: chain contains an irreversible boundary")

// ErrRefused is returned by a startup check (not Migrate itself) when the
// store is below SupportedVersion and no explicit migrate was requested.
var ErrRefused = errors.New("store schema is behind the supported version; an explicit migrate is required")

// Step is one version-bumping migration. Target is the version the step
// produces; Fn performs the work. A nil Fn marks an irreversible
// boundary.
type Step struct {
	Target int
	// DataMoving marks a step whose DDL/data changes are large enough to
	// warrant a VACUUM afterwards.
	DataMoving bool
	Fn         func(ctx context.Context, tx *sql.Tx) error
}

// steps is the ordered chain of migrations from a brand-new store (no
// meta row; CurrentVersion reports -1) up to SupportedVersion. Each step's Fn is idempotent with respect to
// its source version: it verifies current_version == Target-1 or rolls
// back (see Migrate).
var steps = []Step{
	{Target: 1, Fn: stepCreateSchema},
	{Target: 2, Fn: stepSeedPredefinedEntities, DataMoving: true},
	{Target: 3, Fn: stepAddScheduleDuration},
}

// CurrentVersion reads the store's recorded schema version, returning -1
// if the meta table doesn't exist yet (a brand-new store file).
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var metaExists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='meta')`,
	).Scan(&metaExists)
	if err != nil {
		return 0, fmt.Errorf("check meta table: %w", err)
	}
	if !metaExists {
		return -1, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'database_version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read database_version: %w", err)
	}
	return version, nil
}

// CheckStartup enforces a startup rule: migration is never implicit.
// If the store is unversioned or already current, it's
// fine to proceed; if it's behind, the caller must invoke Migrate
// explicitly (migrateOnStart expresses that explicit request, e.g. from
// configuration or a CLI flag).
func CheckStartup(ctx context.Context, db *sql.DB, migrateOnStart bool) error {
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == -1 || current == SupportedVersion {
		return nil
	}
	if current < SupportedVersion && !migrateOnStart {
		return ErrRefused
	}
	return nil
}

// Available reports whether every step from current+1 through
// SupportedVersion has a non-nil Fn.
func Available(current int) bool {
	for _, step := range steps {
		if step.Target <= current {
			continue
		}
		if step.Target > SupportedVersion {
			break
		}
		if step.Fn == nil {
			return false
		}
	}
	return true
}

// Backup copies the store file (and its WAL sidecar, if present) to
// dbPath+".bak" under an exclusive transaction, so the copy reflects a
// single consistent snapshot.
func Backup(ctx context.Context, s *store.Store) error {
	return s.WithExclusiveTx(ctx, func(ctx context.Context) error {
		if err := copyFile(s.Path(), s.Path()+".bak"); err != nil {
			return fmt.Errorf("backup store file: %w", err)
		}
		walPath := s.Path() + "-wal"
		if _, err := os.Stat(walPath); err == nil {
			if err := copyFile(walPath, walPath+".bak"); err != nil {
				return fmt.Errorf("backup wal file: %w", err)
			}
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Migrate advances the store from its current version to
// SupportedVersion. If the store already has a recorded version it
// backs the store up first (a brand-new store is not backed up), then
// applies each pending step in its own exclusive transaction. If the chain is
// unavailable (a nil Fn lies between current and SupportedVersion), it
// returns ErrTooHard without touching the store. Calling Migrate when
// already current is a no-op.
func Migrate(ctx context.Context, s *store.Store) error {
	current, err := CurrentVersion(ctx, s.WriteDB())
	if err != nil {
		return err
	}
	if current == SupportedVersion {
		return nil
	}
	if !Available(max(current, 0)) {
		return ErrTooHard
	}

	if current >= 0 {
		if err := Backup(ctx, s); err != nil {
			return err
		}
	}

	dataMoved := false
	for _, step := range steps {
		if step.Target <= current {
			continue
		}
		if step.Target > SupportedVersion {
			break
		}
		if err := applyStep(ctx, s, current, step); err != nil {
			return fmt.Errorf("migration step to version %d: %w", step.Target, err)
		}
		current = step.Target
		if step.DataMoving {
			dataMoved = true
		}
		metrics.RecordMigrationStep()
	}

	if _, err := s.WriteDB().ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze after migration: %w", err)
	}
	if dataMoved {
		if _, err := s.WriteDB().ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum after migration: %w", err)
		}
	}
	return nil
}

func applyStep(ctx context.Context, s *store.Store, expectedPrior int, step Step) error {
	_, tx, err := s.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := currentVersionTx(ctx, tx)
	if err != nil {
		return err
	}
	if current != expectedPrior {
		return fmt.Errorf("expected version %d before step, found %d", expectedPrior, current)
	}

	if err := step.Fn(ctx, tx); err != nil {
		return err
	}

	if err := setVersionTx(ctx, tx, step.Target); err != nil {
		return err
	}

	return tx.Commit()
}

func currentVersionTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var metaExists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='meta')`,
	).Scan(&metaExists)
	if err != nil {
		return 0, err
	}
	if !metaExists {
		return -1, nil
	}
	var version int
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'database_version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return version, err
}

func setVersionTx(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('database_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, version)
	return err
}

func readSQLFile(name string) (string, error) {
	b, err := sqlFiles.ReadFile("sql/" + name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func execSQLFile(ctx context.Context, tx *sql.Tx, name string) error {
	sqlText, err := readSQLFile(name)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("exec %s: %w", name, err)
	}
	return nil
}

func stepCreateSchema(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)
	`); err != nil {
		return err
	}
	return execSQLFile(ctx, tx, "0001_create_schema.sql")
}

func stepSeedPredefinedEntities(ctx context.Context, tx *sql.Tx) error {
	return execSQLFile(ctx, tx, "0002_seed_predefined.sql")
}

func stepAddScheduleDuration(ctx context.Context, tx *sql.Tx) error {
	return execSQLFile(ctx, tx, "0003_schedule_duration_index.sql")
}
