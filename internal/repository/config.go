package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// ConfigRepository is the typed accessor over the configs and
// config_preferences tables.
type ConfigRepository struct {
	*store.BaseRepo
}

// NewConfigRepository binds a ConfigRepository to s.
func NewConfigRepository(s *store.Store) *ConfigRepository {
	return &ConfigRepository{BaseRepo: store.NewBaseRepo(s, "configs")}
}

const configColumns = `rid, uuid, owner, name, nvt_selector_uuid, comment,
	family_count, nvt_count, families_growing, nvts_growing`

func scanConfig(row interface{ Scan(dest ...any) error }) (*domain.Config, error) {
	var c domain.Config
	var familiesGrowing, nvtsGrowing int
	err := row.Scan(&c.RID, &c.UUID, &c.Owner, &c.Name, &c.NVTSelectorUUID, &c.Comment,
		&c.FamilyCount, &c.NVTCount, &familiesGrowing, &nvtsGrowing)
	if err != nil {
		return nil, err
	}
	c.FamiliesGrowing = familiesGrowing != 0
	c.NVTsGrowing = nvtsGrowing != 0
	return &c, nil
}

// FindByUUID resolves uuid to a Config visible to the session.
func (r *ConfigRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Config, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+configColumns+" FROM configs WHERE rid = ?", rid)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find config by rid: %w", err)
	}
	return c, true, nil
}

// FindByRID loads a config directly by its row id, bypassing owner
// visibility, for callers such as the NVT selector engine that already
// hold an authorized rid.
func (r *ConfigRepository) FindByRID(ctx context.Context, rid int64) (*domain.Config, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+configColumns+" FROM configs WHERE rid = ?", rid)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find config by rid: %w", err)
	}
	return c, true, nil
}

// Create inserts a new config, copying the NVT selector rules of the
// named source selector under a freshly minted selector name so that
// each config owns its own independent rule list.
func (r *ConfigRepository) Create(ctx context.Context, ownerRID int64, name, comment, sourceSelectorUUID string) (*domain.Config, error) {
	var created *domain.Config
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("config", name)
		}

		newSelectorName := store.MakeUUID()
		if _, err := r.S.Exec(ctx, q, `INSERT INTO nvt_selectors (name, exclude, type, family_or_nvt, family)
			SELECT ?, exclude, type, family_or_nvt, family FROM nvt_selectors WHERE name = ?`,
			newSelectorName, sourceSelectorUUID); err != nil {
			return fmt.Errorf("clone selector rules: %w", err)
		}

		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO configs
			(uuid, owner, name, nvt_selector_uuid, comment) VALUES (?, ?, ?, ?, ?)`,
			uuid, owner, name, newSelectorName, comment)
		if err != nil {
			return fmt.Errorf("insert config: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert config: %w", err)
		}

		// family_count/nvt_count start at zero; they are filled in by
		// internal/nvtselector's Engine.RecomputeCounts for the cloned
		// selector, which writes them through SetCachedCounts (P2). Create
		// does not call it.
		row := q.QueryRowContext(ctx, "SELECT "+configColumns+" FROM configs WHERE rid = ?", rid)
		created, err = scanConfig(row)
		return err
	})
	return created, err
}

// SetCachedCounts writes the externally computed family/nvt counts and
// growing flags for a config, maintaining invariant P2.
func (r *ConfigRepository) SetCachedCounts(ctx context.Context, q store.Querier, configRID int64, familyCount, nvtCount int, familiesGrowing, nvtsGrowing bool) error {
	_, err := r.S.Exec(ctx, q, `UPDATE configs SET family_count = ?, nvt_count = ?, families_growing = ?, nvts_growing = ? WHERE rid = ?`,
		familyCount, nvtCount, boolToInt(familiesGrowing), boolToInt(nvtsGrowing), configRID)
	if err != nil {
		return fmt.Errorf("set cached counts: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InUse reports whether any task references this config.
func (r *ConfigRepository) InUse(ctx context.Context, rid int64) (bool, error) {
	q := r.S.ReadQuerier(ctx)
	var used bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE config_ref = ?)", rid).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check config in use: %w", err)
	}
	return used, nil
}

// Delete removes a config and its preferences and selector rules,
// refusing predefined configs and configs still in use.
func (r *ConfigRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		if rid >= 1 && rid <= 4 {
			return apperr.New(apperr.CodeInUse, "predefined configs cannot be deleted")
		}
		var used bool
		if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE config_ref = ?)", rid).Scan(&used); err != nil {
			return fmt.Errorf("check config in use: %w", err)
		}
		if used {
			return apperr.InUse("config", fmt.Sprint(rid))
		}
		var selectorName string
		if err := q.QueryRowContext(ctx, "SELECT nvt_selector_uuid FROM configs WHERE rid = ?", rid).Scan(&selectorName); err != nil {
			return fmt.Errorf("read selector name: %w", err)
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM config_preferences WHERE config_ref = ?", rid); err != nil {
			return fmt.Errorf("delete config preferences: %w", err)
		}
		if selectorName != domain.PredefinedAllSelectorUUID {
			if _, err := r.S.Exec(ctx, q, "DELETE FROM nvt_selectors WHERE name = ?", selectorName); err != nil {
				return fmt.Errorf("delete selector rules: %w", err)
			}
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM configs WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete config: %w", err)
		}
		return nil
	})
}

// ResolvePreference resolves an effective preference value: the
// ConfigPreference row if present, else the NVTPreference default.
func (r *ConfigRepository) ResolvePreference(ctx context.Context, configRID int64, prefType domain.ConfigPreferenceType, name string) (string, bool, error) {
	q := r.S.ReadQuerier(ctx)
	var value string
	err := q.QueryRowContext(ctx,
		"SELECT value FROM config_preferences WHERE config_ref = ? AND type IS ? AND name = ?",
		configRID, nullableType(prefType), name).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("resolve config preference: %w", err)
	}

	err = q.QueryRowContext(ctx, "SELECT value FROM nvt_preferences WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve nvt preference default: %w", err)
	}
	return value, true, nil
}

func nullableType(t domain.ConfigPreferenceType) any {
	if t == domain.PreferenceGeneral {
		return nil
	}
	return string(t)
}

// IteratePreferences streams a config's preferences, excluding the
// scanner-side names hidden from iteration.
func (r *ConfigRepository) IteratePreferences(ctx context.Context, configRID int64) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	return store.Iterate(ctx, q, "SELECT type, name, value FROM config_preferences WHERE config_ref = ? ORDER BY rid", configRID)
}

// ScanPreferenceRow decodes one row from IteratePreferences, returning
// ok=false for rows excluded from iteration.
func ScanPreferenceRow(c *store.Cursor) (domain.ConfigPreference, bool, error) {
	var p domain.ConfigPreference
	var prefType sql.NullString
	if err := c.Scan(&prefType, &p.Name, &p.Value); err != nil {
		return p, false, err
	}
	if prefType.Valid {
		p.Type = domain.ConfigPreferenceType(prefType.String)
	}
	return p, domain.IncludedInIteration(p.Type, p.Name), nil
}
