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

// TargetRepository is the typed accessor over the targets table.
type TargetRepository struct {
	*store.BaseRepo
}

// NewTargetRepository binds a TargetRepository to s.
func NewTargetRepository(s *store.Store) *TargetRepository {
	return &TargetRepository{BaseRepo: store.NewBaseRepo(s, "targets")}
}

const targetColumns = `rid, uuid, owner, name, hosts, comment, lsc_credential, smb_lsc_credential, port_range`

func scanTarget(row interface{ Scan(dest ...any) error }) (*domain.Target, error) {
	var t domain.Target
	err := row.Scan(&t.RID, &t.UUID, &t.Owner, &t.Name, &t.Hosts, &t.Comment,
		&t.LSCCredential, &t.SMBLSCCredential, &t.PortRange)
	return &t, err
}

// FindByUUID resolves uuid to a Target visible to the session.
func (r *TargetRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Target, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+targetColumns+" FROM targets WHERE rid = ?", rid)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find target by rid: %w", err)
	}
	return t, true, nil
}

// Create inserts a new target after validating its hosts expression
// and name uniqueness.
func (r *TargetRepository) Create(ctx context.Context, ownerRID int64, t *domain.Target) (*domain.Target, error) {
	if err := store.ParseHosts(t.Hosts); err != nil {
		return nil, apperr.HostsInvalid(t.Hosts)
	}

	var created *domain.Target
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, t.Name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("target", t.Name)
		}

		uuid := store.MakeUUID()
		portRange := t.PortRange
		if portRange == "" {
			portRange = "default"
		}
		res, err := r.S.Exec(ctx, q, `INSERT INTO targets
			(uuid, owner, name, hosts, comment, lsc_credential, smb_lsc_credential, port_range)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, t.Name, t.Hosts, t.Comment, t.LSCCredential, t.SMBLSCCredential, portRange)
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
		row := q.QueryRowContext(ctx, "SELECT "+targetColumns+" FROM targets WHERE rid = ?", rid)
		created, err = scanTarget(row)
		return err
	})
	return created, err
}

// InUse reports whether any task references this target, the delete
// precondition.
func (r *TargetRepository) InUse(ctx context.Context, rid int64) (bool, error) {
	q := r.S.ReadQuerier(ctx)
	var used bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE target_ref = ?)", rid).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check target in use: %w", err)
	}
	return used, nil
}

// Delete removes a target, failing with apperr.InUse if any task still
// references it.
func (r *TargetRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		var used bool
		if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE target_ref = ?)", rid).Scan(&used); err != nil {
			return fmt.Errorf("check target in use: %w", err)
		}
		if used {
			return apperr.InUse("target", fmt.Sprint(rid))
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM targets WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete target: %w", err)
		}
		return nil
	})
}

// Count returns the number of targets visible to the session.
func (r *TargetRepository) Count(ctx context.Context, userRID int64, privileged bool) (int64, error) {
	q := r.S.ReadQuerier(ctx)
	if privileged {
		return store.QueryScalarInt64(ctx, q, "SELECT COUNT(*) FROM targets")
	}
	return store.QueryScalarInt64(ctx, q, "SELECT COUNT(*) FROM targets WHERE owner IS NULL OR owner = ?", userRID)
}
