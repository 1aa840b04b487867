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

// LSCCredentialRepository is the typed accessor over lsc_credentials.
type LSCCredentialRepository struct {
	*store.BaseRepo
}

// NewLSCCredentialRepository binds an LSCCredentialRepository to s.
func NewLSCCredentialRepository(s *store.Store) *LSCCredentialRepository {
	return &LSCCredentialRepository{BaseRepo: store.NewBaseRepo(s, "lsc_credentials")}
}

const lscCredentialColumns = `rid, uuid, owner, name, login, password, comment, public_key, private_key, rpm, deb, exe`

func scanLSCCredential(row interface{ Scan(dest ...any) error }) (*domain.LSCCredential, error) {
	var c domain.LSCCredential
	err := row.Scan(&c.RID, &c.UUID, &c.Owner, &c.Name, &c.Login, &c.Password, &c.Comment,
		&c.PublicKey, &c.PrivateKey, &c.RPM, &c.DEB, &c.EXE)
	return &c, err
}

// FindByUUID resolves uuid to an LSCCredential visible to the session.
func (r *LSCCredentialRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.LSCCredential, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+lscCredentialColumns+" FROM lsc_credentials WHERE rid = ?", rid)
	c, err := scanLSCCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find credential by rid: %w", err)
	}
	return c, true, nil
}

// Create inserts a new credential, either password-only or key-pair.
func (r *LSCCredentialRepository) Create(ctx context.Context, ownerRID int64, c *domain.LSCCredential) (*domain.LSCCredential, error) {
	var created *domain.LSCCredential
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, c.Name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("lsc_credential", c.Name)
		}

		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO lsc_credentials
			(uuid, owner, name, login, password, comment, public_key, private_key, rpm, deb, exe)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, c.Name, c.Login, c.Password, c.Comment, c.PublicKey, c.PrivateKey, c.RPM, c.DEB, c.EXE)
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		row := q.QueryRowContext(ctx, "SELECT "+lscCredentialColumns+" FROM lsc_credentials WHERE rid = ?", rid)
		created, err = scanLSCCredential(row)
		return err
	})
	return created, err
}

// InUse reports whether any target references this credential.
func (r *LSCCredentialRepository) InUse(ctx context.Context, rid int64) (bool, error) {
	q := r.S.ReadQuerier(ctx)
	var used bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM targets WHERE lsc_credential = ? OR smb_lsc_credential = ?)", rid, rid).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check credential in use: %w", err)
	}
	return used, nil
}

// Delete removes a credential, refusing while any target references it.
func (r *LSCCredentialRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		var used bool
		if err := q.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM targets WHERE lsc_credential = ? OR smb_lsc_credential = ?)", rid, rid).Scan(&used); err != nil {
			return fmt.Errorf("check credential in use: %w", err)
		}
		if used {
			return apperr.InUse("lsc_credential", fmt.Sprint(rid))
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM lsc_credentials WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
		return nil
	})
}
