package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// UserRepository is the typed accessor over the users table.
type UserRepository struct {
	*store.BaseRepo
}

// NewUserRepository binds a UserRepository to s.
func NewUserRepository(s *store.Store) *UserRepository {
	return &UserRepository{BaseRepo: store.NewBaseRepo(s, "users")}
}

func scanUser(row interface{ Scan(dest ...any) error }) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.RID, &u.UUID, &u.Name, &u.Password)
	return &u, err
}

// FindByName looks up a user by login name, used at authentication time.
func (r *UserRepository) FindByName(ctx context.Context, name string) (*domain.User, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT rid, uuid, name, password FROM users WHERE name = ?", name)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find user by name: %w", err)
	}
	return u, true, nil
}

// FindByRID looks up a user by internal id, used by session
// verification to confirm a token's user still exists.
func (r *UserRepository) FindByRID(ctx context.Context, rid int64) (*domain.User, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT rid, uuid, name, password FROM users WHERE rid = ?", rid)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find user by rid: %w", err)
	}
	return u, true, nil
}
