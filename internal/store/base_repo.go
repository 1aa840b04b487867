package store

import (
	"context"
	"database/sql"
	"fmt"
)

// BaseRepo provides common operations that every entity repository in
// internal/repository embeds (see DESIGN.md).
type BaseRepo struct {
	S         *Store
	TableName string
}

// NewBaseRepo creates a BaseRepo bound to table.
func NewBaseRepo(s *Store, table string) *BaseRepo {
	return &BaseRepo{S: s, TableName: table}
}

// WithTx runs fn inside an exclusive transaction.
func (r *BaseRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.S.WithExclusiveTx(ctx, fn)
}

// ExistsByRID reports whether a row with the given rid exists.
func (r *BaseRepo) ExistsByRID(ctx context.Context, rid int64) (bool, error) {
	q := r.S.ReadQuerier(ctx)
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE rid = ?)", r.TableName)
	var exists bool
	if err := q.QueryRowContext(ctx, query, rid).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists by rid: %w", err)
	}
	return exists, nil
}

// RIDForUUID resolves a uuid to its internal rid, scoped to rows visible
// to the session (owner IS NULL OR owner = userRID). Returns
// (0, false, nil) when no visible row matches.
func (r *BaseRepo) RIDForUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (int64, bool, error) {
	q := r.S.ReadQuerier(ctx)
	query := fmt.Sprintf("SELECT rid FROM %s WHERE uuid = ?", r.TableName)
	if !privileged {
		query += " AND (owner IS NULL OR owner = ?)"
	}
	row := q.QueryRowContext(ctx, query, append([]any{uuid}, visibilityArgs(userRID, privileged)...)...)
	var rid int64
	err := row.Scan(&rid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rid for uuid: %w", err)
	}
	return rid, true, nil
}

func visibilityArgs(userRID int64, privileged bool) []any {
	if privileged {
		return nil
	}
	return []any{userRID}
}

// NameConflict reports whether name is already used within (table, owner).
// excludeRID, when nonzero, is excluded from the check (used by Modify).
func (r *BaseRepo) NameConflict(ctx context.Context, q Querier, name string, owner sql.NullInt64, excludeRID int64) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE name = ? AND rid != ? AND ((owner IS NULL AND ? IS NULL) OR owner = ?))", r.TableName)
	var exists bool
	err := q.QueryRowContext(ctx, query, name, excludeRID, owner, owner).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("name conflict check: %w", err)
	}
	return exists, nil
}
