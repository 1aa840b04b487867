package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// OverrideRepository is the typed accessor over the overrides table.
type OverrideRepository struct {
	*store.BaseRepo
}

// NewOverrideRepository binds an OverrideRepository to s.
func NewOverrideRepository(s *store.Store) *OverrideRepository {
	return &OverrideRepository{BaseRepo: store.NewBaseRepo(s, "overrides")}
}

const overrideColumns = `rid, uuid, owner, nvt_oid, creation_time, modification_time,
	text, hosts, port, threat, new_threat, task_ref, result_ref`

func scanOverride(row interface{ Scan(dest ...any) error }) (*domain.Override, error) {
	var o domain.Override
	err := row.Scan(&o.RID, &o.UUID, &o.Owner, &o.NVTOID, &o.CreationTime, &o.ModificationTime,
		&o.Text, &o.Hosts, &o.Port, &o.Threat, &o.NewThreat, &o.TaskRef, &o.ResultRef)
	return &o, err
}

// Create inserts a new override.
func (r *OverrideRepository) Create(ctx context.Context, ownerRID int64, o *domain.Override, now int64) (*domain.Override, error) {
	var created *domain.Override
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		if o.Hosts != "" {
			if err := store.ParseHosts(o.Hosts); err != nil {
				return apperr.HostsInvalid(o.Hosts)
			}
		}
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO overrides
			(uuid, owner, nvt_oid, creation_time, modification_time, text, hosts, port, threat, new_threat, task_ref, result_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, o.NVTOID, now, now, o.Text, o.Hosts, o.Port, o.Threat, o.NewThreat, o.TaskRef, o.ResultRef)
		if err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		row := q.QueryRowContext(ctx, "SELECT "+overrideColumns+" FROM overrides WHERE rid = ?", rid)
		created, err = scanOverride(row)
		return err
	})
	return created, err
}

// Delete removes an override unconditionally (overrides are not
// referenced by any other entity, so there is no in-use check).
func (r *OverrideRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		if _, err := r.S.Exec(ctx, q, "DELETE FROM overrides WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete override: %w", err)
		}
		return nil
	})
}

// CandidatesForNVT returns every override visible to the session that
// targets nvtOID, ordered by (result DESC, task DESC, port DESC). The
// caller (internal/severity) adds the threat_collation ASC tiebreak,
// applies the remaining match clauses (task/result/hosts/port/threat)
// and takes the first match.
func (r *OverrideRepository) CandidatesForNVT(ctx context.Context, nvtOID string, userRID int64, privileged bool) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	query := "SELECT " + overrideColumns + " FROM overrides WHERE nvt_oid = ?"
	args := []any{nvtOID}
	if !privileged {
		query += " AND (owner IS NULL OR owner = ?)"
		args = append(args, userRID)
	}
	query += " ORDER BY result_ref DESC, task_ref DESC, port DESC"
	return store.Iterate(ctx, q, query, args...)
}

// ScanOverrideCursor decodes the current row of a Cursor returned by
// CandidatesForNVT.
func ScanOverrideCursor(c *store.Cursor) (*domain.Override, error) {
	return scanOverride(c)
}

// NoteRepository is the typed accessor over the notes table.
type NoteRepository struct {
	*store.BaseRepo
}

// NewNoteRepository binds a NoteRepository to s.
func NewNoteRepository(s *store.Store) *NoteRepository {
	return &NoteRepository{BaseRepo: store.NewBaseRepo(s, "notes")}
}

const noteColumns = `rid, uuid, owner, nvt_oid, creation_time, modification_time, text, hosts, port, threat, task_ref, result_ref`

func scanNote(row interface{ Scan(dest ...any) error }) (*domain.Note, error) {
	var n domain.Note
	err := row.Scan(&n.RID, &n.UUID, &n.Owner, &n.NVTOID, &n.CreationTime, &n.ModificationTime,
		&n.Text, &n.Hosts, &n.Port, &n.Threat, &n.TaskRef, &n.ResultRef)
	return &n, err
}

// Create inserts a new note.
func (r *NoteRepository) Create(ctx context.Context, ownerRID int64, n *domain.Note, now int64) (*domain.Note, error) {
	if n.Hosts != "" {
		if err := store.ParseHosts(n.Hosts); err != nil {
			return nil, apperr.HostsInvalid(n.Hosts)
		}
	}
	var created *domain.Note
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO notes
			(uuid, owner, nvt_oid, creation_time, modification_time, text, hosts, port, threat, task_ref, result_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, n.NVTOID, now, now, n.Text, n.Hosts, n.Port, n.Threat, n.TaskRef, n.ResultRef)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		row := q.QueryRowContext(ctx, "SELECT "+noteColumns+" FROM notes WHERE rid = ?", rid)
		created, err = scanNote(row)
		return err
	})
	return created, err
}

// Delete removes a note unconditionally.
func (r *NoteRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		if _, err := r.S.Exec(ctx, q, "DELETE FROM notes WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete note: %w", err)
		}
		return nil
	})
}
