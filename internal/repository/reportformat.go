package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// ReportFormatRepository is the typed accessor over report_formats and
// its param/option side tables.
type ReportFormatRepository struct {
	*store.BaseRepo
}

// NewReportFormatRepository binds a ReportFormatRepository to s.
func NewReportFormatRepository(s *store.Store) *ReportFormatRepository {
	return &ReportFormatRepository{BaseRepo: store.NewBaseRepo(s, "report_formats")}
}

const reportFormatColumns = `rid, uuid, owner, name, extension, content_type, summary, description, trust, trust_time, flags`

func scanReportFormat(row interface{ Scan(dest ...any) error }) (*domain.ReportFormat, error) {
	var f domain.ReportFormat
	err := row.Scan(&f.RID, &f.UUID, &f.Owner, &f.Name, &f.Extension, &f.ContentType,
		&f.Summary, &f.Description, &f.Trust, &f.TrustTime, &f.Flags)
	return &f, err
}

// FindByUUID resolves uuid to a ReportFormat visible to the session.
func (r *ReportFormatRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.ReportFormat, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+reportFormatColumns+" FROM report_formats WHERE rid = ?", rid)
	f, err := scanReportFormat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find report format by rid: %w", err)
	}
	return f, true, nil
}

// SetTrust updates a format's trust outcome after signature
// verification: verification failure maps to unknown, never automatic
// "yes".
func (r *ReportFormatRepository) SetTrust(ctx context.Context, rid int64, trust domain.TrustLevel, trustTime int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		_, err := r.S.Exec(ctx, q, "UPDATE report_formats SET trust = ?, trust_time = ? WHERE rid = ?", trust, trustTime, rid)
		if err != nil {
			return fmt.Errorf("set report format trust: %w", err)
		}
		return nil
	})
}

// IterateActive streams every active report format visible to the
// session (flags bit 0 set), ordered by name.
func (r *ReportFormatRepository) IterateActive(ctx context.Context, userRID int64, privileged bool) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	query := "SELECT " + reportFormatColumns + " FROM report_formats WHERE flags & 1 = 1"
	var args []any
	if !privileged {
		query += " AND (owner IS NULL OR owner = ?)"
		args = append(args, userRID)
	}
	query += " ORDER BY name"
	return store.Iterate(ctx, q, query, args...)
}

// ScanReportFormatCursor decodes the current row of a Cursor returned
// by IterateActive.
func ScanReportFormatCursor(c *store.Cursor) (*domain.ReportFormat, error) {
	return scanReportFormat(c)
}

// Params returns a format's configured parameters, ordered by rid, for
// echoing into the canonical report XML's <report_format> element.
func (r *ReportFormatRepository) Params(ctx context.Context, reportFormatRID int64) ([]*domain.ReportFormatParam, error) {
	q := r.S.ReadQuerier(ctx)
	rows, err := q.QueryContext(ctx, "SELECT rid, report_format_ref, name, type, value FROM report_format_params WHERE report_format_ref = ? ORDER BY rid", reportFormatRID)
	if err != nil {
		return nil, fmt.Errorf("find report format params: %w", err)
	}
	defer rows.Close()

	var params []*domain.ReportFormatParam
	for rows.Next() {
		var p domain.ReportFormatParam
		if err := rows.Scan(&p.RID, &p.ReportFormatRef, &p.Name, &p.Type, &p.Value); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}
	return params, rows.Err()
}
