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

// ReportRepository is the typed accessor over reports and their results.
type ReportRepository struct {
	*store.BaseRepo
}

// NewReportRepository binds a ReportRepository to s.
func NewReportRepository(s *store.Store) *ReportRepository {
	return &ReportRepository{BaseRepo: store.NewBaseRepo(s, "reports")}
}

const reportColumns = `rid, uuid, owner, hidden, task_ref, date, start_time, end_time,
	comment, scan_run_status, slave_progress, slave_task_uuid`

func scanReport(row interface{ Scan(dest ...any) error }) (*domain.Report, error) {
	var rep domain.Report
	var hidden int
	err := row.Scan(&rep.RID, &rep.UUID, &rep.Owner, &hidden, &rep.TaskRef, &rep.Date,
		&rep.StartTime, &rep.EndTime, &rep.Comment, &rep.ScanRunStatus, &rep.SlaveProgress, &rep.SlaveTaskUUID)
	if err != nil {
		return nil, err
	}
	rep.Hidden = hidden != 0
	return &rep, nil
}

// FindByUUID resolves uuid to a Report visible to the session.
func (r *ReportRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Report, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE rid = ?", rid)
	rep, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find report by rid: %w", err)
	}
	return rep, true, nil
}

// CreateForTaskStart inserts a fresh report with scan_run_status
// REQUESTED, the per-run report container C4 creates when a start is
// requested.
func (r *ReportRepository) CreateForTaskStart(ctx context.Context, q store.Querier, taskRID int64, ownerRID sql.NullInt64, now int64) (int64, string, error) {
	uuid := store.MakeUUID()
	res, err := r.S.Exec(ctx, q, `INSERT INTO reports (uuid, owner, task_ref, date, start_time, scan_run_status)
		VALUES (?, ?, ?, ?, ?, ?)`, uuid, ownerRID, taskRID, now, now, domain.RunStatusRequested)
	if err != nil {
		return 0, "", fmt.Errorf("create report: %w", err)
	}
	rid, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("create report: %w", err)
	}
	return rid, uuid, nil
}

// SetScanRunStatus updates a report's scan_run_status, invoked whenever
// the owning task's run_status changes (C4's event hook).
func (r *ReportRepository) SetScanRunStatus(ctx context.Context, q store.Querier, reportRID int64, status domain.RunStatus) error {
	_, err := r.S.Exec(ctx, q, "UPDATE reports SET scan_run_status = ? WHERE rid = ?", status, reportRID)
	if err != nil {
		return fmt.Errorf("set scan_run_status: %w", err)
	}
	return nil
}

// MostRecentCompleted returns the task's most recent report whose
// scan_run_status is terminal, or ok=false if none exists.
func (r *ReportRepository) MostRecentCompleted(ctx context.Context, taskRID int64, skip int) (*domain.Report, bool, error) {
	q := r.S.ReadQuerier(ctx)
	rows, err := q.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports
		WHERE task_ref = ? AND scan_run_status IN (?, ?, ?)
		ORDER BY date DESC LIMIT 1 OFFSET ?`,
		taskRID, domain.RunStatusDone, domain.RunStatusStopped, domain.RunStatusInternalError, skip)
	if err != nil {
		return nil, false, fmt.Errorf("find most recent completed report: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	rep, err := scanReport(rows)
	if err != nil {
		return nil, false, err
	}
	return rep, true, nil
}

// FindByRID loads a report directly by its row id, bypassing owner
// visibility, for the report pipeline which receives an already
// authorized rid from its caller.
func (r *ReportRepository) FindByRID(ctx context.Context, rid int64) (*domain.Report, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE rid = ?", rid)
	rep, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find report by rid: %w", err)
	}
	return rep, true, nil
}

// Delete removes a report and its result links, refusing unless the
// report's scan_run_status is terminal.
func (r *ReportRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		var status domain.RunStatus
		if err := q.QueryRowContext(ctx, "SELECT scan_run_status FROM reports WHERE rid = ?", rid).Scan(&status); err != nil {
			return fmt.Errorf("delete report: read status: %w", err)
		}
		if !status.IsTerminal() {
			return apperr.New(apperr.CodeInUse, "report cannot be deleted while its scan is active")
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM report_results WHERE report_ref = ?", rid); err != nil {
			return fmt.Errorf("delete report results: %w", err)
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM reports WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
		return nil
	})
}

// ResultRepository is the typed accessor over the results table.
type ResultRepository struct {
	*store.BaseRepo
}

// NewResultRepository binds a ResultRepository to s.
func NewResultRepository(s *store.Store) *ResultRepository {
	return &ResultRepository{BaseRepo: store.NewBaseRepo(s, "results")}
}

const resultColumns = `rid, uuid, task_ref, subnet, host, port, nvt_oid, type, description`

func scanResult(row interface{ Scan(dest ...any) error }) (*domain.Result, error) {
	var res domain.Result
	err := row.Scan(&res.RID, &res.UUID, &res.TaskRef, &res.Subnet, &res.Host, &res.Port,
		&res.NVTOID, &res.Type, &res.Description)
	return &res, err
}

// Add inserts a scanner-reported result and links it to the given report.
func (r *ResultRepository) Add(ctx context.Context, q store.Querier, reportRID int64, res *domain.Result) (int64, error) {
	uuid := store.MakeUUID()
	insertRes, err := r.S.Exec(ctx, q, `INSERT INTO results (uuid, task_ref, subnet, host, port, nvt_oid, type, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, uuid, res.TaskRef, res.Subnet, res.Host, res.Port, res.NVTOID, res.Type, res.Description)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	rid, err := insertRes.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	if _, err := r.S.Exec(ctx, q, "INSERT INTO report_results (report_ref, result_ref) VALUES (?, ?)", reportRID, rid); err != nil {
		return 0, fmt.Errorf("link result to report: %w", err)
	}
	return rid, nil
}

// IterateForReport streams every result attached to a report, ordered
// by rid (a stable default order the C8 pipeline resorts per filters).
func (r *ResultRepository) IterateForReport(ctx context.Context, reportRID int64) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	return store.Iterate(ctx, q, `SELECT `+resultColumns+` FROM results res
		JOIN report_results rr ON rr.result_ref = res.rid
		WHERE rr.report_ref = ? ORDER BY res.rid`, reportRID)
}

// ScanResultCursor decodes the current row of a Cursor returned by
// IterateForReport.
func ScanResultCursor(c *store.Cursor) (*domain.Result, error) {
	return scanResult(c)
}
