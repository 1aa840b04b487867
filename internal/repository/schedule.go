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

// ScheduleRepository is the typed accessor over the schedules table.
type ScheduleRepository struct {
	*store.BaseRepo
}

// NewScheduleRepository binds a ScheduleRepository to s.
func NewScheduleRepository(s *store.Store) *ScheduleRepository {
	return &ScheduleRepository{BaseRepo: store.NewBaseRepo(s, "schedules")}
}

const scheduleColumns = `rid, uuid, owner, name, comment, first_time, period, period_months, duration`

func scanSchedule(row interface{ Scan(dest ...any) error }) (*domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(&s.RID, &s.UUID, &s.Owner, &s.Name, &s.Comment, &s.FirstTime, &s.Period, &s.PeriodMonths, &s.Duration)
	return &s, err
}

// FindByUUID resolves uuid to a Schedule visible to the session.
func (r *ScheduleRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Schedule, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	return r.findByRID(ctx, rid)
}

func (r *ScheduleRepository) findByRID(ctx context.Context, rid int64) (*domain.Schedule, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE rid = ?", rid)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find schedule by rid: %w", err)
	}
	return s, true, nil
}

// Create inserts a new schedule. At most one of period/period_months
// may be nonzero.
func (r *ScheduleRepository) Create(ctx context.Context, ownerRID int64, s *domain.Schedule) (*domain.Schedule, error) {
	if s.Period != 0 && s.PeriodMonths != 0 {
		return nil, apperr.New(apperr.CodeOutOfRange, "period and period_months are mutually exclusive")
	}

	var created *domain.Schedule
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, s.Name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("schedule", s.Name)
		}

		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO schedules
			(uuid, owner, name, comment, first_time, period, period_months, duration)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, s.Name, s.Comment, s.FirstTime, s.Period, s.PeriodMonths, s.Duration)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		created, _, err = r.findByRID(ctx, rid)
		return err
	})
	return created, err
}

// InUse reports whether any task references this schedule.
func (r *ScheduleRepository) InUse(ctx context.Context, rid int64) (bool, error) {
	q := r.S.ReadQuerier(ctx)
	var used bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE schedule_ref = ?)", rid).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check schedule in use: %w", err)
	}
	return used, nil
}

// Delete removes a schedule, refusing while any task still references it.
func (r *ScheduleRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		var used bool
		if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE schedule_ref = ?)", rid).Scan(&used); err != nil {
			return fmt.Errorf("check schedule in use: %w", err)
		}
		if used {
			return apperr.InUse("schedule", fmt.Sprint(rid))
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM schedules WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		return nil
	})
}

// IterateScheduled streams every (task, schedule) pair bound to an
// active schedule, for the evaluator's tick. Ordered by task rid for a
// deterministic dispatch order.
func (r *ScheduleRepository) IterateScheduled(ctx context.Context) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	return store.Iterate(ctx, q, `
		SELECT t.rid, t.run_status, t.schedule_next_time, s.rid, s.first_time, s.period, s.period_months, s.duration
		FROM tasks t JOIN schedules s ON s.rid = t.schedule_ref
		WHERE t.schedule_ref != 0
		ORDER BY t.rid`)
}

// ScheduledTaskRow is one row yielded by IterateScheduled.
type ScheduledTaskRow struct {
	TaskRID          int64
	RunStatus        domain.RunStatus
	ScheduleNextTime int64
	ScheduleRID      int64
	FirstTime        int64
	Period           int64
	PeriodMonths     int
	Duration         int64
}

// ScanScheduledTaskRow decodes one row from IterateScheduled.
func ScanScheduledTaskRow(c *store.Cursor) (ScheduledTaskRow, error) {
	var row ScheduledTaskRow
	err := c.Scan(&row.TaskRID, &row.RunStatus, &row.ScheduleNextTime, &row.ScheduleRID,
		&row.FirstTime, &row.Period, &row.PeriodMonths, &row.Duration)
	return row, err
}
