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

// TaskRepository is the typed accessor over the tasks table.
type TaskRepository struct {
	*store.BaseRepo
}

// NewTaskRepository binds a TaskRepository to s.
func NewTaskRepository(s *store.Store) *TaskRepository {
	return &TaskRepository{BaseRepo: store.NewBaseRepo(s, "tasks")}
}

const taskColumns = `rid, uuid, owner, name, hidden, comment, description, run_status,
	start_time, end_time, config_ref, target_ref, schedule_ref, schedule_next_time, slave_ref`

func scanTask(row interface{ Scan(dest ...any) error }) (*domain.Task, error) {
	var t domain.Task
	var hidden int
	err := row.Scan(&t.RID, &t.UUID, &t.Owner, &t.Name, &hidden, &t.Comment, &t.Description,
		&t.RunStatus, &t.StartTime, &t.EndTime, &t.ConfigRef, &t.TargetRef, &t.ScheduleRef,
		&t.ScheduleNextTime, &t.SlaveRef)
	if err != nil {
		return nil, err
	}
	t.Hidden = hidden != 0
	return &t, nil
}

// FindByUUID resolves uuid to a Task visible to the session, applying
// the owner visibility rule.
func (r *TaskRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Task, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	return r.findByRID(ctx, rid)
}

// FindByRID loads a task directly by its row id, bypassing owner
// visibility (callers that already hold the rid, such as the lifecycle
// event hook and the escalation engine, are trusted internal code).
func (r *TaskRepository) FindByRID(ctx context.Context, rid int64) (*domain.Task, bool, error) {
	return r.findByRID(ctx, rid)
}

func (r *TaskRepository) findByRID(ctx context.Context, rid int64) (*domain.Task, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE rid = ?", rid)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find task by rid: %w", err)
	}
	return t, true, nil
}

// Create inserts a new task owned by ownerRID, validating name
// uniqueness and that config_ref/target_ref resolve (P1), unless the
// task is the predefined example.
func (r *TaskRepository) Create(ctx context.Context, ownerRID int64, t *domain.Task) (*domain.Task, error) {
	var created *domain.Task
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)

		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, t.Name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("task", t.Name)
		}

		if !t.IsExample() {
			var exists bool
			if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM configs WHERE rid = ?)", t.ConfigRef).Scan(&exists); err != nil {
				return fmt.Errorf("check config_ref: %w", err)
			}
			if !exists {
				return apperr.New(apperr.CodeInvalidEnum, "config_ref does not resolve to an existing config")
			}
			if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM targets WHERE rid = ?)", t.TargetRef).Scan(&exists); err != nil {
				return fmt.Errorf("check target_ref: %w", err)
			}
			if !exists {
				return apperr.New(apperr.CodeInvalidEnum, "target_ref does not resolve to an existing target")
			}
		}

		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO tasks
			(uuid, owner, name, hidden, comment, description, run_status, config_ref, target_ref, schedule_ref, slave_ref)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, t.Name, t.Comment, t.Description, domain.RunStatusNew,
			t.ConfigRef, t.TargetRef, t.ScheduleRef, t.SlaveRef)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		created, _, err = r.findByRID(ctx, rid)
		return err
	})
	return created, err
}

// Modify updates a task's mutable fields within an exclusive
// transaction, re-checking name uniqueness to prevent TOCTOU.
func (r *TaskRepository) Modify(ctx context.Context, rid int64, name, comment, description string) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		var owner sql.NullInt64
		if err := q.QueryRowContext(ctx, "SELECT owner FROM tasks WHERE rid = ?", rid).Scan(&owner); err != nil {
			return fmt.Errorf("modify task: read owner: %w", err)
		}
		conflict, err := r.NameConflict(ctx, q, name, owner, rid)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("task", name)
		}
		_, err = r.S.Exec(ctx, q, "UPDATE tasks SET name = ?, comment = ?, description = ? WHERE rid = ?",
			name, comment, description, rid)
		if err != nil {
			return fmt.Errorf("modify task: %w", err)
		}
		return nil
	})
}

// Delete removes a task and its dependent rows. Callers must route
// deletion through internal/lifecycle, which enforces that only tasks
// in a terminal run_status reach here; an active task instead becomes
// DELETE_REQUESTED.
func (r *TaskRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		return r.DeleteTx(ctx, r.S.Querier(ctx), rid)
	})
}

// DeleteTx performs the same removal as Delete but runs within the
// caller's own transaction, for callers (internal/lifecycle) that have
// already opened one and must not nest a second BeginExclusive on the
// single-writer connection.
func (r *TaskRepository) DeleteTx(ctx context.Context, q store.Querier, rid int64) error {
	if _, err := r.S.Exec(ctx, q, "DELETE FROM task_escalators WHERE task_ref = ?", rid); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if _, err := r.S.Exec(ctx, q, "DELETE FROM tasks WHERE rid = ?", rid); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Count returns the number of tasks visible to the session.
func (r *TaskRepository) Count(ctx context.Context, userRID int64, privileged bool, includeHidden bool) (int64, error) {
	q := r.S.ReadQuerier(ctx)
	query := "SELECT COUNT(*) FROM tasks WHERE 1=1"
	var args []any
	if !privileged {
		query += " AND (owner IS NULL OR owner = ?)"
		args = append(args, userRID)
	}
	if !includeHidden {
		query += " AND hidden = 0"
	}
	return store.QueryScalarInt64(ctx, q, query, args...)
}

// Iterate streams every task visible to the session, ordered by rid
// (the ordering the schedule evaluator relies on for tick dispatch).
func (r *TaskRepository) Iterate(ctx context.Context, userRID int64, privileged bool) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	var args []any
	if !privileged {
		query += " AND (owner IS NULL OR owner = ?)"
		args = append(args, userRID)
	}
	query += " ORDER BY rid"
	return store.Iterate(ctx, q, query, args...)
}

// ScanTaskCursor decodes the current row of a Cursor returned by Iterate.
func ScanTaskCursor(c *store.Cursor) (*domain.Task, error) {
	return scanTask(c)
}

// DueForScheduling returns every task bound to a schedule
// (schedule_ref != 0), ordered by rid. Schedules whose fires are
// exhausted are not filtered out.
func (r *TaskRepository) DueForScheduling(ctx context.Context) (*store.Cursor, error) {
	q := r.S.ReadQuerier(ctx)
	return store.Iterate(ctx, q, "SELECT "+taskColumns+` FROM tasks
		WHERE schedule_ref != 0 ORDER BY rid`)
}

// SetRunStatus writes a new run_status unconditionally. It is used by
// internal/lifecycle after its own transition checks; repository
// callers outside lifecycle should not call this directly.
func (r *TaskRepository) SetRunStatus(ctx context.Context, q store.Querier, rid int64, status domain.RunStatus) error {
	_, err := r.S.Exec(ctx, q, "UPDATE tasks SET run_status = ? WHERE rid = ?", status, rid)
	if err != nil {
		return fmt.Errorf("set run_status: %w", err)
	}
	return nil
}

// RunStatusAndOwner reads a task's current run_status and owner inside
// the caller's transaction, used by the atomic request-to-start gateway.
func (r *TaskRepository) RunStatusAndOwner(ctx context.Context, q store.Querier, rid int64) (domain.RunStatus, sql.NullInt64, error) {
	var status domain.RunStatus
	var owner sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT run_status, owner FROM tasks WHERE rid = ?", rid).Scan(&status, &owner)
	if err != nil {
		return "", owner, fmt.Errorf("read run_status: %w", err)
	}
	return status, owner, nil
}

// SetScheduleNextTime updates the cached next-fire timestamp.
func (r *TaskRepository) SetScheduleNextTime(ctx context.Context, q store.Querier, rid int64, next int64) error {
	_, err := r.S.Exec(ctx, q, "UPDATE tasks SET schedule_next_time = ? WHERE rid = ?", next, rid)
	if err != nil {
		return fmt.Errorf("set schedule_next_time: %w", err)
	}
	return nil
}
