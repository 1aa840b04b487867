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

// EscalatorRepository is the typed accessor over escalators and their
// condition/event/method side tables.
type EscalatorRepository struct {
	*store.BaseRepo
}

// NewEscalatorRepository binds an EscalatorRepository to s.
func NewEscalatorRepository(s *store.Store) *EscalatorRepository {
	return &EscalatorRepository{BaseRepo: store.NewBaseRepo(s, "escalators")}
}

const escalatorColumns = `rid, uuid, owner, name, comment, event_code, condition_code, method_code`

func scanEscalator(row interface{ Scan(dest ...any) error }) (*domain.Escalator, error) {
	var e domain.Escalator
	err := row.Scan(&e.RID, &e.UUID, &e.Owner, &e.Name, &e.Comment, &e.EventCode, &e.ConditionCode, &e.MethodCode)
	return &e, err
}

func (r *EscalatorRepository) loadSideData(ctx context.Context, q store.Querier, table string, escalatorRID int64) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT name, data FROM %s WHERE escalator_ref = ?", table), escalatorRID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	data := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		data[name] = value
	}
	return data, rows.Err()
}

// FindByUUID resolves uuid to an Escalator visible to the session,
// populating its three side-table parameter maps.
func (r *EscalatorRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Escalator, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	return r.findByRID(ctx, rid)
}

func (r *EscalatorRepository) findByRID(ctx context.Context, rid int64) (*domain.Escalator, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+escalatorColumns+" FROM escalators WHERE rid = ?", rid)
	e, err := scanEscalator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find escalator by rid: %w", err)
	}
	if e.ConditionData, err = r.loadSideData(ctx, q, "escalator_condition_data", rid); err != nil {
		return nil, false, err
	}
	if e.EventData, err = r.loadSideData(ctx, q, "escalator_event_data", rid); err != nil {
		return nil, false, err
	}
	if e.MethodData, err = r.loadSideData(ctx, q, "escalator_method_data", rid); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Create inserts a new escalator and its parameter side rows.
func (r *EscalatorRepository) Create(ctx context.Context, ownerRID int64, e *domain.Escalator) (*domain.Escalator, error) {
	var created *domain.Escalator
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, e.Name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("escalator", e.Name)
		}

		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO escalators
			(uuid, owner, name, comment, event_code, condition_code, method_code) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid, owner, e.Name, e.Comment, e.EventCode, e.ConditionCode, e.MethodCode)
		if err != nil {
			return fmt.Errorf("insert escalator: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert escalator: %w", err)
		}

		if err := insertSideData(ctx, r.S, q, "escalator_condition_data", rid, e.ConditionData); err != nil {
			return err
		}
		if err := insertSideData(ctx, r.S, q, "escalator_event_data", rid, e.EventData); err != nil {
			return err
		}
		if err := insertSideData(ctx, r.S, q, "escalator_method_data", rid, e.MethodData); err != nil {
			return err
		}

		created, _, err = r.findByRID(ctx, rid)
		return err
	})
	return created, err
}

func insertSideData(ctx context.Context, s *store.Store, q store.Querier, table string, escalatorRID int64, data map[string]string) error {
	for name, value := range data {
		query := fmt.Sprintf("INSERT INTO %s (escalator_ref, name, data) VALUES (?, ?, ?)", table)
		if _, err := s.Exec(ctx, q, query, escalatorRID, name, value); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// Delete removes an escalator, its side-table rows, and its task
// bindings, all within a single exclusive transaction per the uniform
// delete policy.
func (r *EscalatorRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		for _, table := range []string{
			"escalator_condition_data", "escalator_event_data", "escalator_method_data", "task_escalators",
		} {
			if _, err := r.S.Exec(ctx, q, fmt.Sprintf("DELETE FROM %s WHERE escalator_ref = ?", table), rid); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM escalators WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete escalator: %w", err)
		}
		return nil
	})
}

// BindToTask attaches an escalator to a task.
func (r *EscalatorRepository) BindToTask(ctx context.Context, q store.Querier, taskRID, escalatorRID int64) error {
	_, err := r.S.Exec(ctx, q, "INSERT OR IGNORE INTO task_escalators (task_ref, escalator_ref) VALUES (?, ?)", taskRID, escalatorRID)
	if err != nil {
		return fmt.Errorf("bind escalator to task: %w", err)
	}
	return nil
}

// ForTaskAndEvent returns every escalator bound to taskRID matching
// eventCode, in definition order: escalators execute in definition
// order.
func (r *EscalatorRepository) ForTaskAndEvent(ctx context.Context, taskRID int64, eventCode domain.EventCode) ([]*domain.Escalator, error) {
	q := r.S.ReadQuerier(ctx)
	rows, err := q.QueryContext(ctx, `SELECT e.rid FROM escalators e
		JOIN task_escalators te ON te.escalator_ref = e.rid
		WHERE te.task_ref = ? AND e.event_code = ? ORDER BY e.rid`, taskRID, eventCode)
	if err != nil {
		return nil, fmt.Errorf("find escalators for event: %w", err)
	}
	defer rows.Close()

	var rids []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			return nil, err
		}
		rids = append(rids, rid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	escalators := make([]*domain.Escalator, 0, len(rids))
	for _, rid := range rids {
		e, ok, err := r.findByRID(ctx, rid)
		if err != nil {
			return nil, err
		}
		if ok {
			escalators = append(escalators, e)
		}
	}
	return escalators, nil
}
