package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/lifecycle"
	"github.com/vulncore/scanmgr/internal/migrations"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/store"
)

const exampleTaskRID = 1

// TestTickDispatchesStartDueTask exercises S2 end-to-end: a zero-period
// schedule bound to the example task fires exactly once when the clock
// reaches first_time, and the cached next-fire time is exhausted
// afterward.
func TestTickDispatchesStartDueTask(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tasks.db"), true, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := migrations.Migrate(ctx, s); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	first := unixUTC(2024, time.June, 1, 9, 0, 0)
	if _, err := s.WriteDB().ExecContext(ctx,
		`INSERT INTO schedules (rid, uuid, owner, name, comment, first_time, period, period_months, duration)
		 VALUES (1, 'sched-uuid-0001', NULL, 'hourly', '', ?, 0, 0, 0)`, first); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	if _, err := s.WriteDB().ExecContext(ctx,
		"UPDATE tasks SET schedule_ref = 1, run_status = ? WHERE rid = ?", domain.RunStatusStopped, exampleTaskRID); err != nil {
		t.Fatalf("bind schedule to task: %v", err)
	}

	tasks := repository.NewTaskRepository(s)
	reports := repository.NewReportRepository(s)
	schedules := repository.NewScheduleRepository(s)
	lc := lifecycle.New(s, tasks, reports, nil, func() int64 { return first })
	ev := New(s, schedules, tasks, lc, func() int64 { return first - 1 })

	if err := ev.Tick(ctx); err != nil {
		t.Fatalf("tick before first_time: %v", err)
	}
	var status string
	var nextTime int64
	if err := s.WriteDB().QueryRowContext(ctx, "SELECT run_status, schedule_next_time FROM tasks WHERE rid = ?", exampleTaskRID).
		Scan(&status, &nextTime); err != nil {
		t.Fatalf("read task: %v", err)
	}
	if status != string(domain.RunStatusStopped) {
		t.Fatalf("expected task to remain STOPPED before first_time, got %s", status)
	}
	if nextTime != first {
		t.Fatalf("expected schedule_next_time seeded to first_time, got %d want %d", nextTime, first)
	}

	ev2 := New(s, schedules, tasks, lc, func() int64 { return first })
	if err := ev2.Tick(ctx); err != nil {
		t.Fatalf("tick at first_time: %v", err)
	}
	if err := s.WriteDB().QueryRowContext(ctx, "SELECT run_status, schedule_next_time FROM tasks WHERE rid = ?", exampleTaskRID).
		Scan(&status, &nextTime); err != nil {
		t.Fatalf("read task after tick: %v", err)
	}
	if status != string(domain.RunStatusRequested) {
		t.Fatalf("expected task to become REQUESTED at first_time, got %s", status)
	}
	if nextTime != 0 {
		t.Fatalf("expected schedule_next_time exhausted (0) for a one-shot schedule, got %d", nextTime)
	}
}
