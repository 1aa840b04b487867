// Package schedule implements the calendar arithmetic and tick-loop
// orchestration for C5: fixed-period and calendar-month schedules,
// their start/stop-due predicates, and a single evaluator pass that
// dispatches due tasks through the lifecycle gateway.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/lifecycle"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/store"
	"github.com/vulncore/scanmgr/pkg/metrics"
)

// daysInMonth returns the number of days in the given calendar month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths adds months calendar-months to t, preserving day-of-month
// where possible and otherwise clamping to the last day of the target
// month.
func AddMonths(t time.Time, months int) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	total := int(m) - 1 + months
	year := y + total/12
	monthIndex := total % 12
	if monthIndex < 0 {
		monthIndex += 12
		year--
	}
	month := time.Month(monthIndex + 1)
	if last := daysInMonth(year, month); d > last {
		d = last
	}
	return time.Date(year, month, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// MonthsBetween returns the number of whole calendar months between
// from and to (to - from, truncated toward zero), used to seed the
// search for a monthly schedule's fire index near a target time.
func MonthsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.Date()
	months := (y2-y1)*12 + int(m2-m1)
	if d2 < d1 {
		months--
	}
	return months
}

// NextFire returns the first fire time ≥ now, or 0 if the schedule has
// no more fires (a one-shot schedule whose single fire has already
// passed).
func NextFire(s *domain.Schedule, now int64) int64 {
	first := s.FirstTime
	if now <= first {
		return first
	}
	switch {
	case s.Period > 0:
		elapsed := now - first
		k := elapsed / s.Period
		if elapsed%s.Period != 0 {
			k++
		}
		return first + k*s.Period
	case s.IsMonthly():
		return monthlyFireAtOrAfter(s, now)
	default:
		return 0
	}
}

// MostRecentFire returns the latest fire time ≤ now, or 0 if the
// schedule has not fired by now.
func MostRecentFire(s *domain.Schedule, now int64) int64 {
	first := s.FirstTime
	if now < first {
		return 0
	}
	switch {
	case s.Period > 0:
		k := (now - first) / s.Period
		return first + k*s.Period
	case s.IsMonthly():
		return monthlyFireAtOrBefore(s, now)
	default:
		return first
	}
}

func monthlyFireAtOrAfter(s *domain.Schedule, now int64) int64 {
	firstTime := time.Unix(s.FirstTime, 0).UTC()
	nowTime := time.Unix(now, 0).UTC()
	approxK := MonthsBetween(firstTime, nowTime) / s.PeriodMonths
	if approxK < 0 {
		approxK = 0
	}
	// Walk outward from the analytic estimate; month-length clamping
	// means the estimate can land one period off in either direction.
	for k := max(0, approxK-2); ; k++ {
		fire := AddMonths(firstTime, k*s.PeriodMonths).Unix()
		if fire >= now {
			return fire
		}
	}
}

func monthlyFireAtOrBefore(s *domain.Schedule, now int64) int64 {
	firstTime := time.Unix(s.FirstTime, 0).UTC()
	nowTime := time.Unix(now, 0).UTC()
	approxK := MonthsBetween(firstTime, nowTime) / s.PeriodMonths
	if approxK < 0 {
		return 0
	}
	best := int64(0)
	for k := approxK - 2; ; k++ {
		if k < 0 {
			continue
		}
		fire := AddMonths(firstTime, k*s.PeriodMonths).Unix()
		if fire > now {
			break
		}
		best = fire
	}
	return best
}

// StartDue reports whether a task is eligible for the scheduler to
// dispatch a start: status must be terminal and the cached
// schedule_next_time must be a past or present fire time.
func StartDue(status domain.RunStatus, scheduleNextTime, now int64) bool {
	return status.IsTerminal() && scheduleNextTime > 0 && scheduleNextTime <= now
}

// StopDue reports whether a running or requested scan under a windowed
// schedule has exceeded its duration and must be stopped.
func StopDue(s *domain.Schedule, status domain.RunStatus, now int64) bool {
	if !s.HasWindow() {
		return false
	}
	if status != domain.RunStatusRunning && status != domain.RunStatusRequested {
		return false
	}
	mrf := MostRecentFire(s, now)
	if mrf == 0 {
		return false
	}
	return now-mrf > s.Duration
}

// Evaluator runs a single tick across every (task, schedule) pair,
// dispatching start-due tasks through the lifecycle gateway and
// stop-due tasks through its stop transition.
type Evaluator struct {
	store     *store.Store
	schedules *repository.ScheduleRepository
	tasks     *repository.TaskRepository
	lifecycle *lifecycle.Manager
	now       func() int64
}

// New creates an Evaluator.
func New(s *store.Store, schedules *repository.ScheduleRepository, tasks *repository.TaskRepository, lc *lifecycle.Manager, now func() int64) *Evaluator {
	return &Evaluator{store: s, schedules: schedules, tasks: tasks, lifecycle: lc, now: now}
}

// Tick evaluates every scheduled task once, holding a single exclusive
// transaction for the entire pass: the due-task read, every stop/start
// dispatch through the lifecycle gateway's locked entry points, and
// every schedule_next_time write all happen under that one lock, so no
// other writer can observe or mutate a task's run_status in the middle
// of a tick.
func (e *Evaluator) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveScheduleTick(time.Since(start).Seconds()) }()

	now := e.now()

	err := e.store.WithExclusiveTx(ctx, func(ctx context.Context) error {
		rows, err := e.scheduledRows(ctx)
		if err != nil {
			return err
		}

		for _, row := range rows {
			sched := &domain.Schedule{
				FirstTime: row.FirstTime, Period: row.Period,
				PeriodMonths: row.PeriodMonths, Duration: row.Duration,
			}

			if StopDue(sched, row.RunStatus, now) {
				if err := e.lifecycle.ClientRequestStopLocked(ctx, row.TaskRID); err != nil {
					return fmt.Errorf("stop task %d: %w", row.TaskRID, err)
				}
			}

			nextTime, updateNext := int64(0), false
			switch {
			case StartDue(row.RunStatus, row.ScheduleNextTime, now):
				if _, err := e.lifecycle.RequestStartLocked(ctx, row.TaskRID); err != nil {
					return fmt.Errorf("start task %d: %w", row.TaskRID, err)
				}
				// Advance past the fire time that just triggered, so a
				// one-shot schedule reports 0 (exhausted) on its next tick.
				nextTime, updateNext = NextFire(sched, row.ScheduleNextTime+1), true
			case row.ScheduleNextTime == 0:
				// Never initialized: seed with the schedule's first fire.
				nextTime, updateNext = sched.FirstTime, true
			}
			if updateNext {
				if err := e.tasks.SetScheduleNextTime(ctx, e.store.Querier(ctx), row.TaskRID, nextTime); err != nil {
					return fmt.Errorf("update schedule_next_time for task %d: %w", row.TaskRID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	return nil
}

// scheduledRows drains IterateScheduled into a slice and closes the
// cursor before returning, so the transaction's connection is free for
// the dispatch writes Tick issues afterward.
func (e *Evaluator) scheduledRows(ctx context.Context) ([]repository.ScheduledTaskRow, error) {
	cur, err := e.schedules.IterateScheduled(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var rows []repository.ScheduledTaskRow
	for cur.Next() {
		row, err := repository.ScanScheduledTaskRow(cur)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// Run drives Tick on interval until ctx is cancelled, using a ticker
// loop with a caller-supplied interval.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.Tick(ctx)
		}
	}
}
