// Package lifecycle implements the task run-status state machine:
// fourteen states, one atomic request-to-start gateway, and the
// TASK_RUN_STATUS_CHANGED event that drives the escalation engine.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/store"
	"github.com/vulncore/scanmgr/pkg/metrics"
)

// Event is emitted after every successful run_status write, carrying
// enough context for the escalation engine to match it against
// TASK_RUN_STATUS_CHANGED escalators without a second query.
type Event struct {
	TaskRID   int64
	TaskOwner sql.NullInt64
	Status    domain.RunStatus
	ReportRID int64
}

// EventSink receives lifecycle events. internal/escalation implements
// this to dispatch matching escalators; tests can supply a recording
// stub.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards every event, the default when no escalation engine
// is wired.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, Event) error { return nil }

// Manager drives task run_status transitions. All writes happen inside
// a single exclusive transaction, so the gateway's correctness follows
// from SQLite's writer serialization.
type Manager struct {
	store   *store.Store
	tasks   *repository.TaskRepository
	reports *repository.ReportRepository
	events  EventSink
	now     func() int64
}

// New creates a Manager. now supplies the current Unix time; production
// callers pass time.Now().Unix, tests pass a fixed clock.
func New(s *store.Store, tasks *repository.TaskRepository, reports *repository.ReportRepository, events EventSink, now func() int64) *Manager {
	if events == nil {
		events = NopSink{}
	}
	return &Manager{store: s, tasks: tasks, reports: reports, events: events, now: now}
}

// ErrAlreadyActive is returned by RequestStart when the task is not in
// a terminal state.
var ErrAlreadyActive = apperr.New(apperr.CodeInUse, "task is already active")

// ErrInvalidTransition is returned when a transition is attempted from
// a run_status that does not permit it.
var ErrInvalidTransition = apperr.New(apperr.CodeInvalidEnum, "invalid run_status transition")

// RequestStart is the sole atomic gateway for starting a scan: inside
// one exclusive transaction it reads the task's current status, fails with
// ErrAlreadyActive if it is any Active state, else writes REQUESTED,
// creates the run's report container, and commits. Every scheduler and
// API entry point must call this rather than writing run_status
// directly, giving property P4 for free from SQLite's serialization.
func (m *Manager) RequestStart(ctx context.Context, taskRID int64) (reportRID int64, err error) {
	ok := false
	defer func() { metrics.RecordScanDispatch(ok) }()

	err = m.store.WithExclusiveTx(ctx, func(ctx context.Context) error {
		var err error
		reportRID, err = m.RequestStartLocked(ctx, taskRID)
		return err
	})
	if err == nil {
		ok = true
	}
	return reportRID, err
}

// RequestStartLocked runs RequestStart's guarded check-and-write
// against whatever transaction ctx already carries, rather than
// opening its own. writeDB holds a single connection, so a second
// BeginExclusive from inside an already-open transaction would block
// on that connection forever; a caller that already holds the
// exclusive lock for a wider unit of work (the schedule evaluator's
// tick) calls this directly instead of RequestStart.
func (m *Manager) RequestStartLocked(ctx context.Context, taskRID int64) (int64, error) {
	q := m.store.Querier(ctx)
	status, owner, err := m.tasks.RunStatusAndOwner(ctx, q, taskRID)
	if err != nil {
		return 0, err
	}
	if !status.IsTerminal() {
		return 0, ErrAlreadyActive
	}
	if err := m.tasks.SetRunStatus(ctx, q, taskRID, domain.RunStatusRequested); err != nil {
		return 0, err
	}
	reportRID, _, err := m.reports.CreateForTaskStart(ctx, q, taskRID, owner, m.now())
	if err != nil {
		return 0, err
	}
	if err := m.emit(ctx, taskRID, owner, domain.RunStatusRequested, reportRID); err != nil {
		return 0, err
	}
	return reportRID, nil
}

// transition performs a guarded run_status write: it succeeds only if
// the task's current status is one of from, writing to and emitting
// TASK_RUN_STATUS_CHANGED. The task's most recent report, if it has
// one, gets the same scan_run_status so the two stay in lockstep.
func (m *Manager) transition(ctx context.Context, taskRID int64, from []domain.RunStatus, to domain.RunStatus) error {
	return m.store.WithExclusiveTx(ctx, func(ctx context.Context) error {
		return m.transitionLocked(ctx, taskRID, from, to)
	})
}

// transitionLocked is transition's guarded write against whatever
// transaction ctx already carries; see RequestStartLocked.
func (m *Manager) transitionLocked(ctx context.Context, taskRID int64, from []domain.RunStatus, to domain.RunStatus) error {
	q := m.store.Querier(ctx)
	status, owner, err := m.tasks.RunStatusAndOwner(ctx, q, taskRID)
	if err != nil {
		return err
	}
	if !statusIn(status, from) {
		return fmt.Errorf("%w: task in %s, need one of %v", ErrInvalidTransition, status, from)
	}
	if err := m.tasks.SetRunStatus(ctx, q, taskRID, to); err != nil {
		return err
	}
	reportRID, ok, err := m.mostRecentReportRID(ctx, taskRID)
	if err != nil {
		return err
	}
	if ok {
		if err := m.reports.SetScanRunStatus(ctx, q, reportRID, to); err != nil {
			return err
		}
	}
	return m.emit(ctx, taskRID, owner, to, reportRID)
}

func (m *Manager) mostRecentReportRID(ctx context.Context, taskRID int64) (int64, bool, error) {
	q := m.store.Querier(ctx)
	var rid int64
	// Ordered by rid, not date: date is the scanner-reported wall clock
	// and can be skewed or backdated relative to insertion order, but rid
	// always reflects which report this run actually created.
	err := q.QueryRowContext(ctx, "SELECT rid FROM reports WHERE task_ref = ? ORDER BY rid DESC LIMIT 1", taskRID).Scan(&rid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find current report: %w", err)
	}
	return rid, true, nil
}

func (m *Manager) emit(ctx context.Context, taskRID int64, owner sql.NullInt64, status domain.RunStatus, reportRID int64) error {
	return m.events.Emit(ctx, Event{TaskRID: taskRID, TaskOwner: owner, Status: status, ReportRID: reportRID})
}

func statusIn(s domain.RunStatus, set []domain.RunStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

// ScannerAckRunning moves REQUESTED to RUNNING once the scanner has
// accepted the scan.
func (m *Manager) ScannerAckRunning(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusRequested}, domain.RunStatusRunning)
}

// ClientRequestStop moves an active task to STOP_REQUESTED.
func (m *Manager) ClientRequestStop(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, activeStates(), domain.RunStatusStopRequested)
}

// ClientRequestStopLocked is ClientRequestStop against whatever
// transaction ctx already carries; see RequestStartLocked.
func (m *Manager) ClientRequestStopLocked(ctx context.Context, taskRID int64) error {
	return m.transitionLocked(ctx, taskRID, activeStates(), domain.RunStatusStopRequested)
}

// ScannerAckStopWaiting moves STOP_REQUESTED to STOP_WAITING once the
// scanner has acknowledged the stop request but not yet torn down.
func (m *Manager) ScannerAckStopWaiting(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusStopRequested}, domain.RunStatusStopWaiting)
}

// ScannerConfirmStopped moves STOP_REQUESTED or STOP_WAITING to
// STOPPED once the scanner has torn down.
func (m *Manager) ScannerConfirmStopped(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID,
		[]domain.RunStatus{domain.RunStatusStopRequested, domain.RunStatusStopWaiting}, domain.RunStatusStopped)
}

// ClientRequestPause moves RUNNING to PAUSE_REQUESTED.
func (m *Manager) ClientRequestPause(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusRunning}, domain.RunStatusPauseRequested)
}

// ScannerAckPauseWaiting moves PAUSE_REQUESTED to PAUSE_WAITING.
func (m *Manager) ScannerAckPauseWaiting(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusPauseRequested}, domain.RunStatusPauseWaiting)
}

// ScannerConfirmPaused moves PAUSE_REQUESTED or PAUSE_WAITING to
// PAUSED once the scanner has actually suspended the scan.
func (m *Manager) ScannerConfirmPaused(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID,
		[]domain.RunStatus{domain.RunStatusPauseRequested, domain.RunStatusPauseWaiting}, domain.RunStatusPaused)
}

// ClientRequestResume moves PAUSED to RESUME_REQUESTED.
func (m *Manager) ClientRequestResume(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusPaused}, domain.RunStatusResumeRequested)
}

// ScannerAckResumeWaiting moves RESUME_REQUESTED to RESUME_WAITING.
func (m *Manager) ScannerAckResumeWaiting(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusResumeRequested}, domain.RunStatusResumeWaiting)
}

// ScannerConfirmRunning moves RESUME_REQUESTED or RESUME_WAITING back
// to RUNNING once the scan has actually resumed.
func (m *Manager) ScannerConfirmRunning(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID,
		[]domain.RunStatus{domain.RunStatusResumeRequested, domain.RunStatusResumeWaiting}, domain.RunStatusRunning)
}

// ScannerReportDone moves RUNNING to DONE when the scanner reports
// natural completion.
func (m *Manager) ScannerReportDone(ctx context.Context, taskRID int64) error {
	return m.transition(ctx, taskRID, []domain.RunStatus{domain.RunStatusRunning}, domain.RunStatusDone)
}

// ForceInternalError moves any status to INTERNAL_ERROR. Signal
// handlers call this on a catastrophic exit path before the process
// terminates, so no task is left appearing active after a crash.
func (m *Manager) ForceInternalError(ctx context.Context, taskRID int64) error {
	return m.store.WithExclusiveTx(ctx, func(ctx context.Context) error {
		q := m.store.Querier(ctx)
		_, owner, err := m.tasks.RunStatusAndOwner(ctx, q, taskRID)
		if err != nil {
			return err
		}
		if err := m.tasks.SetRunStatus(ctx, q, taskRID, domain.RunStatusInternalError); err != nil {
			return err
		}
		reportRID, ok, err := m.mostRecentReportRID(ctx, taskRID)
		if err != nil {
			return err
		}
		if ok {
			if err := m.reports.SetScanRunStatus(ctx, q, reportRID, domain.RunStatusInternalError); err != nil {
				return err
			}
		}
		return m.emit(ctx, taskRID, owner, domain.RunStatusInternalError, reportRID)
	})
}

// Delete removes a task outright when its run_status is terminal, or
// else defers the delete by moving it to DELETE_REQUESTED, the
// client-delete-while-active transition.
func (m *Manager) Delete(ctx context.Context, taskRID int64) (deferred bool, err error) {
	err = m.store.WithExclusiveTx(ctx, func(ctx context.Context) error {
		q := m.store.Querier(ctx)
		status, owner, err := m.tasks.RunStatusAndOwner(ctx, q, taskRID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return m.tasks.DeleteTx(ctx, q, taskRID)
		}
		deferred = true
		if err := m.tasks.SetRunStatus(ctx, q, taskRID, domain.RunStatusDeleteRequested); err != nil {
			return err
		}
		return m.emit(ctx, taskRID, owner, domain.RunStatusDeleteRequested, 0)
	})
	return deferred, err
}

func activeStates() []domain.RunStatus {
	return []domain.RunStatus{
		domain.RunStatusRequested, domain.RunStatusRunning,
		domain.RunStatusPauseRequested, domain.RunStatusPauseWaiting, domain.RunStatusPaused,
		domain.RunStatusResumeRequested, domain.RunStatusResumeWaiting,
		domain.RunStatusStopRequested, domain.RunStatusStopWaiting,
		domain.RunStatusDeleteRequested,
	}
}
