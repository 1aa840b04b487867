// Package escalation matches escalators bound to a task against
// TASK_RUN_STATUS_CHANGED events and dispatches EMAIL, HTTP_GET, and
// SYSLOG notifications.
//
// Engine implements lifecycle.EventSink, but never dispatches inline:
// lifecycle.Manager fires events from inside its own exclusive write
// transaction, and Emit only enqueues — the actual condition
// evaluation, report rendering, and network I/O happen later on a
// worker goroutine reading its own connections rather than running on
// the event path.
package escalation

import (
	"context"
	"fmt"
	"log/syslog"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/lifecycle"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/severity"
	"github.com/vulncore/scanmgr/pkg/metrics"
)

// ReportRenderer renders a report's body for inclusion in an EMAIL
// notification, through the named report format (a report_formats
// UUID). internal/report implements this; it is declared here, not
// imported, so the two packages don't form an import cycle.
type ReportRenderer interface {
	RenderText(ctx context.Context, reportRID int64, reportFormatUUID string) (string, error)
}

// Mailer sends one message. The default implementation talks SMTP
// directly; tests and alternate deployments can substitute their own.
type Mailer interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// SMTPMailer sends mail via a directly-dialed SMTP relay.
type SMTPMailer struct {
	Host string
	Port int
}

// Send implements Mailer using net/smtp.SendMail.
func (m *SMTPMailer) Send(ctx context.Context, from, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", from, to, subject, body)
	return smtp.SendMail(addr, nil, from, []string{to}, []byte(msg))
}

const emailBodyTruncateLimit = 2000
const truncateMarker = "\n...[truncated]"

const defaultFromAddress = "automated@openvas.org"

// Engine matches and dispatches escalators for task lifecycle events.
type Engine struct {
	escalators  *repository.EscalatorRepository
	tasks       *repository.TaskRepository
	reportForms *repository.ReportFormatRepository
	resolver    *severity.Resolver
	renderer    ReportRenderer
	mailer      Mailer
	httpClient  *http.Client
	log         *logrus.Logger
	queue       chan lifecycle.Event
}

// New creates an Engine. queueSize bounds how many pending events can
// be buffered before Emit starts dropping them (logged, never returned
// as an error: method failures are logged but non-fatal to the task,
// and a full queue is the same kind of best-effort failure).
func New(
	escalators *repository.EscalatorRepository,
	tasks *repository.TaskRepository,
	reportForms *repository.ReportFormatRepository,
	resolver *severity.Resolver,
	renderer ReportRenderer,
	mailer Mailer,
	httpClient *http.Client,
	log *logrus.Logger,
	queueSize int,
) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Engine{
		escalators:  escalators,
		tasks:       tasks,
		reportForms: reportForms,
		resolver:    resolver,
		renderer:    renderer,
		mailer:      mailer,
		httpClient:  httpClient,
		log:         log,
		queue:       make(chan lifecycle.Event, queueSize),
	}
}

// Emit implements lifecycle.EventSink. It never blocks the caller's
// transaction: a full queue drops the event with a warning log.
func (e *Engine) Emit(ctx context.Context, ev lifecycle.Event) error {
	select {
	case e.queue <- ev:
	default:
		e.log.WithField("task_rid", ev.TaskRID).Warn("escalation queue full, dropping event")
	}
	return nil
}

// Run drains the event queue until ctx is canceled, dispatching each
// event's matching escalators. Callers start this once at daemon
// startup as a background goroutine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev lifecycle.Event) {
	escalators, err := e.escalators.ForTaskAndEvent(ctx, ev.TaskRID, domain.EventTaskRunStatusChanged)
	if err != nil {
		e.log.WithError(err).WithField("task_rid", ev.TaskRID).Error("load escalators for event")
		return
	}
	if len(escalators) == 0 {
		return
	}
	task, ok, err := e.tasks.FindByRID(ctx, ev.TaskRID)
	if err != nil || !ok {
		e.log.WithError(err).WithField("task_rid", ev.TaskRID).Error("load task for escalation")
		return
	}

	for _, esc := range escalators {
		if esc.EventData["status"] != string(ev.Status) {
			continue
		}
		ok, err := e.evaluateCondition(ctx, esc, ev, task)
		if err != nil {
			e.log.WithError(err).WithField("escalator", esc.UUID).Error("evaluate escalator condition")
			continue
		}
		if !ok {
			continue
		}
		err = e.dispatch(ctx, esc, ev, task)
		metrics.RecordEscalationDispatch(string(esc.MethodCode), err)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"escalator": esc.UUID, "method": esc.MethodCode, "task": task.UUID,
			}).Error("escalator dispatch failed")
		}
	}
}

// evaluateCondition implements the three condition_code predicates
// against the task's threat aggregates.
func (e *Engine) evaluateCondition(ctx context.Context, esc *domain.Escalator, ev lifecycle.Event, task *domain.Task) (bool, error) {
	switch esc.ConditionCode {
	case domain.ConditionAlways:
		return true, nil
	case domain.ConditionThreatLevelAtLeast:
		threshold := domain.Threat(esc.ConditionData["level"])
		current, err := e.resolver.TaskThreatLevel(ctx, task.RID, ownerRID(task), true)
		if err != nil {
			return false, err
		}
		return threatAtLeast(current, threshold), nil
	case domain.ConditionThreatLevelChanged:
		current, err := e.resolver.TaskThreatLevel(ctx, task.RID, ownerRID(task), true)
		if err != nil {
			return false, err
		}
		previous, err := e.resolver.TaskPreviousThreatLevel(ctx, task.RID, ownerRID(task), true)
		if err != nil {
			return false, err
		}
		return threatChanged(previous, current, esc.ConditionData["direction"]), nil
	default:
		return false, fmt.Errorf("unknown condition_code %q", esc.ConditionCode)
	}
}

func ownerRID(t *domain.Task) int64 {
	if t.Owner.Valid {
		return t.Owner.Int64
	}
	return 0
}

var threatOrder = []domain.Threat{
	domain.ThreatFalsePositive, domain.ThreatDebug, domain.ThreatLog,
	domain.ThreatLow, domain.ThreatMedium, domain.ThreatHigh,
}

func threatRank(t domain.Threat) int {
	for i, v := range threatOrder {
		if v == t {
			return i
		}
	}
	return -1
}

func threatAtLeast(current, threshold domain.Threat) bool {
	return threatRank(current) >= threatRank(threshold)
}

func threatChanged(previous, current domain.Threat, direction string) bool {
	switch direction {
	case "increased":
		return threatRank(current) > threatRank(previous)
	case "decreased":
		return threatRank(current) < threatRank(previous)
	default: // "changed"
		return current != previous
	}
}

func (e *Engine) dispatch(ctx context.Context, esc *domain.Escalator, ev lifecycle.Event, task *domain.Task) error {
	switch esc.MethodCode {
	case domain.MethodEmail:
		return e.dispatchEmail(ctx, esc, ev, task)
	case domain.MethodHTTPGet:
		return e.dispatchHTTPGet(ctx, esc, task)
	case domain.MethodSyslog:
		return e.dispatchSyslog(esc, task)
	default:
		return fmt.Errorf("unknown method_code %q", esc.MethodCode)
	}
}

func (e *Engine) dispatchEmail(ctx context.Context, esc *domain.Escalator, ev lifecycle.Event, task *domain.Task) error {
	from := esc.MethodData["from_address"]
	if from == "" {
		from = defaultFromAddress
	}
	to := esc.MethodData["to_address"]
	if to == "" {
		return fmt.Errorf("escalator %s: EMAIL method has no to_address", esc.UUID)
	}
	subject := fmt.Sprintf("[OpenVAS-Manager] Task '%s': %s", task.Name, eventDescription(ev.Status))

	body := fmt.Sprintf("Task '%s' (%s) changed status to %s.", task.Name, task.UUID, ev.Status)
	if esc.MethodData["notice"] == "0" && e.renderer != nil && ev.ReportRID != 0 {
		rendered, err := e.renderer.RenderText(ctx, ev.ReportRID, e.resolveNoticeFormat(ctx, esc, task))
		if err == nil {
			body = rendered
		}
	}
	if len(body) > emailBodyTruncateLimit {
		body = body[:emailBodyTruncateLimit] + truncateMarker
	}
	return e.mailer.Send(ctx, from, to, subject, body)
}

// resolveNoticeFormat looks up the escalator's notice_report_format
// UUID, falling back to the predefined TXT format when unset or
// unknown to the task owner's session.
func (e *Engine) resolveNoticeFormat(ctx context.Context, esc *domain.Escalator, task *domain.Task) string {
	uuid := esc.MethodData["notice_report_format"]
	if uuid == "" {
		return domain.PredefinedReportFormatUUID["TXT"]
	}
	if _, ok, err := e.reportForms.FindByUUID(ctx, uuid, ownerRID(task), true); err != nil || !ok {
		return domain.PredefinedReportFormatUUID["TXT"]
	}
	return uuid
}

func (e *Engine) dispatchHTTPGet(ctx context.Context, esc *domain.Escalator, task *domain.Task) error {
	urlTemplate := esc.MethodData["url"]
	if urlTemplate == "" {
		return fmt.Errorf("escalator %s: HTTP_GET method has no url", esc.UUID)
	}
	url := substitutePlaceholders(urlTemplate, esc, task)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build HTTP_GET request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP_GET request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP_GET status %d", resp.StatusCode)
	}
	return nil
}

// substitutePlaceholders expands $$, $c, $e, $n. Substituted values are
// query-escaped since they land inside a URL.
func substitutePlaceholders(tmpl string, esc *domain.Escalator, task *domain.Task) string {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '$' || i == len(tmpl)-1 {
			b.WriteByte(tmpl[i])
			continue
		}
		switch tmpl[i+1] {
		case '$':
			b.WriteByte('$')
			i++
		case 'c':
			b.WriteString(url.QueryEscape(conditionDescription(esc)))
			i++
		case 'e':
			b.WriteString(url.QueryEscape(eventDescription(domain.RunStatus(esc.EventData["status"]))))
			i++
		case 'n':
			b.WriteString(url.QueryEscape(task.Name))
			i++
		default:
			b.WriteByte(tmpl[i])
		}
	}
	return b.String()
}

func conditionDescription(esc *domain.Escalator) string {
	switch esc.ConditionCode {
	case domain.ConditionAlways:
		return "Always"
	case domain.ConditionThreatLevelAtLeast:
		return "Threat level at least " + esc.ConditionData["level"]
	case domain.ConditionThreatLevelChanged:
		return "Threat level " + esc.ConditionData["direction"]
	default:
		return string(esc.ConditionCode)
	}
}

func eventDescription(status domain.RunStatus) string {
	return "Task run status changed to " + string(status)
}

func (e *Engine) dispatchSyslog(esc *domain.Escalator, task *domain.Task) error {
	submethod := esc.MethodData["submethod"]
	priority := syslogPriority(submethod)
	writer, err := syslog.New(priority, "scanmgr")
	if err != nil {
		return fmt.Errorf("open syslog: %w", err)
	}
	defer writer.Close()
	_, err = fmt.Fprintf(writer, "task %s: %s", task.UUID, eventDescription(domain.RunStatus(esc.EventData["status"])))
	return err
}

func syslogPriority(submethod string) syslog.Priority {
	switch strings.ToLower(submethod) {
	case "alert":
		return syslog.LOG_ALERT
	case "crit", "critical":
		return syslog.LOG_CRIT
	case "err", "error":
		return syslog.LOG_ERR
	case "warning":
		return syslog.LOG_WARNING
	case "debug":
		return syslog.LOG_DEBUG
	default:
		return syslog.LOG_NOTICE
	}
}
