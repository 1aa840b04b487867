package escalation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/lifecycle"
	"github.com/vulncore/scanmgr/internal/migrations"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/severity"
	"github.com/vulncore/scanmgr/internal/store"
)

const exampleTaskRID = 1

type fakeMailer struct {
	mu   sync.Mutex
	from string
	to   string
	subj string
	body string
	sent bool
}

func (m *fakeMailer) Send(ctx context.Context, from, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.from, m.to, m.subj, m.body, m.sent = from, to, subject, body, true
	return nil
}

func (m *fakeMailer) wasSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func openTestEngine(t *testing.T, mailer Mailer, httpClient *http.Client) (*store.Store, *Engine) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tasks.db"), true, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := migrations.Migrate(context.Background(), s); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	escalators := repository.NewEscalatorRepository(s)
	tasks := repository.NewTaskRepository(s)
	reportForms := repository.NewReportFormatRepository(s)
	overrides := repository.NewOverrideRepository(s)
	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)
	resolver := severity.New(overrides, reports, results)

	log := logrus.New()
	log.SetOutput(noopWriter{})

	return s, New(escalators, tasks, reportForms, resolver, nil, mailer, httpClient, log, 16)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func createAlwaysEmailEscalator(t *testing.T, s *store.Store, to string) {
	t.Helper()
	escalators := repository.NewEscalatorRepository(s)
	_, err := escalators.Create(context.Background(), 1, &domain.Escalator{
		Name:          "notify-done",
		EventCode:     domain.EventTaskRunStatusChanged,
		ConditionCode: domain.ConditionAlways,
		MethodCode:    domain.MethodEmail,
		EventData:     map[string]string{"status": string(domain.RunStatusDone)},
		ConditionData: map[string]string{},
		MethodData:    map[string]string{"to_address": to, "from_address": "scanner@example.com"},
	})
	if err != nil {
		t.Fatalf("create escalator: %v", err)
	}
	if err := escalators.BindToTask(context.Background(), s.WriteDB(), exampleTaskRID, 1); err != nil {
		t.Fatalf("bind escalator: %v", err)
	}
}

// TestHandleDispatchesMatchingEscalator exercises the EMAIL dispatch
// path end-to-end: an ALWAYS/EMAIL escalator bound to the example
// task's DONE event fires when a matching lifecycle event is handled.
func TestHandleDispatchesMatchingEscalator(t *testing.T) {
	s, engine := openTestEngine(t, &fakeMailer{}, nil)
	createAlwaysEmailEscalator(t, s, "ops@example.com")

	mailer := engine.mailer.(*fakeMailer)
	engine.handle(context.Background(), lifecycle.Event{
		TaskRID: exampleTaskRID,
		Status:  domain.RunStatusDone,
	})

	if !mailer.wasSent() {
		t.Fatal("expected the ALWAYS/EMAIL escalator to dispatch")
	}
	if mailer.to != "ops@example.com" {
		t.Fatalf("expected recipient ops@example.com, got %q", mailer.to)
	}
}

// TestHandleSkipsEscalatorWithMismatchedStatus confirms an escalator
// bound to a different status parameter does not fire.
func TestHandleSkipsEscalatorWithMismatchedStatus(t *testing.T) {
	s, engine := openTestEngine(t, &fakeMailer{}, nil)
	createAlwaysEmailEscalator(t, s, "ops@example.com")

	mailer := engine.mailer.(*fakeMailer)
	engine.handle(context.Background(), lifecycle.Event{
		TaskRID: exampleTaskRID,
		Status:  domain.RunStatusRunning,
	})

	if mailer.wasSent() {
		t.Fatal("expected no dispatch for a non-matching status")
	}
}

// TestDispatchHTTPGetSubstitutesPlaceholders exercises the $n (task
// name) substitution against a real httptest server.
func TestDispatchHTTPGetSubstitutesPlaceholders(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, engine := openTestEngine(t, &fakeMailer{}, srv.Client())
	escalators := repository.NewEscalatorRepository(s)
	_, err := escalators.Create(context.Background(), 1, &domain.Escalator{
		Name:          "notify-webhook",
		EventCode:     domain.EventTaskRunStatusChanged,
		ConditionCode: domain.ConditionAlways,
		MethodCode:    domain.MethodHTTPGet,
		EventData:     map[string]string{"status": string(domain.RunStatusDone)},
		ConditionData: map[string]string{},
		MethodData:    map[string]string{"url": srv.URL + "/?task=$n"},
	})
	if err != nil {
		t.Fatalf("create escalator: %v", err)
	}
	if err := escalators.BindToTask(context.Background(), s.WriteDB(), exampleTaskRID, 1); err != nil {
		t.Fatalf("bind escalator: %v", err)
	}

	engine.handle(context.Background(), lifecycle.Event{TaskRID: exampleTaskRID, Status: domain.RunStatusDone})

	if gotURL != "/?task=Example+task" {
		t.Fatalf("expected substituted task name in request URL, got %q", gotURL)
	}
}

// TestThreatLevelAtLeastGatesDispatch confirms THREAT_LEVEL_AT_LEAST
// skips dispatch when the task's aggregate severity is below the
// escalator's threshold (no reports exist, so the level is empty).
func TestThreatLevelAtLeastGatesDispatch(t *testing.T) {
	s, engine := openTestEngine(t, &fakeMailer{}, nil)
	escalators := repository.NewEscalatorRepository(s)
	_, err := escalators.Create(context.Background(), 1, &domain.Escalator{
		Name:          "notify-high",
		EventCode:     domain.EventTaskRunStatusChanged,
		ConditionCode: domain.ConditionThreatLevelAtLeast,
		MethodCode:    domain.MethodEmail,
		EventData:     map[string]string{"status": string(domain.RunStatusDone)},
		ConditionData: map[string]string{"level": string(domain.ThreatHigh)},
		MethodData:    map[string]string{"to_address": "ops@example.com"},
	})
	if err != nil {
		t.Fatalf("create escalator: %v", err)
	}
	if err := escalators.BindToTask(context.Background(), s.WriteDB(), exampleTaskRID, 1); err != nil {
		t.Fatalf("bind escalator: %v", err)
	}

	mailer := engine.mailer.(*fakeMailer)
	engine.handle(context.Background(), lifecycle.Event{TaskRID: exampleTaskRID, Status: domain.RunStatusDone})

	if mailer.wasSent() {
		t.Fatal("expected no dispatch when no results exist to reach the threat threshold")
	}
}
