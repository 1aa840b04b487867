package report

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/migrations"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/severity"
	"github.com/vulncore/scanmgr/internal/store"
)

const examplePipelineTaskRID = 1

// writeGenerateFilter installs a `generate` script under
// <globalDir>/<formatUUID>/generate that just copies its XML argument
// to stdout, exercising Stage 2's invocation contract without needing
// a real report-format plugin.
func writeGenerateFilter(t *testing.T, globalDir, formatUUID string) {
	t.Helper()
	dir := filepath.Join(globalDir, formatUUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir format dir: %v", err)
	}
	script := "#!/bin/sh\ncat \"$1\"\n"
	path := filepath.Join(dir, "generate")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write generate filter: %v", err)
	}
}

func openTestPipeline(t *testing.T) (*store.Store, *Pipeline, string) {
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

	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)
	tasks := repository.NewTaskRepository(s)
	reportForms := repository.NewReportFormatRepository(s)
	nvts := repository.NewNVTRepository(s)
	overrides := repository.NewOverrideRepository(s)
	resolver := severity.New(overrides, reports, results)

	globalDir := filepath.Join(dir, "global_report_formats")
	formatsDir := filepath.Join(dir, "report_formats")
	p := New(reports, results, tasks, reportForms, nvts, resolver, formatsDir, globalDir, 64*1024)
	return s, p, globalDir
}

func TestRenderWritesGeneratedArtifact(t *testing.T) {
	s, p, globalDir := openTestPipeline(t)
	ctx := context.Background()

	txtUUID := domain.PredefinedReportFormatUUID["TXT"]
	writeGenerateFilter(t, globalDir, txtUUID)

	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)
	reportForms := repository.NewReportFormatRepository(s)

	q := s.WriteDB()
	reportRID, _, err := reports.CreateForTaskStart(ctx, q, examplePipelineTaskRID, sql.NullInt64{}, 1700000000)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if err := reports.SetScanRunStatus(ctx, q, reportRID, domain.RunStatusDone); err != nil {
		t.Fatalf("set report done: %v", err)
	}
	if _, err := results.Add(ctx, q, reportRID, &domain.Result{
		TaskRef: examplePipelineTaskRID, Host: "10.0.0.5", Port: "80/tcp", NVTOID: "OID-A",
		Type: domain.TypeSecurityHole, Description: "example finding",
	}); err != nil {
		t.Fatalf("add result: %v", err)
	}

	format, ok, err := reportForms.FindByUUID(ctx, txtUUID, 0, true)
	if err != nil || !ok {
		t.Fatalf("find TXT format: ok=%v err=%v", ok, err)
	}

	var out bytes.Buffer
	f := DefaultFilters()
	f.ApplyOverrides = false
	err = p.Render(ctx, reportRID, format, f, 0, true, false, func(chunk []byte) error {
		out.Write(chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("<report")) {
		t.Errorf("rendered artifact missing canonical xml, got %q", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("example finding")) {
		t.Errorf("rendered artifact missing result description, got %q", out.String())
	}
}

func TestRenderTextUsesTXTFallbackFormat(t *testing.T) {
	s, p, globalDir := openTestPipeline(t)
	ctx := context.Background()

	txtUUID := domain.PredefinedReportFormatUUID["TXT"]
	writeGenerateFilter(t, globalDir, txtUUID)

	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)

	q := s.WriteDB()
	reportRID, _, err := reports.CreateForTaskStart(ctx, q, examplePipelineTaskRID, sql.NullInt64{}, 1700000000)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if err := reports.SetScanRunStatus(ctx, q, reportRID, domain.RunStatusDone); err != nil {
		t.Fatalf("set report done: %v", err)
	}
	if _, err := results.Add(ctx, q, reportRID, &domain.Result{
		TaskRef: examplePipelineTaskRID, Host: "10.0.0.6", Port: "443/tcp", NVTOID: "OID-B",
		Type: domain.TypeSecurityWarning, Description: "notice body",
	}); err != nil {
		t.Fatalf("add result: %v", err)
	}

	text, err := p.RenderText(ctx, reportRID, txtUUID)
	if err != nil {
		t.Fatalf("RenderText: %v", err)
	}
	if !bytes.Contains([]byte(text), []byte("notice body")) {
		t.Errorf("notice text missing result description, got %q", text)
	}
}

func TestRenderMissingGenerateFilterReturnsExternalToolError(t *testing.T) {
	s, p, _ := openTestPipeline(t)
	ctx := context.Background()

	reports := repository.NewReportRepository(s)
	reportForms := repository.NewReportFormatRepository(s)

	q := s.WriteDB()
	reportRID, _, err := reports.CreateForTaskStart(ctx, q, examplePipelineTaskRID, sql.NullInt64{}, 1700000000)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if err := reports.SetScanRunStatus(ctx, q, reportRID, domain.RunStatusDone); err != nil {
		t.Fatalf("set report done: %v", err)
	}

	txtUUID := domain.PredefinedReportFormatUUID["TXT"]
	format, ok, err := reportForms.FindByUUID(ctx, txtUUID, 0, true)
	if err != nil || !ok {
		t.Fatalf("find TXT format: ok=%v err=%v", ok, err)
	}

	err = p.Render(ctx, reportRID, format, DefaultFilters(), 0, true, false, func([]byte) error { return nil })
	if err == nil {
		t.Fatal("expected error when generate filter is absent")
	}
	if !apperr.Is(err, apperr.CodeExternalTool) {
		t.Fatalf("err = %v, want an external tool error", err)
	}
}
