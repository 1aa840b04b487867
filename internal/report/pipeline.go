package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/severity"
)

const xmlFileName = "report.xml"

// Pipeline wires the repositories needed to render a report: the
// canonical XML build (Stage 1), the format's external `generate`
// filter (Stage 2), and chunked delivery (Stage 3).
type Pipeline struct {
	reports     *repository.ReportRepository
	results     *repository.ResultRepository
	tasks       *repository.TaskRepository
	reportForms *repository.ReportFormatRepository
	nvts        *repository.NVTRepository
	resolver    *severity.Resolver
	formatsDir  string
	globalDir   string
	chunkSize   int
}

// New binds a Pipeline to its repositories and the on-disk locations of
// report format filter directories.
func New(
	reports *repository.ReportRepository,
	results *repository.ResultRepository,
	tasks *repository.TaskRepository,
	reportForms *repository.ReportFormatRepository,
	nvts *repository.NVTRepository,
	resolver *severity.Resolver,
	formatsDir, globalDir string,
	chunkSize int,
) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = 192 * 1024
	}
	return &Pipeline{
		reports:     reports,
		results:     results,
		tasks:       tasks,
		reportForms: reportForms,
		nvts:        nvts,
		resolver:    resolver,
		formatsDir:  formatsDir,
		globalDir:   globalDir,
		chunkSize:   chunkSize,
	}
}

// Sink receives one artifact chunk at a time, in order. A Sink may be
// called many times for one render; it must not retain the slice.
type Sink func(chunk []byte) error

// Render runs all three pipeline stages for reportRID against format,
// delivering the resulting artifact's bytes to sink in fixed-size
// chunks (the final streaming stage). base64 wraps each chunk when the
// caller wants a text-safe transport.
func (p *Pipeline) Render(
	ctx context.Context,
	reportRID int64,
	format *domain.ReportFormat,
	filters Filters,
	userRID int64,
	privileged bool,
	base64Encode bool,
	sink Sink,
) error {
	artifactPath, cleanup, err := p.renderToFile(ctx, reportRID, format, filters, userRID, privileged)
	if err != nil {
		return err
	}
	defer cleanup()

	return streamFile(artifactPath, p.chunkSize, base64Encode, sink)
}

// RenderText runs the pipeline and returns the whole artifact as a
// string, satisfying escalation.ReportRenderer for EMAIL notices.
func (p *Pipeline) RenderText(ctx context.Context, reportRID int64, reportFormatUUID string) (string, error) {
	format, ok, err := p.reportForms.FindByUUID(ctx, reportFormatUUID, 0, true)
	if err != nil {
		return "", fmt.Errorf("find notice report format: %w", err)
	}
	if !ok {
		return "", apperr.New(apperr.CodeInvalidUUID, fmt.Sprintf("unknown report format %q", reportFormatUUID))
	}

	var buf []byte
	err = p.Render(ctx, reportRID, format, DefaultFilters(), 0, true, false, func(chunk []byte) error {
		buf = append(buf, chunk...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// renderToFile performs Stage 1 and Stage 2, leaving the filter's
// stdout at the returned path inside a private temporary directory.
// The caller must invoke the returned cleanup func once done reading.
func (p *Pipeline) renderToFile(
	ctx context.Context,
	reportRID int64,
	format *domain.ReportFormat,
	filters Filters,
	userRID int64,
	privileged bool,
) (string, func(), error) {
	rep, task, results, err := p.gatherReportData(ctx, reportRID)
	if err != nil {
		return "", nil, err
	}

	params, err := p.reportForms.Params(ctx, format.RID)
	if err != nil {
		return "", nil, fmt.Errorf("find report format params: %w", err)
	}

	xmlBytes, err := buildXML(ctx, task, rep, params, results, filters, p.resolver, p.nvts, userRID, privileged)
	if err != nil {
		return "", nil, fmt.Errorf("build report xml: %w", err)
	}

	workDir, err := os.MkdirTemp("", "scanmgr-report-")
	if err != nil {
		return "", nil, fmt.Errorf("create report sandbox: %w", err)
	}
	cleanup := func() { os.RemoveAll(workDir) }

	xmlPath := filepath.Join(workDir, xmlFileName)
	if err := os.WriteFile(xmlPath, xmlBytes, 0o600); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write report xml: %w", err)
	}

	formatDir := p.formatDirFor(format)
	generatePath := filepath.Join(formatDir, "generate")
	if _, err := os.Stat(generatePath); err != nil {
		cleanup()
		return "", nil, apperr.Wrap(apperr.CodeExternalTool, "report format has no generate filter", err)
	}

	outPath := filepath.Join(workDir, "artifact."+format.Extension)
	outFile, err := os.Create(outPath)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create artifact file: %w", err)
	}

	cmd := exec.CommandContext(ctx, generatePath, xmlPath)
	cmd.Dir = formatDir
	cmd.Stdout = outFile
	cmd.Stderr = nil
	runErr := cmd.Run()
	closeErr := outFile.Close()
	if runErr != nil {
		cleanup()
		return "", nil, apperr.Wrap(apperr.CodeExternalTool, "generate filter failed", runErr)
	}
	if closeErr != nil {
		cleanup()
		return "", nil, fmt.Errorf("close artifact file: %w", closeErr)
	}

	return outPath, cleanup, nil
}

// formatDirFor resolves a report format's filter directory. Owned
// formats live under FormatsDir, predefined (owner-less) formats under
// GlobalFormatsDir.
func (p *Pipeline) formatDirFor(format *domain.ReportFormat) string {
	base := p.formatsDir
	if !format.Owner.Valid {
		base = p.globalDir
	}
	return filepath.Join(base, format.UUID)
}

func (p *Pipeline) gatherReportData(ctx context.Context, reportRID int64) (*domain.Report, *domain.Task, []*domain.Result, error) {
	rep, ok, err := p.reportByRID(ctx, reportRID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, apperr.New(apperr.CodeInvalidUUID, fmt.Sprintf("unknown report %d", reportRID))
	}

	task, ok, err := p.tasks.FindByRID(ctx, rep.TaskRef)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("find report's task: %w", err)
	}
	if !ok {
		return nil, nil, nil, apperr.New(apperr.CodeProgrammingError, "report references missing task")
	}

	cur, err := p.results.IterateForReport(ctx, reportRID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("iterate report results: %w", err)
	}
	defer cur.Close()

	var results []*domain.Result
	for cur.Next() {
		res, err := repository.ScanResultCursor(cur)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, res)
	}
	if err := cur.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate report results: %w", err)
	}

	return rep, task, results, nil
}

// reportByRID loads a report by rid, bypassing owner visibility, the
// same trust model FindByRID gives TaskRepository: the pipeline is
// invoked after the caller has already resolved and authorized the
// report.
func (p *Pipeline) reportByRID(ctx context.Context, reportRID int64) (*domain.Report, bool, error) {
	return p.reports.FindByRID(ctx, reportRID)
}

func streamFile(path string, chunkSize int, base64Encode bool, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if base64Encode {
				encoded := make([]byte, base64.StdEncoding.EncodedLen(n))
				base64.StdEncoding.Encode(encoded, chunk)
				chunk = encoded
			}
			if sinkErr := sink(chunk); sinkErr != nil {
				return sinkErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read artifact: %w", err)
		}
	}
}
