package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/report"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/session"
)

// reportRenderHandler serves GET /reports/{id}/render, the one
// HTTP-reachable entry point into C8's pipeline.
type reportRenderHandler struct {
	pipeline    *report.Pipeline
	reports     *repository.ReportRepository
	reportForms *repository.ReportFormatRepository
}

func (h *reportRenderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := session.FromContext(ctx)

	rep, ok, err := h.reports.FindByUUID(ctx, mux.Vars(r)["id"], sess.UserRID, sess.Privileged)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	formatUUID := r.URL.Query().Get("format")
	if formatUUID == "" {
		formatUUID = domain.PredefinedReportFormatUUID["TXT"]
	}
	format, ok, err := h.reportForms.FindByUUID(ctx, formatUUID, sess.UserRID, sess.Privileged)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "unknown report format", http.StatusBadRequest)
		return
	}

	base64Encode := parseBool(r.URL.Query().Get("base64"))
	flusher, _ := w.(http.Flusher)
	headerWritten := false

	err = h.pipeline.Render(ctx, rep.RID, format, parseFilters(r), sess.UserRID, sess.Privileged, base64Encode, func(chunk []byte) error {
		if !headerWritten {
			w.Header().Set("Content-Type", format.ContentType)
			headerWritten = true
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && !headerWritten {
		writeError(w, err)
	}
}

// parseFilters builds a report.Filters from render_report's query
// parameters, falling back to report.DefaultFilters for anything
// unset.
func parseFilters(r *http.Request) report.Filters {
	f := report.DefaultFilters()
	q := r.URL.Query()

	if v := q.Get("sort_field"); v != "" {
		f.SortField = v
	}
	if v := q.Get("sort_order"); v != "" {
		f.SortOrder = v
	}
	if v := q.Get("levels"); v != "" {
		f.Levels = v
	}
	if v := q.Get("search_phrase"); v != "" {
		f.SearchPhrase = v
	}
	if v := q.Get("min_cvss_base"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinCVSSBase = n
		}
	}
	if v := q.Get("first_result"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.FirstResult = n
		}
	}
	if v := q.Get("max_results"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.MaxResults = n
		}
	}
	f.ApplyOverrides = parseBoolDefault(q.Get("apply_overrides"), f.ApplyOverrides)
	f.ResultHostsOnly = parseBool(q.Get("result_hosts_only"))
	return f
}

func parseBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func parseBoolDefault(v string, def bool) bool {
	if v == "" {
		return def
	}
	return parseBool(v)
}

// writeError maps an apperr.Code to the HTTP status a caller of this
// admin surface should see.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := apperr.As(err); ok {
		switch e.Code {
		case apperr.CodeInvalidUUID:
			status = http.StatusNotFound
		case apperr.CodeExists, apperr.CodeInUse:
			status = http.StatusConflict
		case apperr.CodeHostsInvalid, apperr.CodeTooManyHosts, apperr.CodeInvalidEnum, apperr.CodeOutOfRange:
			status = http.StatusBadRequest
		case apperr.CodeTrust:
			status = http.StatusUnauthorized
		case apperr.CodeExternalTool:
			status = http.StatusBadGateway
		}
	}
	http.Error(w, err.Error(), status)
}
