// Package httpapi exposes the manager's thin HTTP surface: liveness,
// Prometheus metrics, and on-demand report rendering through C8's
// pipeline. The client-facing control protocol that drives C3's entity
// operations is out of scope; this is the one HTTP-reachable path
// alongside it, not a replacement for it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/vulncore/scanmgr/internal/report"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/session"
	"github.com/vulncore/scanmgr/pkg/metrics"
)

// NewRouter builds the manager's HTTP handler. verifier may be nil in
// development, in which case the render endpoint runs unauthenticated:
// no session is attached, so it runs as the zero session (user rid 0,
// unprivileged), which sees only rows with no owner — wiring a verifier
// is required before exposing the process beyond localhost.
func NewRouter(pipeline *report.Pipeline, reports *repository.ReportRepository, reportForms *repository.ReportFormatRepository, verifier *session.Verifier, log *logrus.Logger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := mux.NewRouter()
	r.Use(requestLogger(log))
	r.Use(recoverMiddleware(log))

	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	renderHandler := &reportRenderHandler{pipeline: pipeline, reports: reports, reportForms: reportForms}
	reportsRouter := r.PathPrefix("/reports/{id}").Subrouter()
	if verifier != nil {
		reportsRouter.Use(requireSession(verifier))
	}
	reportsRouter.Use(newRateLimiter(5, 10).handler)
	reportsRouter.HandleFunc("/render", renderHandler.ServeHTTP).Methods(http.MethodGet)

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// requestLogger logs method, path, status, bytes written, and duration
// for each request after the handler runs.
func requestLogger(log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.status,
				"bytes":    ww.bytes,
				"duration": time.Since(start).String(),
			}).Info("http request")
		})
	}
}

// recoverMiddleware recovers from panics in a handler, logs the stack,
// and answers 500 instead of crashing the process.
func recoverMiddleware(log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(logrus.Fields{
						"panic":  rec,
						"path":   r.URL.Path,
						"method": r.Method,
					}).Error("panic recovered")
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requireSession decodes the Authorization header into a
// session.Session and rejects the request with 401 on failure.
func requireSession(verifier *session.Verifier) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := verifier.Verify(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), s)))
		})
	}
}
