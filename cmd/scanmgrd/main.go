// Command scanmgrd is the vulnerability-scan manager daemon: it opens
// the store, runs pending schema migrations, starts the schedule
// evaluator (C5) and escalation engine (C7) as background loops, and
// serves the report-render HTTP surface (C8) until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulncore/scanmgr/internal/config"
	"github.com/vulncore/scanmgr/internal/escalation"
	"github.com/vulncore/scanmgr/internal/httpapi"
	"github.com/vulncore/scanmgr/internal/lifecycle"
	"github.com/vulncore/scanmgr/internal/migrations"
	"github.com/vulncore/scanmgr/internal/report"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/schedule"
	"github.com/vulncore/scanmgr/internal/session"
	"github.com/vulncore/scanmgr/internal/severity"
	"github.com/vulncore/scanmgr/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, cfg.Store.Path, cfg.Store.ForeignKeys, cfg.Store.BusyTimeout)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer s.Close()

	if err := migrations.CheckStartup(ctx, s.WriteDB(), cfg.Store.MigrateOnStart); err != nil {
		log.WithError(err).Fatal("store schema check")
	}
	current, err := migrations.CurrentVersion(ctx, s.WriteDB())
	if err != nil {
		log.WithError(err).Fatal("read store schema version")
	}
	if current != migrations.SupportedVersion {
		if err := migrations.Migrate(ctx, s); err != nil {
			log.WithError(err).Fatal("migrate store")
		}
	}

	tasks := repository.NewTaskRepository(s)
	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)
	reportForms := repository.NewReportFormatRepository(s)
	nvts := repository.NewNVTRepository(s)
	overrides := repository.NewOverrideRepository(s)
	schedules := repository.NewScheduleRepository(s)
	escalators := repository.NewEscalatorRepository(s)
	users := repository.NewUserRepository(s)

	resolver := severity.New(overrides, reports, results)
	pipeline := report.New(reports, results, tasks, reportForms, nvts, resolver,
		cfg.Report.FormatsDir, cfg.Report.GlobalFormatsDir, cfg.Report.ChunkSize)

	mailer := &escalation.SMTPMailer{Host: cfg.Escalation.SMTPHost, Port: cfg.Escalation.SMTPPort}
	httpClient := &http.Client{Timeout: cfg.Escalation.HTTPTimeout}
	escEngine := escalation.New(escalators, tasks, reportForms, resolver, pipeline, mailer, httpClient, log, 0)
	go escEngine.Run(ctx)

	now := func() int64 { return time.Now().Unix() }
	lc := lifecycle.New(s, tasks, reports, escEngine, now)

	if cfg.Scheduler.Enabled {
		evaluator := schedule.New(s, schedules, tasks, lc, now)
		go evaluator.Run(ctx, cfg.Scheduler.TickInterval)
	}

	var verifier *session.Verifier
	if cfg.Auth.JWTPublicKeyPath != "" {
		verifier, err = session.LoadVerifier(cfg.Auth.JWTPublicKeyPath, users)
		if err != nil {
			log.WithError(err).Fatal("load jwt verifier")
		}
	} else {
		log.Warn("no jwt public key configured, report-render endpoint is unauthenticated")
	}

	router := httpapi.NewRouter(pipeline, reports, reportForms, verifier, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.WithField("addr", addr).Info("scanmgrd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	if strings.EqualFold(cfg.Output, "stderr") {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(os.Stdout)
	}

	return log
}
