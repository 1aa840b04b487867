package main

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/vulncore/scanmgr/internal/config"
)

func TestNewLoggerLevelFallsBackToInfoOnUnparsable(t *testing.T) {
	log := newLogger(config.LoggingConfig{Level: "not-a-level"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %v, want InfoLevel", log.GetLevel())
	}
}

func TestNewLoggerLevelParsesKnownValue(t *testing.T) {
	log := newLogger(config.LoggingConfig{Level: "debug"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v, want DebugLevel", log.GetLevel())
	}
}

func TestNewLoggerFormatSelectsFormatter(t *testing.T) {
	jsonLog := newLogger(config.LoggingConfig{Format: "json"})
	if _, ok := jsonLog.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSONFormatter for format=json, got %T", jsonLog.Formatter)
	}

	textLog := newLogger(config.LoggingConfig{Format: "text"})
	if _, ok := textLog.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected TextFormatter for format=text, got %T", textLog.Formatter)
	}
}

func TestNewLoggerOutputSelectsStream(t *testing.T) {
	stderrLog := newLogger(config.LoggingConfig{Output: "stderr"})
	if stderrLog.Out != os.Stderr {
		t.Fatalf("expected stderr output, got %v", stderrLog.Out)
	}

	stdoutLog := newLogger(config.LoggingConfig{Output: "stdout"})
	if stdoutLog.Out != os.Stdout {
		t.Fatalf("expected stdout output, got %v", stdoutLog.Out)
	}
}
