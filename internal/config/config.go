// Package config loads the manager's runtime configuration from the
// environment, an optional .env file, and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StoreConfig controls the embedded SQLite-backed relation store.
type StoreConfig struct {
	// Path is the filesystem location of the store file, e.g.
	// "/var/lib/scanmgr/mgr/tasks.db".
	Path           string        `json:"path" yaml:"path" env:"STORE_PATH"`
	BusyTimeout    time.Duration `json:"busy_timeout" yaml:"busy_timeout" env:"STORE_BUSY_TIMEOUT"`
	ForeignKeys    bool          `json:"foreign_keys" yaml:"foreign_keys" env:"STORE_FOREIGN_KEYS"`
	MigrateOnStart bool          `json:"migrate_on_start" yaml:"migrate_on_start" env:"STORE_MIGRATE_ON_START"`
}

// SchedulerConfig controls the schedule-evaluator tick loop.
type SchedulerConfig struct {
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval" env:"SCHEDULER_TICK_INTERVAL"`
	Enabled      bool          `json:"enabled" yaml:"enabled" env:"SCHEDULER_ENABLED"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// ServerConfig controls the admin/report HTTP surface.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// AuthConfig controls bearer-token session verification for the HTTP
// surface. The control protocol itself is out of scope; this only covers
// the thin report-download/admin surface in internal/httpapi.
type AuthConfig struct {
	JWTPublicKeyPath string `json:"jwt_public_key_path" yaml:"jwt_public_key_path" env:"AUTH_JWT_PUBLIC_KEY_PATH"`
}

// EscalationConfig controls outbound notification dispatch.
type EscalationConfig struct {
	SMTPHost        string `json:"smtp_host" yaml:"smtp_host" env:"ESCALATION_SMTP_HOST"`
	SMTPPort        int    `json:"smtp_port" yaml:"smtp_port" env:"ESCALATION_SMTP_PORT"`
	DefaultFrom     string `json:"default_from" yaml:"default_from" env:"ESCALATION_DEFAULT_FROM"`
	HTTPTimeout     time.Duration `json:"http_timeout" yaml:"http_timeout" env:"ESCALATION_HTTP_TIMEOUT"`
}

// ReportConfig controls report-format filter invocation.
type ReportConfig struct {
	FormatsDir       string `json:"formats_dir" yaml:"formats_dir" env:"REPORT_FORMATS_DIR"`
	GlobalFormatsDir string `json:"global_formats_dir" yaml:"global_formats_dir" env:"REPORT_GLOBAL_FORMATS_DIR"`
	ChunkSize        int    `json:"chunk_size" yaml:"chunk_size" env:"REPORT_CHUNK_SIZE"`
}

// Config is the top-level configuration structure.
type Config struct {
	Store      StoreConfig      `json:"store" yaml:"store"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
	Report     ReportConfig     `json:"report" yaml:"report"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Store: StoreConfig{
			Path:           "/var/lib/scanmgr/mgr/tasks.db",
			BusyTimeout:    30 * time.Second,
			ForeignKeys:    true,
			MigrateOnStart: false,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			Enabled:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9390,
		},
		Escalation: EscalationConfig{
			SMTPPort:    25,
			DefaultFrom: "automated@scanmgr.local",
			HTTPTimeout: 10 * time.Second,
		},
		Report: ReportConfig{
			FormatsDir:       "/etc/scanmgr/report_formats",
			GlobalFormatsDir: "/etc/scanmgr/global_report_formats",
			ChunkSize:        192 * 1024,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, a .env file
// (if present), and finally environment variables, in that precedence
// order (later sources win).
func Load(yamlPath string) (*Config, error) {
	cfg := New()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	_ = godotenv.Load() // optional; ignored if absent

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode env config: %w", err)
	}

	return cfg, nil
}
