// Package config loads MailPipe settings from defaults, an optional YAML file
// and the environment, in that order of increasing precedence. Command line
// flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/MailPipe/internal/store"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MailPipe state data
	DefaultStateDir = "/var/lib/mailpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mailpipe.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// DefaultQueue is the default AMQP intake queue
	DefaultQueue = "mail_requests"
	// DefaultPrefetch is the default AMQP prefetch count
	DefaultPrefetch = 10
)

// Config is the complete service configuration.
type Config struct {
	StateDir    string         `yaml:"state_dir"`
	DatabaseURL string         `yaml:"database_url"`
	APIAddr     string         `yaml:"api_addr"`
	Schedule    string         `yaml:"schedule"`
	CatalogPath string         `yaml:"catalog"`
	Log         LogConfig      `yaml:"log"`
	Delivery    DeliveryConfig `yaml:"delivery"`
	SMTP        SMTPConfig     `yaml:"smtp"`
	AMQP        AMQPConfig     `yaml:"amqp"`
	Sources     []SourceConfig `yaml:"sources"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json or logfmt
}

type DeliveryConfig struct {
	JobName       string        `yaml:"job_name"`
	MaxRetries    int           `yaml:"max_retries"`
	OverlapWindow time.Duration `yaml:"overlap_window"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	BatchLimit    int           `yaml:"batch_limit"`
}

type SMTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	LocalName      string        `yaml:"local_name"`
}

// AMQPConfig enables the queue intake when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// SourceConfig describes an eligibility query feeding a delivery stage.
type SourceConfig struct {
	Name     string `yaml:"name"`
	Stage    string `yaml:"stage"` // first_contact or state_change
	Template string `yaml:"template"`
	Query    string `yaml:"query"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir: DefaultStateDir,
		APIAddr:  DefaultAPIAddr,
		Schedule: "*/5 * * * *",
		Log:      LogConfig{Level: "info", Format: "text"},
		Delivery: DeliveryConfig{
			JobName:       "email_delivery",
			MaxRetries:    3,
			OverlapWindow: 2 * time.Hour,
			BatchLimit:    100,
		},
		SMTP: SMTPConfig{
			ConnectTimeout: 20 * time.Second,
			CommandTimeout: 30 * time.Second,
			LocalName:      "localhost",
		},
		AMQP: AMQPConfig{Queue: DefaultQueue, Prefetch: DefaultPrefetch},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any.
// ${VAR} references in the file are expanded from the environment before
// parsing, so secrets can stay out of the file.
func Load(path string) (Config, error) {
	defaults := Default()
	if path == "" {
		return defaults, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaults, fmt.Errorf("failed to read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaults, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return defaults, fmt.Errorf("failed to apply defaults: %w", err)
	}
	slog.Debug("config.Load: loaded file", "path", path, "sources", len(cfg.Sources))
	return cfg, nil
}

// ApplyEnv overrides cfg with any MAILPIPE_* variables, DATABASE_URL and
// AMQP_URL that are set.
func ApplyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("MAILPIPE_STATE_DIR", &cfg.StateDir)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("MAILPIPE_API_ADDR", &cfg.APIAddr)
	setString("MAILPIPE_SCHEDULE", &cfg.Schedule)
	setString("MAILPIPE_CATALOG", &cfg.CatalogPath)
	setString("MAILPIPE_LOG_LEVEL", &cfg.Log.Level)
	setString("MAILPIPE_LOG_FORMAT", &cfg.Log.Format)
	setString("MAILPIPE_JOB_NAME", &cfg.Delivery.JobName)
	setString("MAILPIPE_SMTP_LOCAL_NAME", &cfg.SMTP.LocalName)
	setString("AMQP_URL", &cfg.AMQP.URL)
	setString("MAILPIPE_AMQP_QUEUE", &cfg.AMQP.Queue)

	cfg.Delivery.MaxRetries = util.ParseIntEnv("MAIL_MAX_RETRIES", cfg.Delivery.MaxRetries)
	cfg.Delivery.BatchLimit = util.ParseIntEnv("MAILPIPE_BATCH_LIMIT", cfg.Delivery.BatchLimit)
	cfg.Delivery.OverlapWindow = util.ParseDurationEnv("MAILPIPE_OVERLAP_WINDOW", cfg.Delivery.OverlapWindow)
	cfg.Delivery.RetryDelay = util.ParseDurationEnv("MAILPIPE_RETRY_DELAY", cfg.Delivery.RetryDelay)
	cfg.SMTP.ConnectTimeout = util.ParseDurationEnv("MAILPIPE_SMTP_CONNECT_TIMEOUT", cfg.SMTP.ConnectTimeout)
	cfg.SMTP.CommandTimeout = util.ParseDurationEnv("MAILPIPE_SMTP_COMMAND_TIMEOUT", cfg.SMTP.CommandTimeout)
	cfg.AMQP.Prefetch = util.ParseIntEnv("MAILPIPE_AMQP_PREFETCH", cfg.AMQP.Prefetch)

	slog.Debug("config.ApplyEnv: environment applied",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"amqp_url_set", cfg.AMQP.URL != "",
		"api_addr", cfg.APIAddr,
		"schedule", cfg.Schedule,
		"max_retries", cfg.Delivery.MaxRetries)
}

// DSN returns DatabaseURL, or the SQLite file inside StateDir when unset.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// UsesSQLite reports whether the state lives in a local SQLite file.
func (c Config) UsesSQLite() bool {
	return store.DetectDSNType(c.DSN()) == "sqlite"
}

var (
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	ErrInvalidSource   = errors.New("invalid source")
)

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, c.Schedule, err)
	}
	if c.Delivery.MaxRetries <= 0 {
		return fmt.Errorf("delivery.max_retries must be positive, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.OverlapWindow <= 0 {
		return fmt.Errorf("delivery.overlap_window must be positive, got %s", c.Delivery.OverlapWindow)
	}
	if c.Delivery.RetryDelay < 0 {
		return fmt.Errorf("delivery.retry_delay must not be negative, got %s", c.Delivery.RetryDelay)
	}
	if c.SMTP.ConnectTimeout <= 0 || c.SMTP.CommandTimeout <= 0 {
		return fmt.Errorf("smtp timeouts must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("log.format must be text, json or logfmt, got %q", c.Log.Format)
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("%w: sources[%d] has no name", ErrInvalidSource, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate source name %q", ErrInvalidSource, s.Name)
		}
		seen[s.Name] = true
		if s.Stage != "first_contact" && s.Stage != "state_change" {
			return fmt.Errorf("%w: %s: stage must be first_contact or state_change, got %q", ErrInvalidSource, s.Name, s.Stage)
		}
		if s.Template == "" || strings.TrimSpace(s.Query) == "" {
			return fmt.Errorf("%w: %s: template and query are required", ErrInvalidSource, s.Name)
		}
	}
	return nil
}
