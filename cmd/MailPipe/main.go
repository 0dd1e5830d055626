package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/MailPipe/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("MailPipe failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// Flags holds the persistent command line flag values.
type Flags struct {
	configPath string
	stateDir   string
	dbDSN      string
	apiAddr    string
	schedule   string
	logLevel   string
	logFormat  string
	maxRetries int
}

// app is the configuration shared by every subcommand once the root
// pre-run hook has loaded it.
type app struct {
	flags Flags
	cfg   config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mailpipe",
		Short:         "De-duplicated transactional email delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", os.Getenv("MAILPIPE_CONFIG"), "YAML config file (overrides $MAILPIPE_CONFIG)")
	pf.StringVar(&a.flags.stateDir, "state-dir", "", "state directory for MailPipe data (overrides $MAILPIPE_STATE_DIR)")
	pf.StringVar(&a.flags.dbDSN, "db-dsn", "", "database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	pf.StringVar(&a.flags.apiAddr, "api-addr", "", "API server address (overrides $MAILPIPE_API_ADDR)")
	pf.StringVar(&a.flags.schedule, "schedule", "", "cron schedule for delivery runs (overrides $MAILPIPE_SCHEDULE)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error (overrides $MAILPIPE_LOG_LEVEL)")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "text, json or logfmt (overrides $MAILPIPE_LOG_FORMAT)")
	pf.IntVar(&a.flags.maxRetries, "max-retries", 0, "attempts per message before it is abandoned (overrides $MAIL_MAX_RETRIES)")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newSendCmd(a),
		newEnqueueCmd(a),
		newSeedCmd(a),
		newRunsCmd(a),
	)
	return root
}

// load resolves configuration from defaults, file, environment and flags,
// then installs the logger.
func (a *app) load(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	config.ApplyEnv(&cfg)
	applyFlags(cmd, a.flags, &cfg)

	if err := initializeLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Debug("Final configuration",
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"schedule", cfg.Schedule,
		"sources", len(cfg.Sources),
		"amqp", cfg.AMQP.URL != "")
	a.cfg = cfg
	return nil
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, f Flags, cfg *config.Config) {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("state-dir") {
		cfg.StateDir = f.stateDir
	}
	if changed("db-dsn") {
		cfg.DatabaseURL = f.dbDSN
	}
	if changed("api-addr") {
		cfg.APIAddr = f.apiAddr
	}
	if changed("schedule") {
		cfg.Schedule = f.schedule
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("max-retries") {
		cfg.Delivery.MaxRetries = f.maxRetries
	}
}

// initializeLogger installs a charm log handler as the slog default.
func initializeLogger(level, format string) error {
	lvl, err := charmlog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var formatter charmlog.Formatter
	switch strings.ToLower(format) {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	default:
		formatter = charmlog.TextFormatter
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Formatter:       formatter,
	})
	slog.SetDefault(slog.New(handler))
	return nil
}
