package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/MailPipe/internal/config"
	"github.com/BTreeMap/MailPipe/internal/delivery"
	"github.com/BTreeMap/MailPipe/internal/smtp"
	"github.com/BTreeMap/MailPipe/internal/store"
)

// ensureDirectoriesExist creates the directory of a file-based DSN.
func ensureDirectoriesExist(cfg config.Config) error {
	if !cfg.UsesSQLite() {
		return nil
	}
	stateDir := filepath.Dir(cfg.DSN())
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, store.DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	return nil
}

func openStore(cfg config.Config) (store.Store, error) {
	if err := ensureDirectoriesExist(cfg); err != nil {
		return nil, err
	}
	return store.Open(cfg.DSN())
}

// buildSMTPOptions constructs SMTP client options.
func buildSMTPOptions(cfg config.Config) []smtp.Option {
	var opts []smtp.Option
	if cfg.SMTP.ConnectTimeout > 0 {
		opts = append(opts, smtp.WithConnectTimeout(cfg.SMTP.ConnectTimeout))
	}
	if cfg.SMTP.CommandTimeout > 0 {
		opts = append(opts, smtp.WithCommandTimeout(cfg.SMTP.CommandTimeout))
	}
	if cfg.SMTP.LocalName != "" {
		opts = append(opts, smtp.WithLocalName(cfg.SMTP.LocalName))
	}
	return opts
}

// buildDeliveryOptions constructs orchestrator options, including one query
// source per configured source. Sources run against the state database, so
// they need a SQL-backed store.
func buildDeliveryOptions(cfg config.Config, st store.Store) ([]delivery.Option, error) {
	opts := []delivery.Option{
		delivery.WithJobName(cfg.Delivery.JobName),
		delivery.WithMaxRetries(cfg.Delivery.MaxRetries),
		delivery.WithOverlapWindow(cfg.Delivery.OverlapWindow),
		delivery.WithRetryDelay(cfg.Delivery.RetryDelay),
		delivery.WithBatchLimit(cfg.Delivery.BatchLimit),
	}
	if len(cfg.Sources) == 0 {
		return opts, nil
	}

	sqlStore, ok := st.(interface{ DB() *sql.DB })
	if !ok {
		return nil, fmt.Errorf("sources require a SQL store, got %T", st)
	}
	for _, sc := range cfg.Sources {
		stage := delivery.StageFirstContact
		if sc.Stage == string(delivery.StageStateChange) {
			stage = delivery.StageStateChange
		}
		src := store.NewQuerySource(sqlStore.DB(), sc.Name, sc.Template, sc.Query)
		opts = append(opts, delivery.WithSource(stage, src))
		slog.Debug("Registered discovery source", "name", sc.Name, "stage", stage, "template", sc.Template)
	}
	return opts, nil
}

func buildOrchestrator(cfg config.Config, st store.Store) (*delivery.Orchestrator, error) {
	opts, err := buildDeliveryOptions(cfg, st)
	if err != nil {
		return nil, err
	}
	return delivery.NewOrchestrator(st, smtp.NewClient(buildSMTPOptions(cfg)...), opts...), nil
}
