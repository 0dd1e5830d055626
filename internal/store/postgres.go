// This file implements a PostgreSQL-backed store for deployments where several
// MailPipe processes share one database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for eligibility queries.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e *models.LogEntry) error {
	prepareEntry(e)
	vars, meta, err := entryJSON(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (`+logEntryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.DedupeKey, e.TemplateKey, e.RecipientEmail, nilIfEmpty(e.RecipientUserID), nilIfEmpty(e.Subject),
		vars, meta, string(e.Status), e.ErrorMessage, nilIfNilTime(e.SentAt), e.RetryCount, string(e.Source),
		nilIfNilTime(e.ExpiresAt), e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append %s: %w", e.DedupeKey, ErrDuplicateDedupeKey)
		}
		slog.Error("PostgresStore.Append failed", "error", err, "id", e.ID)
		return fmt.Errorf("append delivery log entry failed: %w", err)
	}
	slog.Debug("PostgresStore.Append", "id", e.ID, "dedupeKey", e.DedupeKey, "template", e.TemplateKey)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.LogEntry, error) {
	return s.getOne(ctx, `SELECT `+logEntryColumns+` FROM delivery_log WHERE id = $1`, id)
}

func (s *PostgresStore) FindByDedupeKey(ctx context.Context, dedupeKey string) (*models.LogEntry, error) {
	return s.getOne(ctx, `SELECT `+logEntryColumns+` FROM delivery_log WHERE dedupe_key = $1`, dedupeKey)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg string) (*models.LogEntry, error) {
	e, err := scanLogEntry(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery log entry failed: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE delivery_log SET status = 'sent', sent_at = $1, error_message = NULL, updated_at = $1 WHERE id = $2`,
		at.UTC(), id)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE delivery_log SET status = 'failed', error_message = $1, retry_count = GREATEST(retry_count, $2),
		   updated_at = $3
		 WHERE id = $4`,
		errMsg, retryCount, at.UTC(), id)
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE delivery_log SET status = 'expired', updated_at = $1 WHERE id = $2`, at.UTC(), id)
}

func (s *PostgresStore) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore update failed", "error", err, "id", id)
		return fmt.Errorf("update delivery log entry %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update delivery log entry %s failed: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", id, ErrEntryNotFound)
	}
	return nil
}

func (s *PostgresStore) FindSendable(ctx context.Context, c SendableCriteria) ([]models.LogEntry, error) {
	args := []any{string(c.Status)}
	where := []string{"status = $1"}
	if c.MaxRetries > 0 {
		args = append(args, c.MaxRetries)
		where = append(where, fmt.Sprintf("retry_count < $%d", len(args)))
	}
	if !c.UpdatedBefore.IsZero() {
		args = append(args, c.UpdatedBefore.UTC())
		where = append(where, fmt.Sprintf("updated_at <= $%d", len(args)))
	}
	args = append(args, clampLimit(c.Limit))
	query := fmt.Sprintf(`SELECT %s FROM delivery_log WHERE %s ORDER BY updated_at ASC, id ASC LIMIT $%d`,
		logEntryColumns, strings.Join(where, " AND "), len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find sendable entries failed: %w", err)
	}
	return scanLogEntries(rows)
}

func (s *PostgresStore) ListEntries(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logEntryColumns+` FROM delivery_log WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		string(status), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list delivery log entries failed: %w", err)
	}
	return scanLogEntries(rows)
}

func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET status = 'expired', updated_at = $1
		 WHERE status IN ('pending', 'failed') AND expires_at IS NOT NULL AND expires_at <= $1`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire overdue entries failed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// StartRun serializes concurrent starters of the same job with a
// transaction-scoped advisory lock keyed on the job name.
func (s *PostgresStore) StartRun(ctx context.Context, jobName string, window time.Duration, now time.Time) (models.JobRun, error) {
	now = now.UTC()
	run := models.JobRun{
		ID:        util.NewRunID(),
		JobName:   jobName,
		Status:    models.RunStatusRunning,
		StartedAt: now,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return run, fmt.Errorf("begin start run failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, jobName); err != nil {
		return run, fmt.Errorf("lock run %s failed: %w", jobName, err)
	}
	var blocker string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM job_runs WHERE job_name = $1 AND status = 'running' AND started_at > $2
		 ORDER BY started_at DESC LIMIT 1`,
		jobName, now.Add(-window)).Scan(&blocker)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return run, fmt.Errorf("check overlapping runs failed: %w", err)
	default:
		run.Status = models.RunStatusSkipped
		run.CompletedAt = &now
		run.ErrorMessage = "overlaps running run " + blocker
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_name, status, started_at, completed_at, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.JobName, string(run.Status), run.StartedAt, nilIfNilTime(run.CompletedAt), nilIfEmpty(run.ErrorMessage))
	if err != nil {
		return run, fmt.Errorf("insert run failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return run, fmt.Errorf("commit start run failed: %w", err)
	}
	slog.Debug("PostgresStore.StartRun", "id", run.ID, "job", jobName, "status", run.Status)
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, status models.RunStatus, counts models.RunCounts, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = $1, completed_at = $2, discovered_count = $3, sent_count = $4,
		   failed_count = $5, skipped_count = $6, expired_count = $7, error_message = $8
		 WHERE id = $9`,
		string(status), at.UTC(), counts.Discovered, counts.Sent, counts.Failed, counts.Skipped, counts.Expired,
		nilIfEmpty(errMsg), id)
	if err != nil {
		return fmt.Errorf("finish run %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE ($1 = '' OR job_name = $1)
		 ORDER BY started_at DESC, id DESC LIMIT $2`,
		jobName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs failed: %w", err)
	}
	return scanJobRuns(rows)
}

func (s *PostgresStore) FailStaleRuns(ctx context.Context, startedBefore time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = 'failed', completed_at = $1, error_message = $2
		 WHERE status = 'running' AND started_at < $3`,
		time.Now().UTC(), reason, startedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail stale runs failed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p models.ServerProfile) error {
	if p.ID == "" {
		p.ID = util.NewProfileID()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save profile failed: %w", err)
	}
	defer tx.Rollback()

	if p.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE server_profiles SET active = FALSE WHERE id <> $1`, p.ID); err != nil {
			return fmt.Errorf("deactivate profiles failed: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO server_profiles (id, name, host, port, encryption, username, password, sender_address, sender_name, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, host = EXCLUDED.host, port = EXCLUDED.port,
		   encryption = EXCLUDED.encryption, username = EXCLUDED.username, password = EXCLUDED.password,
		   sender_address = EXCLUDED.sender_address, sender_name = EXCLUDED.sender_name,
		   active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		p.ID, nilIfEmpty(p.Name), p.Host, p.Port, string(p.Encryption), nilIfEmpty(p.Username), nilIfEmpty(p.Password),
		p.SenderAddress, nilIfEmpty(p.SenderName), p.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save profile failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save profile failed: %w", err)
	}
	slog.Debug("PostgresStore.SaveProfile", "id", p.ID, "host", p.Host, "active", p.Active)
	return nil
}

func (s *PostgresStore) ActiveProfile(ctx context.Context) (models.ServerProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM server_profiles WHERE active LIMIT 1`)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNoActiveProfile
	}
	if err != nil {
		return p, fmt.Errorf("get active profile failed: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, t models.Template) error {
	placeholders, err := json.Marshal(t.Placeholders)
	if err != nil {
		return fmt.Errorf("marshal placeholders failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO email_templates (template_key, subject, body, footer, placeholders_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (template_key) DO UPDATE SET subject = EXCLUDED.subject, body = EXCLUDED.body,
		   footer = EXCLUDED.footer, placeholders_json = EXCLUDED.placeholders_json, updated_at = EXCLUDED.updated_at`,
		t.Key, t.Subject, t.Body, nilIfEmpty(t.Footer), string(placeholders), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save template %s failed: %w", t.Key, err)
	}
	slog.Debug("PostgresStore.SaveTemplate", "key", t.Key)
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, key string) (models.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE template_key = $1`, key)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	if err != nil {
		return t, fmt.Errorf("get template %s failed: %w", key, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM email_templates ORDER BY template_key`)
	if err != nil {
		return nil, fmt.Errorf("list templates failed: %w", err)
	}
	defer rows.Close()
	var out []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template failed: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
