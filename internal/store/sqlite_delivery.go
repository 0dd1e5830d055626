package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Append inserts a new delivery log entry.
func (s *SQLiteStore) Append(ctx context.Context, e *models.LogEntry) error {
	prepareEntry(e)
	vars, meta, err := entryJSON(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (`+logEntryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DedupeKey, e.TemplateKey, e.RecipientEmail, nilIfEmpty(e.RecipientUserID), nilIfEmpty(e.Subject),
		vars, meta, string(e.Status), e.ErrorMessage, nilIfNilTime(e.SentAt), e.RetryCount, string(e.Source),
		nilIfNilTime(e.ExpiresAt), e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append %s: %w", e.DedupeKey, ErrDuplicateDedupeKey)
		}
		slog.Error("SQLiteStore.Append failed", "error", err, "id", e.ID)
		return fmt.Errorf("append delivery log entry failed: %w", err)
	}
	slog.Debug("SQLiteStore.Append", "id", e.ID, "dedupeKey", e.DedupeKey, "template", e.TemplateKey)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.LogEntry, error) {
	return s.getOne(ctx, `SELECT `+logEntryColumns+` FROM delivery_log WHERE id = ?`, id)
}

func (s *SQLiteStore) FindByDedupeKey(ctx context.Context, dedupeKey string) (*models.LogEntry, error) {
	return s.getOne(ctx, `SELECT `+logEntryColumns+` FROM delivery_log WHERE dedupe_key = ?`, dedupeKey)
}

func (s *SQLiteStore) getOne(ctx context.Context, query string, arg string) (*models.LogEntry, error) {
	e, err := scanLogEntry(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery log entry failed: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE delivery_log SET status = 'sent', sent_at = ?, error_message = NULL, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE delivery_log SET status = 'failed', error_message = ?, retry_count = MAX(retry_count, ?), updated_at = ?
		 WHERE id = ?`,
		errMsg, retryCount, at.UTC(), id)
}

func (s *SQLiteStore) MarkExpired(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE delivery_log SET status = 'expired', updated_at = ? WHERE id = ?`, at.UTC(), id)
}

func (s *SQLiteStore) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore update failed", "error", err, "id", id)
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

func (s *SQLiteStore) FindSendable(ctx context.Context, c SendableCriteria) ([]models.LogEntry, error) {
	var where []string
	var args []any
	where = append(where, "status = ?")
	args = append(args, string(c.Status))
	if c.MaxRetries > 0 {
		where = append(where, "retry_count < ?")
		args = append(args, c.MaxRetries)
	}
	if !c.UpdatedBefore.IsZero() {
		where = append(where, "updated_at <= ?")
		args = append(args, c.UpdatedBefore.UTC())
	}
	args = append(args, clampLimit(c.Limit))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logEntryColumns+` FROM delivery_log WHERE `+strings.Join(where, " AND ")+
			` ORDER BY updated_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("find sendable entries failed: %w", err)
	}
	return scanLogEntries(rows)
}

func (s *SQLiteStore) ListEntries(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logEntryColumns+` FROM delivery_log WHERE (? = '' OR status = ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(status), string(status), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list delivery log entries failed: %w", err)
	}
	return scanLogEntries(rows)
}

func (s *SQLiteStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET status = 'expired', updated_at = ?
		 WHERE status IN ('pending', 'failed') AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire overdue entries failed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// StartRun decides between running and skipped inside a single INSERT so two
// processes sharing the file cannot both start.
func (s *SQLiteStore) StartRun(ctx context.Context, jobName string, window time.Duration, now time.Time) (models.JobRun, error) {
	id := util.NewRunID()
	now = now.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_name, status, started_at, completed_at, error_message)
		 SELECT ?1, ?2,
		   CASE WHEN b.blocker IS NULL THEN 'running' ELSE 'skipped' END,
		   ?4,
		   CASE WHEN b.blocker IS NULL THEN NULL ELSE ?4 END,
		   CASE WHEN b.blocker IS NULL THEN NULL ELSE 'overlaps running run ' || b.blocker END
		 FROM (SELECT (SELECT id FROM job_runs
		               WHERE job_name = ?2 AND status = 'running' AND started_at > ?3
		               ORDER BY started_at DESC LIMIT 1) AS blocker) AS b`,
		id, jobName, now.Add(-window), now,
	)
	if err != nil {
		slog.Error("SQLiteStore.StartRun failed", "error", err, "job", jobName)
		return models.JobRun{}, fmt.Errorf("start run %s failed: %w", jobName, err)
	}
	run, err := scanJobRun(s.db.QueryRowContext(ctx, `SELECT `+jobRunColumns+` FROM job_runs WHERE id = ?`, id))
	if err != nil {
		return run, fmt.Errorf("read run %s failed: %w", id, err)
	}
	slog.Debug("SQLiteStore.StartRun", "id", run.ID, "job", jobName, "status", run.Status)
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status models.RunStatus, counts models.RunCounts, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, completed_at = ?, discovered_count = ?, sent_count = ?, failed_count = ?,
		   skipped_count = ?, expired_count = ?, error_message = ?
		 WHERE id = ?`,
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

func (s *SQLiteStore) ListRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE (? = '' OR job_name = ?)
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		jobName, jobName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs failed: %w", err)
	}
	return scanJobRuns(rows)
}

func (s *SQLiteStore) FailStaleRuns(ctx context.Context, startedBefore time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = 'failed', completed_at = ?, error_message = ?
		 WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC(), reason, startedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail stale runs failed: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// isUniqueViolation matches the driver error text for both backends.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
