package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Default page sizes for list queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilTime converts an optional timestamp for a nullable column.
func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// prepareEntry fills defaults before an entry is inserted.
func prepareEntry(e *models.LogEntry) {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = util.NewMessageID()
	}
	if e.DedupeKey == "" {
		e.DedupeKey = e.ID
	}
	if e.Status == "" {
		e.Status = models.DeliveryStatusPending
	}
	if e.Source == "" {
		e.Source = models.SourceOutbox
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
}

// entryJSON marshals the variable and metadata snapshot of an entry.
func entryJSON(e *models.LogEntry) (vars, meta string, err error) {
	v, err := json.Marshal(e.Variables)
	if err != nil {
		return "", "", fmt.Errorf("marshal variables failed: %w", err)
	}
	m, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("marshal metadata failed: %w", err)
	}
	return string(v), string(m), nil
}

// logEntryColumns is the column list matched by scanLogEntry.
const logEntryColumns = `id, dedupe_key, template_key, recipient_email, recipient_user_id, subject,
	variables_json, metadata_json, status, error_message, sent_at, retry_count, source, expires_at,
	created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanLogEntry scans a LogEntry from a row selected with logEntryColumns.
func scanLogEntry(row rowScanner) (models.LogEntry, error) {
	var e models.LogEntry
	var recipientUserID, subject, varsJSON, metaJSON, errorMessage sql.NullString
	var sentAt, expiresAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.DedupeKey, &e.TemplateKey, &e.RecipientEmail, &recipientUserID, &subject,
		&varsJSON, &metaJSON, &e.Status, &errorMessage, &sentAt, &e.RetryCount, &e.Source, &expiresAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.RecipientUserID = recipientUserID.String
	e.Subject = subject.String
	if errorMessage.Valid {
		msg := errorMessage.String
		e.ErrorMessage = &msg
	}
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if varsJSON.Valid && varsJSON.String != "" && varsJSON.String != "null" {
		if err := json.Unmarshal([]byte(varsJSON.String), &e.Variables); err != nil {
			return e, fmt.Errorf("unmarshal variables failed: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("unmarshal metadata failed: %w", err)
		}
	}
	return e, nil
}

// scanLogEntries drains rows into a slice.
func scanLogEntries(rows *sql.Rows) ([]models.LogEntry, error) {
	defer rows.Close()
	var out []models.LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log entry failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log entry iteration failed: %w", err)
	}
	return out, nil
}

// jobRunColumns is the column list matched by scanJobRun.
const jobRunColumns = `id, job_name, status, started_at, completed_at, discovered_count, sent_count,
	failed_count, skipped_count, expired_count, error_message`

// scanJobRun scans a JobRun from a row selected with jobRunColumns.
func scanJobRun(row rowScanner) (models.JobRun, error) {
	var r models.JobRun
	var completedAt sql.NullTime
	var errorMessage sql.NullString
	err := row.Scan(
		&r.ID, &r.JobName, &r.Status, &r.StartedAt, &completedAt,
		&r.Counts.Discovered, &r.Counts.Sent, &r.Counts.Failed, &r.Counts.Skipped, &r.Counts.Expired,
		&errorMessage,
	)
	if err != nil {
		return r, err
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	r.ErrorMessage = errorMessage.String
	return r, nil
}

func scanJobRuns(rows *sql.Rows) ([]models.JobRun, error) {
	defer rows.Close()
	var out []models.JobRun
	for rows.Next() {
		r, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run failed: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job run iteration failed: %w", err)
	}
	return out, nil
}

// profileColumns is the column list matched by scanProfile.
const profileColumns = `id, name, host, port, encryption, username, password, sender_address, sender_name, active`

func scanProfile(row rowScanner) (models.ServerProfile, error) {
	var p models.ServerProfile
	var name, username, password, senderName sql.NullString
	err := row.Scan(&p.ID, &name, &p.Host, &p.Port, &p.Encryption, &username, &password,
		&p.SenderAddress, &senderName, &p.Active)
	if err != nil {
		return p, err
	}
	p.Name = name.String
	p.Username = username.String
	p.Password = password.String
	p.SenderName = senderName.String
	return p, nil
}

// templateColumns is the column list matched by scanTemplate.
const templateColumns = `template_key, subject, body, footer, placeholders_json, updated_at`

func scanTemplate(row rowScanner) (models.Template, error) {
	var t models.Template
	var footer, placeholders sql.NullString
	if err := row.Scan(&t.Key, &t.Subject, &t.Body, &footer, &placeholders, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Footer = footer.String
	if placeholders.Valid && placeholders.String != "" && placeholders.String != "null" {
		if err := json.Unmarshal([]byte(placeholders.String), &t.Placeholders); err != nil {
			return t, fmt.Errorf("unmarshal placeholders failed: %w", err)
		}
	}
	return t, nil
}
