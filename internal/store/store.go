// Package store provides storage backends for MailPipe.
//
// It defines the delivery log, the job run ledger and the read-mostly catalog
// of server profiles and templates, with in-memory, SQLite and PostgreSQL
// implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
)

var (
	// ErrNoActiveProfile is returned when no server profile is marked active.
	ErrNoActiveProfile = errors.New("no active smtp server profile")
	// ErrTemplateNotFound is returned for an unknown template key.
	ErrTemplateNotFound = errors.New("email template not found")
	// ErrEntryNotFound is returned when updating a log entry that does not exist.
	ErrEntryNotFound = errors.New("delivery log entry not found")
	// ErrDuplicateDedupeKey is returned by Append when the logical message
	// already has an entry.
	ErrDuplicateDedupeKey = errors.New("delivery log entry with this dedupe key already exists")
	// ErrRunNotFound is returned when finalizing an unknown job run.
	ErrRunNotFound = errors.New("job run not found")
)

// SendableCriteria selects log entries the orchestrator may attempt.
type SendableCriteria struct {
	Status        models.DeliveryStatus
	MaxRetries    int       // only entries with retry_count < MaxRetries; 0 disables the bound
	UpdatedBefore time.Time // only entries updated at or before this instant; zero disables
	Limit         int
}

// DeliveryLog is the durable record of every logical message and its attempts.
// Entries are appended and updated in place, never deleted.
type DeliveryLog interface {
	// Append inserts entry as given, assigning ID and timestamps when empty.
	// An empty DedupeKey defaults to the entry ID.
	Append(ctx context.Context, entry *models.LogEntry) error

	// Get returns the entry with id, or nil if there is none.
	Get(ctx context.Context, id string) (*models.LogEntry, error)

	// FindByDedupeKey returns the entry for a logical message, or nil.
	FindByDedupeKey(ctx context.Context, dedupeKey string) (*models.LogEntry, error)

	// MarkSent sets status sent and sent_at, and clears the error message.
	MarkSent(ctx context.Context, id string, at time.Time) error

	// MarkFailed sets status failed with errMsg. The stored retry count becomes
	// the larger of its current value and retryCount.
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int, at time.Time) error

	// MarkExpired sets status expired.
	MarkExpired(ctx context.Context, id string, at time.Time) error

	// FindSendable enumerates entries matching criteria, oldest update first.
	FindSendable(ctx context.Context, criteria SendableCriteria) ([]models.LogEntry, error)

	// ListEntries returns the newest entries, optionally filtered by status.
	ListEntries(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.LogEntry, error)

	// ExpireOverdue marks pending and failed entries whose deadline has passed
	// as expired and returns how many changed.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// RunLedger records orchestrator executions and arbitrates overlapping runs.
type RunLedger interface {
	// StartRun records a new run for jobName. If a running row for the same
	// job started after now-window, the new row is written as skipped;
	// otherwise it is written as running. The check and insert are atomic.
	StartRun(ctx context.Context, jobName string, window time.Duration, now time.Time) (models.JobRun, error)

	// FinishRun finalizes a running row.
	FinishRun(ctx context.Context, id string, status models.RunStatus, counts models.RunCounts, errMsg string, at time.Time) error

	// ListRuns returns the newest runs, optionally filtered by job name.
	ListRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error)

	// FailStaleRuns marks running rows started before the cutoff as failed.
	FailStaleRuns(ctx context.Context, startedBefore time.Time, reason string) (int, error)
}

// ProfileStore holds SMTP server profiles.
type ProfileStore interface {
	// SaveProfile inserts or updates a profile. Saving an active profile
	// deactivates every other one.
	SaveProfile(ctx context.Context, p models.ServerProfile) error
	// ActiveProfile returns the active profile or ErrNoActiveProfile.
	ActiveProfile(ctx context.Context) (models.ServerProfile, error)
}

// TemplateStore holds email templates keyed by their internal name.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, t models.Template) error
	// GetTemplate returns the template or ErrTemplateNotFound.
	GetTemplate(ctx context.Context, key string) (models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	DeliveryLog
	RunLedger
	ProfileStore
	TemplateStore
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
