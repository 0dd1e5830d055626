package models

import "time"

// DeliveryStatus is the lifecycle state of a delivery log entry.
type DeliveryStatus string

const (
	// DeliveryStatusPending means the message is waiting for its first attempt.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusSent means the server accepted the message.
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusFailed means the last attempt failed.
	DeliveryStatusFailed DeliveryStatus = "failed"
	// DeliveryStatusExpired means the message passed its deadline before it was sent.
	DeliveryStatusExpired DeliveryStatus = "expired"
)

// IsValidDeliveryStatus checks if the given status is known.
func IsValidDeliveryStatus(s DeliveryStatus) bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusFailed, DeliveryStatusExpired:
		return true
	default:
		return false
	}
}

// WorkSource names where an entry was discovered.
type WorkSource string

const (
	// SourceOutbox marks entries enqueued directly by a calling feature.
	SourceOutbox WorkSource = "outbox"
	// SourceFirstContact marks entries discovered by a first-contact query.
	SourceFirstContact WorkSource = "first_contact"
	// SourceStateChange marks entries discovered by a state-change query.
	SourceStateChange WorkSource = "state_change"
)

// LogEntry is the delivery log row for one logical message. Attempts update
// the row in place; it is never deleted by the engine.
//
// Status sent implies SentAt is set and ErrorMessage is nil. RetryCount only
// ever grows.
type LogEntry struct {
	ID              string            `json:"id"`
	DedupeKey       string            `json:"dedupe_key"`
	TemplateKey     string            `json:"template_key"`
	RecipientEmail  string            `json:"recipient_email"`
	RecipientUserID string            `json:"recipient_user_id,omitempty"`
	Subject         string            `json:"subject,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Status          DeliveryStatus    `json:"status"`
	ErrorMessage    *string           `json:"error_message"`
	SentAt          *time.Time        `json:"sent_at"`
	RetryCount      int               `json:"retry_count"`
	Source          WorkSource        `json:"source"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Expired reports whether the entry has a deadline at or before now.
func (e *LogEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// NewLogEntry builds a pending entry from a validated request.
func NewLogEntry(req SendRequest, source WorkSource) LogEntry {
	return LogEntry{
		DedupeKey:       req.DedupeKey,
		TemplateKey:     req.TemplateKey,
		RecipientEmail:  req.RecipientEmail,
		RecipientUserID: req.RecipientUserID,
		Variables:       req.Variables,
		Metadata:        req.Metadata,
		Status:          DeliveryStatusPending,
		Source:          source,
		ExpiresAt:       req.ExpiresAt,
	}
}

// RunStatus is the state of one orchestrator execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// RunCounts are the aggregate counters stored on a finished run.
type RunCounts struct {
	Discovered int `json:"discovered"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Expired    int `json:"expired"`
}

// JobRun is one row of the job run ledger.
type JobRun struct {
	ID           string     `json:"id"`
	JobName      string     `json:"job_name"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Counts       RunCounts  `json:"counts"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
