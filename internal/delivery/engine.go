// Package delivery turns send requests and discovered recipients into
// delivered email, recording every attempt in the delivery log.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/render"
	"github.com/BTreeMap/MailPipe/internal/store"
)

var (
	// ErrInvalidRequest wraps validation failures of a SendRequest.
	ErrInvalidRequest = errors.New("invalid send request")
	// ErrInvalidProfile wraps validation failures of the active server
	// profile. It is a configuration error and never consumes a retry.
	ErrInvalidProfile = errors.New("invalid server profile")
)

// Sender transmits one rendered message. *smtp.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, profile models.ServerProfile, to, subject, htmlBody string) error
}

// Outcome is the result of delivering a single log entry.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeExpired Outcome = "expired"
)

// Engine is the entry point used by calling features. It resolves templates
// and the active server profile itself, so callers never handle credentials.
type Engine struct {
	store  store.Store
	sender Sender
	opts   Opts
}

// NewEngine creates an Engine over st that sends with sender.
func NewEngine(st store.Store, sender Sender, opts ...Option) *Engine {
	return &Engine{store: st, sender: sender, opts: buildOpts(opts)}
}

// Enqueue validates req and records it as a pending entry. Unknown templates
// and invalid requests are reported immediately. If an entry already exists
// for the request's dedupe key it is returned unchanged.
func (e *Engine) Enqueue(ctx context.Context, req models.SendRequest) (models.LogEntry, error) {
	entry, _, err := e.intake(ctx, req, models.SourceOutbox)
	return entry, err
}

// intake appends req with the given source. created is false when an entry
// for the dedupe key already existed.
func (e *Engine) intake(ctx context.Context, req models.SendRequest, source models.WorkSource) (entry models.LogEntry, created bool, err error) {
	if err := req.Validate(); err != nil {
		return entry, false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.DedupeKey != "" {
		existing, err := e.store.FindByDedupeKey(ctx, req.DedupeKey)
		if err != nil {
			return entry, false, err
		}
		if existing != nil {
			slog.Debug("Engine.intake: dedupe key already recorded", "dedupeKey", req.DedupeKey, "id", existing.ID, "status", existing.Status)
			return *existing, false, nil
		}
	}

	tmpl, err := e.store.GetTemplate(ctx, req.TemplateKey)
	if err != nil {
		return entry, false, err
	}

	entry = models.NewLogEntry(req, source)
	entry.Subject = render.String(tmpl.Subject, req.Variables)
	entry.CreatedAt = e.opts.Clock().UTC()
	entry.UpdatedAt = entry.CreatedAt
	if err := e.store.Append(ctx, &entry); err != nil {
		if errors.Is(err, store.ErrDuplicateDedupeKey) {
			// Lost a race with a concurrent intake of the same message.
			existing, ferr := e.store.FindByDedupeKey(ctx, req.DedupeKey)
			if ferr == nil && existing != nil {
				return *existing, false, nil
			}
		}
		return entry, false, err
	}
	slog.Info("Engine.intake: entry recorded", "id", entry.ID, "template", entry.TemplateKey, "source", source)
	return entry, true, nil
}

// ActiveProfile returns the active server profile after validating it.
func (e *Engine) ActiveProfile(ctx context.Context) (models.ServerProfile, error) {
	profile, err := e.store.ActiveProfile(ctx)
	if err != nil {
		return profile, err
	}
	if err := profile.Validate(); err != nil {
		return profile, fmt.Errorf("%w %q: %w", ErrInvalidProfile, profile.Name, err)
	}
	return profile, nil
}

// SendNow records req and delivers it immediately with the active profile.
// It returns the entry as stored after the attempt together with the send
// error, if any. The profile is resolved first: a configuration error
// records nothing, so no later run sends a message the caller was told failed.
func (e *Engine) SendNow(ctx context.Context, req models.SendRequest) (models.LogEntry, error) {
	profile, err := e.ActiveProfile(ctx)
	if err != nil {
		return models.LogEntry{}, err
	}
	entry, err := e.Enqueue(ctx, req)
	if err != nil {
		return entry, err
	}
	_, sendErr := e.Deliver(ctx, profile, entry)
	updated, err := e.store.Get(ctx, entry.ID)
	if err != nil {
		return entry, errors.Join(sendErr, err)
	}
	if updated != nil {
		entry = *updated
	}
	return entry, sendErr
}

// Deliver makes one attempt at entry using profile. The entry is re-read
// first: sent and expired entries are skipped, so a message that already
// went out is never sent twice.
func (e *Engine) Deliver(ctx context.Context, profile models.ServerProfile, entry models.LogEntry) (Outcome, error) {
	// A broken profile is not the entry's fault: leave it untouched.
	if err := profile.Validate(); err != nil {
		return OutcomeFailed, fmt.Errorf("%w %q: %w", ErrInvalidProfile, profile.Name, err)
	}
	current, err := e.store.Get(ctx, entry.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if current == nil {
		return OutcomeFailed, fmt.Errorf("deliver %s: %w", entry.ID, store.ErrEntryNotFound)
	}
	switch current.Status {
	case models.DeliveryStatusSent, models.DeliveryStatusExpired:
		slog.Debug("Engine.Deliver: skipping", "id", current.ID, "status", current.Status)
		return OutcomeSkipped, nil
	}

	now := e.opts.Clock().UTC()
	if current.Expired(now) {
		if err := e.store.MarkExpired(ctx, current.ID, now); err != nil {
			return OutcomeFailed, err
		}
		slog.Info("Engine.Deliver: entry expired", "id", current.ID)
		return OutcomeExpired, nil
	}

	tmpl, err := e.store.GetTemplate(ctx, current.TemplateKey)
	if err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			// Configuration error: park the entry so retries leave it alone.
			slog.Error("Engine.Deliver: template missing", "id", current.ID, "template", current.TemplateKey)
			if merr := e.store.MarkFailed(ctx, current.ID, err.Error(), e.opts.MaxRetries, now); merr != nil {
				return OutcomeFailed, errors.Join(err, merr)
			}
		}
		return OutcomeFailed, err
	}

	subject, body := render.Render(tmpl, current.Variables)
	sendErr := e.sender.Send(ctx, profile, current.RecipientEmail, subject, body)
	done := e.opts.Clock().UTC()
	if sendErr != nil {
		retries := current.RetryCount + 1
		slog.Warn("Engine.Deliver: send failed", "id", current.ID, "host", profile.Host, "retryCount", retries, "error", sendErr)
		if err := e.store.MarkFailed(ctx, current.ID, sendErr.Error(), retries, done); err != nil {
			return OutcomeFailed, errors.Join(sendErr, err)
		}
		return OutcomeFailed, sendErr
	}
	if err := e.store.MarkSent(ctx, current.ID, done); err != nil {
		slog.Error("Engine.Deliver: message sent but log update failed", "id", current.ID, "error", err)
		return OutcomeSent, err
	}
	slog.Info("Engine.Deliver: sent", "id", current.ID, "template", current.TemplateKey, "host", profile.Host)
	return OutcomeSent, nil
}
