package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AbandonedRunReason is stored on ledger rows failed by StaleRunRecoverer.
const AbandonedRunReason = "abandoned: exceeded overlap window"

// StaleRunRecoverer fails running ledger rows older than the overlap window.
// Such rows belong to a process that died mid-run; they no longer block new
// runs but would otherwise stay running forever.
type StaleRunRecoverer struct {
	Window time.Duration
}

// NewStaleRunRecoverer creates a recoverer for rows older than window.
func NewStaleRunRecoverer(window time.Duration) *StaleRunRecoverer {
	return &StaleRunRecoverer{Window: window}
}

func (s *StaleRunRecoverer) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	cutoff := registry.Now().Add(-s.Window)
	n, err := registry.GetStore().FailStaleRuns(ctx, cutoff, AbandonedRunReason)
	if err != nil {
		return fmt.Errorf("fail stale runs: %w", err)
	}
	if n > 0 {
		slog.Info("StaleRunRecoverer: failed abandoned runs", "count", n, "cutoff", cutoff)
	}
	return nil
}

// ExpiryRecoverer expires pending and failed entries whose deadline passed
// while the process was down.
type ExpiryRecoverer struct{}

func (ExpiryRecoverer) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	n, err := registry.GetStore().ExpireOverdue(ctx, registry.Now())
	if err != nil {
		return fmt.Errorf("expire overdue entries: %w", err)
	}
	if n > 0 {
		slog.Info("ExpiryRecoverer: expired overdue entries", "count", n)
	}
	return nil
}
