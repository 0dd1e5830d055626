package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
)

// Source discovers recipients that should receive a message. Implementations
// must be safe to call once per run; dedupe keys make repeated discovery of
// the same recipient harmless.
type Source interface {
	SourceName() string
	Discover(ctx context.Context) ([]models.SendRequest, error)
}

// Orchestrator executes delivery runs: first contact, then state change, then
// retries, one item at a time. Overlapping runs are arbitrated through the
// job run ledger.
type Orchestrator struct {
	store  store.Store
	engine *Engine
	opts   Opts
}

// NewOrchestrator creates an orchestrator and the Engine it delivers with.
func NewOrchestrator(st store.Store, sender Sender, opts ...Option) *Orchestrator {
	cfg := buildOpts(opts)
	return &Orchestrator{
		store:  st,
		engine: &Engine{store: st, sender: sender, opts: cfg},
		opts:   cfg,
	}
}

// Engine returns the engine used for per-item delivery.
func (o *Orchestrator) Engine() *Engine {
	return o.engine
}

// JobName returns the ledger name of this orchestrator's runs.
func (o *Orchestrator) JobName() string {
	return o.opts.JobName
}

// OverlapWindow returns how long a running row blocks new runs.
func (o *Orchestrator) OverlapWindow() time.Duration {
	return o.opts.OverlapWindow
}

// runState carries counters and the entries touched during one run.
type runState struct {
	counts    models.RunCounts
	attempted map[string]bool
	errs      []error
}

// Run performs one delivery run. A run that overlaps another running run is
// recorded as skipped and returned without doing any work. Source errors do
// not stop the run; they are reported in the final ledger row.
func (o *Orchestrator) Run(ctx context.Context) (models.JobRun, error) {
	now := o.opts.Clock().UTC()
	run, err := o.store.StartRun(ctx, o.opts.JobName, o.opts.OverlapWindow, now)
	if err != nil {
		return run, fmt.Errorf("start run: %w", err)
	}
	if run.Status == models.RunStatusSkipped {
		slog.Info("Orchestrator.Run: skipped, another run is active", "id", run.ID, "job", run.JobName, "reason", run.ErrorMessage)
		return run, nil
	}
	slog.Info("Orchestrator.Run: started", "id", run.ID, "job", run.JobName)

	state := &runState{attempted: make(map[string]bool)}
	runErr := o.execute(ctx, state, now)
	return o.finish(ctx, run, state, runErr)
}

func (o *Orchestrator) execute(ctx context.Context, state *runState, now time.Time) error {
	profile, err := o.engine.ActiveProfile(ctx)
	if err != nil {
		return err
	}

	n, err := o.store.ExpireOverdue(ctx, now)
	if err != nil {
		return err
	}
	state.counts.Expired += n

	// (a) first contact: queued outbox entries, then first contact sources.
	pending, err := o.store.FindSendable(ctx, store.SendableCriteria{
		Status: models.DeliveryStatusPending,
		Limit:  o.opts.BatchLimit,
	})
	if err != nil {
		return err
	}
	if err := o.deliverAll(ctx, state, profile, pending); err != nil {
		return err
	}
	if err := o.runSources(ctx, state, profile, StageFirstContact, models.SourceFirstContact); err != nil {
		return err
	}

	// (b) state change.
	if err := o.runSources(ctx, state, profile, StageStateChange, models.SourceStateChange); err != nil {
		return err
	}

	// (c) retries of earlier failures, excluding anything attempted in this run.
	failed, err := o.store.FindSendable(ctx, store.SendableCriteria{
		Status:        models.DeliveryStatusFailed,
		MaxRetries:    o.opts.MaxRetries,
		UpdatedBefore: now.Add(-o.opts.RetryDelay),
		Limit:         o.opts.BatchLimit,
	})
	if err != nil {
		return err
	}
	retry := failed[:0]
	for _, e := range failed {
		if !state.attempted[e.ID] {
			retry = append(retry, e)
		}
	}
	if err := o.deliverAll(ctx, state, profile, retry); err != nil {
		return err
	}

	return errors.Join(state.errs...)
}

// runSources discovers recipients for stage and delivers the new ones.
func (o *Orchestrator) runSources(ctx context.Context, state *runState, profile models.ServerProfile, stage Stage, source models.WorkSource) error {
	for _, src := range o.opts.Sources[stage] {
		if err := ctx.Err(); err != nil {
			return err
		}
		reqs, err := src.Discover(ctx)
		if err != nil {
			slog.Error("Orchestrator.runSources: discovery failed", "stage", stage, "source", src.SourceName(), "error", err)
			state.errs = append(state.errs, fmt.Errorf("source %s: %w", src.SourceName(), err))
			continue
		}
		slog.Debug("Orchestrator.runSources: discovered", "stage", stage, "source", src.SourceName(), "count", len(reqs))

		var fresh []models.LogEntry
		for _, req := range reqs {
			state.counts.Discovered++
			entry, created, err := o.engine.intake(ctx, req, source)
			if err != nil {
				slog.Warn("Orchestrator.runSources: rejected candidate", "source", src.SourceName(), "dedupeKey", req.DedupeKey, "error", err)
				state.counts.Failed++
				continue
			}
			if !created {
				// Already sent, or owned by the pending or retry path.
				state.counts.Skipped++
				continue
			}
			fresh = append(fresh, entry)
		}
		if err := o.deliverEach(ctx, state, profile, fresh); err != nil {
			return err
		}
	}
	return nil
}

// deliverAll delivers entries read from the log, counting each as discovered.
func (o *Orchestrator) deliverAll(ctx context.Context, state *runState, profile models.ServerProfile, entries []models.LogEntry) error {
	state.counts.Discovered += len(entries)
	return o.deliverEach(ctx, state, profile, entries)
}

// deliverEach delivers entries sequentially. A failed item is counted and
// logged; only context cancellation stops the loop.
func (o *Orchestrator) deliverEach(ctx context.Context, state *runState, profile models.ServerProfile, entries []models.LogEntry) error {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.attempted[entry.ID] = true
		outcome, err := o.engine.Deliver(ctx, profile, entry)
		switch outcome {
		case OutcomeSent:
			state.counts.Sent++
		case OutcomeSkipped:
			state.counts.Skipped++
		case OutcomeExpired:
			state.counts.Expired++
		default:
			state.counts.Failed++
		}
		if err != nil {
			slog.Warn("Orchestrator.deliverEach: item failed", "id", entry.ID, "outcome", outcome, "error", err)
		}
	}
	return nil
}

// finish writes the final ledger row even when ctx has been cancelled.
func (o *Orchestrator) finish(ctx context.Context, run models.JobRun, state *runState, runErr error) (models.JobRun, error) {
	at := o.opts.Clock().UTC()
	run.Counts = state.counts
	run.CompletedAt = &at
	run.Status = models.RunStatusCompleted
	if runErr != nil {
		run.Status = models.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	}
	if err := o.store.FinishRun(context.WithoutCancel(ctx), run.ID, run.Status, run.Counts, run.ErrorMessage, at); err != nil {
		slog.Error("Orchestrator.finish: ledger update failed", "id", run.ID, "error", err)
		return run, errors.Join(runErr, err)
	}
	slog.Info("Orchestrator.Run: finished", "id", run.ID, "status", run.Status,
		"discovered", run.Counts.Discovered, "sent", run.Counts.Sent, "failed", run.Counts.Failed,
		"skipped", run.Counts.Skipped, "expired", run.Counts.Expired)
	return run, runErr
}
