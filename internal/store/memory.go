package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// InMemoryStore is a mutex-guarded store used for tests and for running
// without a database. Nothing survives a restart.
type InMemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*models.LogEntry
	byDedupe  map[string]string
	runs      []*models.JobRun
	profiles  map[string]models.ServerProfile
	templates map[string]models.Template
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries:   make(map[string]*models.LogEntry),
		byDedupe:  make(map[string]string),
		profiles:  make(map[string]models.ServerProfile),
		templates: make(map[string]models.Template),
	}
}

func cloneEntry(e *models.LogEntry) *models.LogEntry {
	cp := *e
	if e.Variables != nil {
		cp.Variables = make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			cp.Variables[k] = v
		}
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (s *InMemoryStore) Append(ctx context.Context, entry *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareEntry(entry)
	if _, ok := s.byDedupe[entry.DedupeKey]; ok {
		return fmt.Errorf("append %s: %w", entry.DedupeKey, ErrDuplicateDedupeKey)
	}
	s.entries[entry.ID] = cloneEntry(entry)
	s.byDedupe[entry.DedupeKey] = entry.ID
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

func (s *InMemoryStore) FindByDedupeKey(ctx context.Context, dedupeKey string) (*models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDedupe[dedupeKey]
	if !ok {
		return nil, nil
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *InMemoryStore) update(id string, fn func(e *models.LogEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrEntryNotFound)
	}
	fn(e)
	return nil
}

func (s *InMemoryStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(e *models.LogEntry) {
		e.Status = models.DeliveryStatusSent
		e.SentAt = &at
		e.ErrorMessage = nil
		e.UpdatedAt = at
	})
}

func (s *InMemoryStore) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int, at time.Time) error {
	return s.update(id, func(e *models.LogEntry) {
		e.Status = models.DeliveryStatusFailed
		e.ErrorMessage = &errMsg
		if retryCount > e.RetryCount {
			e.RetryCount = retryCount
		}
		e.UpdatedAt = at
	})
}

func (s *InMemoryStore) MarkExpired(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(e *models.LogEntry) {
		e.Status = models.DeliveryStatusExpired
		e.UpdatedAt = at
	})
}

func (s *InMemoryStore) FindSendable(ctx context.Context, c SendableCriteria) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LogEntry
	for _, e := range s.entries {
		if e.Status != c.Status {
			continue
		}
		if c.MaxRetries > 0 && e.RetryCount >= c.MaxRetries {
			continue
		}
		if !c.UpdatedBefore.IsZero() && e.UpdatedAt.After(c.UpdatedBefore) {
			continue
		}
		out = append(out, *cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListEntries(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LogEntry
	for _, e := range s.entries {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, *cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Status != models.DeliveryStatusPending && e.Status != models.DeliveryStatusFailed {
			continue
		}
		if e.Expired(now) {
			e.Status = models.DeliveryStatusExpired
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) StartRun(ctx context.Context, jobName string, window time.Duration, now time.Time) (models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := models.JobRun{
		ID:        util.NewRunID(),
		JobName:   jobName,
		Status:    models.RunStatusRunning,
		StartedAt: now,
	}
	cutoff := now.Add(-window)
	for _, r := range s.runs {
		if r.JobName == jobName && r.Status == models.RunStatusRunning && r.StartedAt.After(cutoff) {
			run.Status = models.RunStatusSkipped
			run.CompletedAt = &now
			run.ErrorMessage = "overlaps running run " + r.ID
			break
		}
	}
	cp := run
	s.runs = append(s.runs, &cp)
	return run, nil
}

func (s *InMemoryStore) FinishRun(ctx context.Context, id string, status models.RunStatus, counts models.RunCounts, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == id {
			r.Status = status
			r.Counts = counts
			r.ErrorMessage = errMsg
			r.CompletedAt = &at
			return nil
		}
	}
	return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
}

func (s *InMemoryStore) ListRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if jobName != "" && r.JobName != jobName {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) FailStaleRuns(ctx context.Context, startedBefore time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, r := range s.runs {
		if r.Status == models.RunStatusRunning && r.StartedAt.Before(startedBefore) {
			r.Status = models.RunStatusFailed
			r.ErrorMessage = reason
			r.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveProfile(ctx context.Context, p models.ServerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = util.NewProfileID()
	}
	if p.Active {
		for id, other := range s.profiles {
			other.Active = false
			s.profiles[id] = other
		}
	}
	s.profiles[p.ID] = p
	return nil
}

func (s *InMemoryStore) ActiveProfile(ctx context.Context) (models.ServerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Active {
			return p, nil
		}
	}
	return models.ServerProfile{}, ErrNoActiveProfile
}

func (s *InMemoryStore) SaveTemplate(ctx context.Context, t models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now()
	s.templates[t.Key] = t
	return nil
}

func (s *InMemoryStore) GetTemplate(ctx context.Context, key string) (models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[key]
	if !ok {
		return models.Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	return t, nil
}

func (s *InMemoryStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
