package delivery

import (
	"time"
)

// Defaults for the delivery job.
const (
	DefaultJobName       = "email_delivery"
	DefaultMaxRetries    = 3
	DefaultOverlapWindow = 2 * time.Hour
	DefaultBatchLimit    = 100
)

// Stage is one of the fixed, ordered work stages of a delivery run.
type Stage string

const (
	StageFirstContact Stage = "first_contact"
	StageStateChange  Stage = "state_change"
	StageRetry        Stage = "retry"
)

// Opts holds configuration shared by Engine and Orchestrator.
type Opts struct {
	JobName       string
	MaxRetries    int
	OverlapWindow time.Duration
	RetryDelay    time.Duration
	BatchLimit    int
	Clock         func() time.Time
	Sources       map[Stage][]Source
}

// Option configures delivery components.
type Option func(*Opts)

// WithJobName sets the ledger job name used by the overlap guard.
func WithJobName(name string) Option {
	return func(o *Opts) { o.JobName = name }
}

// WithMaxRetries sets how many failed attempts an entry gets before the
// retry stage stops picking it up.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithOverlapWindow sets how long a running ledger row blocks new runs.
func WithOverlapWindow(d time.Duration) Option {
	return func(o *Opts) { o.OverlapWindow = d }
}

// WithRetryDelay sets the minimum age of a failed entry before it is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// WithBatchLimit caps the entries read per stage query.
func WithBatchLimit(n int) Option {
	return func(o *Opts) { o.BatchLimit = n }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithSource registers a discovery source for the first contact or state
// change stage. Sources run in registration order.
func WithSource(stage Stage, src Source) Option {
	return func(o *Opts) {
		if o.Sources == nil {
			o.Sources = make(map[Stage][]Source)
		}
		o.Sources[stage] = append(o.Sources[stage], src)
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		JobName:       DefaultJobName,
		MaxRetries:    DefaultMaxRetries,
		OverlapWindow: DefaultOverlapWindow,
		BatchLimit:    DefaultBatchLimit,
		Clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.OverlapWindow <= 0 {
		cfg.OverlapWindow = DefaultOverlapWindow
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}
