package graph

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/interruptgraph/graph/emit"
	"github.com/dshills/interruptgraph/graph/store"
)

// Defaults applied by New.
const (
	DefaultMaxSteps        = 25
	DefaultConflictRetries = 3
	DefaultConflictBackoff = 20 * time.Millisecond
	DefaultLeaseTTL        = 30 * time.Second
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(g, st,
//	    graph.WithMaxSteps(40),
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stderr, true)),
//	    graph.WithLogger(logger),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	maxSteps        int
	conflictRetries int
	conflictBackoff time.Duration
	stepTimeout     time.Duration

	emitter emit.Emitter
	metrics *PrometheusMetrics
	logger  *slog.Logger

	locker   store.Locker
	leaseTTL time.Duration

	now       func() time.Time
	ticketIDs func() string
}

func defaultConfig() engineConfig {
	return engineConfig{
		maxSteps:        DefaultMaxSteps,
		conflictRetries: DefaultConflictRetries,
		conflictBackoff: DefaultConflictBackoff,
		emitter:         emit.NewNullEmitter(),
		logger:          slog.New(slog.DiscardHandler),
		leaseTTL:        DefaultLeaseTTL,
		now:             func() time.Time { return time.Now().UTC() },
		ticketIDs:       uuid.NewString,
	}
}

// WithMaxSteps limits how many steps a run may execute before it fails with
// ErrStepBudgetExceeded. Cycles in the graph are allowed, so every run needs
// a budget.
//
// Default: 25.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Message: "max steps must be at least 1", Code: "INVALID_OPTION"}
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithConflictRetries sets how many times the engine retries a checkpoint
// write that lost a compare-and-swap race to a writer that did not advance
// the run.
//
// Default: 3. Zero disables retries.
func WithConflictRetries(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "conflict retries cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.conflictRetries = n
		return nil
	}
}

// WithConflictBackoff sets the base delay between conflict retries.
// Delays grow exponentially with jitter.
func WithConflictBackoff(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "conflict backoff cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.conflictBackoff = d
		return nil
	}
}

// WithDefaultStepTimeout bounds every step that has no StepTimeout of its
// own. Zero means no timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "step timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.stepTimeout = d
		return nil
	}
}

// WithEmitter sets the receiver of run events.
//
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			e = emit.NewNullEmitter()
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the structured logger.
//
// Default: a logger that discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if l != nil {
			cfg.logger = l
		}
		return nil
	}
}

// WithLocker adds a distributed lease on top of the in-process one so that
// only one process advances a run at a time. ttl bounds how long a crashed
// holder can block others; zero uses DefaultLeaseTTL.
func WithLocker(locker store.Locker, ttl time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.locker = locker
		if ttl > 0 {
			cfg.leaseTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source used for tickets, errors and run
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return &EngineError{Message: "clock cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.now = now
		return nil
	}
}

// WithTicketIDs overrides ticket ID generation.
func WithTicketIDs(gen func() string) Option {
	return func(cfg *engineConfig) error {
		if gen == nil {
			return &EngineError{Message: "ticket ID generator cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.ticketIDs = gen
		return nil
	}
}
