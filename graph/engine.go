package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dshills/interruptgraph/graph/emit"
	"github.com/dshills/interruptgraph/graph/store"
)

// Engine executes runs of a compiled Graph and persists them through a
// checkpoint store.
//
// The Engine:
//   - Creates runs and advances them one step at a time
//   - Merges each step's delta into the run's State
//   - Routes through the graph's edges
//   - Suspends runs that ask for an external decision and resumes them later
//   - Writes a checkpoint after every step using compare-and-swap
//   - Emits run events, logs and metrics
//
// An Engine is safe for concurrent use. Work on a single run is serialized;
// different runs proceed independently. Suspended runs hold no memory.
//
// Example:
//
//	g, _ := b.Compile("classify")
//	engine, err := graph.New(g, store.NewMemStore())
//	res, err := engine.StartOrResume(ctx, "run-001", "show revenue by region")
//	if res.Outcome == graph.OutcomeSuspended {
//	    res, err = engine.Resume(ctx, "run-001", res.Ticket.ID, answer)
//	}
type Engine struct {
	graph  *Graph
	store  store.Store
	cfg    engineConfig
	leases *leaseTable
}

// New creates an Engine for g backed by st.
func New(g *Graph, st store.Store, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, &EngineError{Message: "graph is required", Code: "MISSING_GRAPH"}
	}
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Engine{
		graph:  g,
		store:  st,
		cfg:    cfg,
		leases: newLeaseTable(cfg.locker, cfg.leaseTTL),
	}, nil
}

// Graph returns the engine's graph.
func (e *Engine) Graph() *Graph { return e.graph }

// StartOrResume creates the run if it does not exist and advances it until
// it completes, suspends or fails.
//
// input is appended as a user message only when the run is created; use
// Continue to add a turn to a completed run. For an existing run:
//   - running: execution continues from the last checkpoint (crash recovery)
//   - suspended: the outstanding ticket is returned
//   - completed or failed: the result is returned without executing anything
//   - cancelled: ErrRunCancelled
//
// A step failure returns a failed RunResult together with the error.
func (e *Engine) StartOrResume(ctx context.Context, runID, input string) (RunResult, error) {
	if runID == "" {
		return RunResult{}, &EngineError{Message: "run ID cannot be empty", Code: "INVALID_RUN_ID"}
	}
	if err := checkInput(input); err != nil {
		return RunResult{}, err
	}

	release, err := e.leases.acquire(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	run, err := e.load(ctx, runID)
	switch {
	case errors.Is(err, ErrNotFound):
		run, err = e.create(ctx, runID, input)
		if err != nil {
			return RunResult{}, err
		}
	case err != nil:
		return RunResult{}, err
	default:
		if input != "" {
			e.cfg.logger.Debug("ignoring input for existing run", "run_id", runID, "status", run.Status)
		}
	}

	switch run.Status {
	case StatusRunning:
		return e.finish(e.advance(ctx, run))
	case StatusCancelled:
		return RunResult{}, ErrRunCancelled
	default:
		return resultOf(run), nil
	}
}

// Resume delivers the caller's response to a suspended run and advances it.
//
// The response is mapped by the suspending step's Resumer, or by
// DefaultResponseMapping, and merged as that step's output. The ticket is
// consumed and routing continues from the suspending step without running
// it again. A rejected response returns ErrInvalidResponse and leaves the run
// and its ticket untouched.
func (e *Engine) Resume(ctx context.Context, runID, ticketID string, response []byte) (RunResult, error) {
	release, err := e.leases.acquire(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	run, err := e.load(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		e.cfg.metrics.RecordResume("ticket_not_found")
		return RunResult{}, fmt.Errorf("%w: run %s does not exist", ErrTicketNotFound, runID)
	}
	if err != nil {
		return RunResult{}, err
	}

	if err := checkResumable(run, ticketID); err != nil {
		e.cfg.metrics.RecordResume(resumeLabel(err))
		return RunResult{}, err
	}

	step := run.Ticket.Step
	def, ok := e.graph.step(step)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: suspended at %s", ErrUnknownStep, step)
	}

	delta, err := responseDelta(ctx, e.graph.schema, def, run.State, response)
	if err != nil {
		e.cfg.metrics.RecordResume("invalid_response")
		return RunResult{}, err
	}
	merged, err := Merge(e.graph.schema, run.State, delta)
	if err != nil {
		e.cfg.metrics.RecordResume("invalid_response")
		return RunResult{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	next := run.clone()
	next.State = merged
	next.consumeTicket()
	next.Status = StatusRunning

	to, err := e.graph.Next(step, merged)
	if err != nil {
		e.cfg.metrics.RecordResume("accepted")
		return e.finish(e.failRun(ctx, run, next, step, err))
	}
	if to == End {
		next.Status = StatusCompleted
	}
	next.Cursor = to

	committed, err := e.commit(ctx, run, next)
	if err != nil {
		return RunResult{}, err
	}
	e.cfg.metrics.RecordResume("accepted")
	e.emit(committed, step, emit.MsgRunResumed, map[string]any{"ticket_id": ticketID, "next": to})
	e.cfg.logger.Info("run resumed", "run_id", runID, "step", step, "next", to)

	if committed.Status == StatusCompleted {
		e.emit(committed, step, emit.MsgRunCompleted, nil)
		return e.finish(resultOf(committed), nil)
	}
	return e.finish(e.advance(ctx, committed))
}

// Cancel marks a run cancelled. A cancelled run never advances again and its
// outstanding ticket can no longer be used.
//
// Cancel does not wait for an in-flight step; the advancing call notices the
// cancellation at its next checkpoint and returns ErrRunCancelled.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*Run, error) {
	for attempt := 0; ; attempt++ {
		run, err := e.load(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case StatusCancelled:
			return run, nil
		case StatusCompleted:
			return nil, fmt.Errorf("%w: %s", ErrRunCompleted, runID)
		}

		next := run.clone()
		next.Status = StatusCancelled
		next.CancelReason = reason
		next.consumeTicket()
		next.UpdatedAt = e.cfg.now()

		saved, err := e.save(ctx, next)
		if err == nil {
			e.emit(saved, saved.Cursor, emit.MsgRunCancelled, map[string]any{"reason": reason})
			e.cfg.logger.Info("run cancelled", "run_id", runID, "reason", reason)
			e.cfg.metrics.RecordOutcome(string(StatusCancelled))
			return saved, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= e.cfg.conflictRetries {
			return nil, err
		}
		e.cfg.metrics.RecordConflict("retried")
		if err := e.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// Retry restarts a failed run at the step that failed, with its error
// cleared and a fresh step budget.
func (e *Engine) Retry(ctx context.Context, runID string) (RunResult, error) {
	release, err := e.leases.acquire(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	run, err := e.load(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	if run.Status != StatusFailed {
		return RunResult{}, fmt.Errorf("%w: run %s is %s", ErrRunNotFailed, runID, run.Status)
	}

	next := run.clone()
	next.Status = StatusRunning
	next.State.Error = nil
	next.Steps = 0

	committed, err := e.commit(ctx, run, next)
	if err != nil {
		return RunResult{}, err
	}
	e.emit(committed, committed.Cursor, emit.MsgRunRetried, nil)
	e.cfg.logger.Info("run retried", "run_id", runID, "step", committed.Cursor)

	return e.finish(e.advance(ctx, committed))
}

// Continue starts a new turn on a completed run. input is appended as a user
// message and the run restarts at the start step with a fresh step budget,
// keeping the rest of its State. Only completed runs can be continued; a run
// in any other status returns ErrRunNotCompleted.
func (e *Engine) Continue(ctx context.Context, runID, input string) (RunResult, error) {
	if input == "" {
		return RunResult{}, &EngineError{Message: "input cannot be empty", Code: "INVALID_INPUT"}
	}
	if err := checkInput(input); err != nil {
		return RunResult{}, err
	}

	release, err := e.leases.acquire(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	run, err := e.load(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	if run.Status != StatusCompleted {
		return RunResult{}, fmt.Errorf("%w: run %s is %s", ErrRunNotCompleted, runID, run.Status)
	}

	state, err := Merge(e.graph.schema, run.State, Delta{}.AppendMessage(RoleUser, input))
	if err != nil {
		return RunResult{}, err
	}
	next := run.clone()
	next.State = state
	next.Status = StatusRunning
	next.Cursor = e.graph.start
	next.Steps = 0

	committed, err := e.commit(ctx, run, next)
	if err != nil {
		return RunResult{}, err
	}
	e.emit(committed, committed.Cursor, emit.MsgRunContinued, nil)
	e.cfg.logger.Info("run continued", "run_id", runID, "start", committed.Cursor)

	return e.finish(e.advance(ctx, committed))
}

// Inspect returns the latest checkpoint of a run.
func (e *Engine) Inspect(ctx context.Context, runID string) (*Run, error) {
	return e.load(ctx, runID)
}

// History returns every checkpoint of a run, oldest first.
func (e *Engine) History(ctx context.Context, runID string) ([]*Run, error) {
	recs, err := e.store.History(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(recs))
	for _, rec := range recs {
		r, err := runFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// List returns the latest checkpoint of matching runs, most recent first.
func (e *Engine) List(ctx context.Context, q store.Query) ([]*Run, error) {
	recs, err := e.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(recs))
	for _, rec := range recs {
		r, err := runFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// create inserts a new run at the start step. If another caller created the
// run first, that run is returned instead.
func (e *Engine) create(ctx context.Context, runID, input string) (*Run, error) {
	now := e.cfg.now()
	run := &Run{
		ID:        runID,
		Cursor:    e.graph.start,
		State:     NewState(),
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input != "" {
		state, err := Merge(nil, run.State, Delta{}.AppendMessage(RoleUser, input))
		if err != nil {
			return nil, err
		}
		run.State = state
	}

	saved, err := e.save(ctx, run)
	if errors.Is(err, ErrConflict) {
		return e.load(ctx, runID)
	}
	if err != nil {
		return nil, err
	}

	e.emit(saved, saved.Cursor, emit.MsgRunCreated, nil)
	e.cfg.logger.Info("run created", "run_id", runID, "start", saved.Cursor)
	return saved, nil
}

// advance executes steps until the run leaves the running status.
func (e *Engine) advance(ctx context.Context, run *Run) (RunResult, error) {
	for {
		step := run.Cursor

		if run.Steps >= e.cfg.maxSteps {
			next := run.clone()
			cause := fmt.Errorf("%w: %d steps executed", ErrStepBudgetExceeded, run.Steps)
			return e.failRun(ctx, run, next, step, cause)
		}
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		def, ok := e.graph.step(step)
		if !ok {
			return e.failRun(ctx, run, run.clone(), step, fmt.Errorf("%w: cursor %s", ErrUnknownStep, step))
		}

		e.cfg.logger.Debug("executing step", "run_id", run.ID, "step", step, "n", run.Steps+1)
		e.cfg.metrics.StepStarted()
		started := time.Now()
		result := executeStep(ctx, def, run.State, e.cfg.stepTimeout)
		latency := time.Since(started)

		if ctx.Err() != nil {
			// The caller went away mid-step. The last checkpoint is intact,
			// so a later StartOrResume re-executes this step.
			e.cfg.metrics.StepFinished(step, latency, "cancelled")
			return RunResult{}, ctx.Err()
		}

		next := run.clone()
		next.Steps++

		if result.Err != nil {
			e.cfg.metrics.StepFinished(step, latency, stepOutcome(result))
			return e.failRun(ctx, run, next, step, &StepExecutionError{Step: step, Cause: result.Err})
		}
		e.cfg.metrics.StepFinished(step, latency, stepOutcome(result))

		merged, err := Merge(e.graph.schema, run.State, result.Delta)
		if err != nil {
			return e.failRun(ctx, run, next, step, fmt.Errorf("step %s: %w", step, err))
		}
		next.State = merged

		switch result.Decision {
		case DecisionTerminate:
			next.Status = StatusCompleted
			next.Cursor = End
		case DecisionSuspend:
			if err := e.issueTicket(next, step, result.Payload); err != nil {
				return e.failRun(ctx, run, next, step, err)
			}
		default:
			to, err := e.graph.Next(step, merged)
			if err != nil {
				return e.failRun(ctx, run, next, step, err)
			}
			if to == End {
				next.Status = StatusCompleted
			}
			next.Cursor = to
		}

		committed, err := e.commit(ctx, run, next)
		if err != nil {
			return RunResult{}, err
		}
		run = committed

		e.emit(run, step, emit.MsgStepCompleted, map[string]any{
			"decision":    result.Decision.String(),
			"next":        run.Cursor,
			"duration_ms": latency.Milliseconds(),
		})

		switch run.Status {
		case StatusSuspended:
			e.emit(run, step, emit.MsgRunSuspended, map[string]any{"ticket_id": run.Ticket.ID})
			e.cfg.logger.Info("run suspended", "run_id", run.ID, "step", step, "ticket_id", run.Ticket.ID)
			return resultOf(run), nil
		case StatusCompleted:
			e.emit(run, step, emit.MsgRunCompleted, nil)
			e.cfg.logger.Info("run completed", "run_id", run.ID, "steps", run.Steps)
			return resultOf(run), nil
		}
	}
}

// failRun records cause on next, persists it and returns the failed result
// together with cause.
func (e *Engine) failRun(ctx context.Context, base, next *Run, step string, cause error) (RunResult, error) {
	next.Status = StatusFailed
	next.Cursor = step
	next.Ticket = nil
	next.State.Error = &ErrorDetail{
		Code:    ErrorCode(cause),
		Message: cause.Error(),
		Step:    step,
		At:      e.cfg.now(),
	}

	committed, err := e.commit(ctx, base, next)
	if err != nil {
		return RunResult{}, errors.Join(cause, err)
	}

	e.emit(committed, step, emit.MsgRunFailed, map[string]any{
		"code":  committed.State.Error.Code,
		"error": committed.State.Error.Message,
	})
	e.cfg.logger.Warn("run failed", "run_id", committed.ID, "step", step, "code", committed.State.Error.Code, "error", cause)
	return resultOf(committed), cause
}

// commit writes next over base. When the write loses a compare-and-swap race
// to a writer that did not advance the run, the write is rebased onto the
// newer version and retried. Any other conflict is returned.
func (e *Engine) commit(ctx context.Context, base, next *Run) (*Run, error) {
	next.Version = base.Version
	next.UpdatedAt = e.cfg.now()

	for attempt := 0; ; attempt++ {
		saved, err := e.save(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		e.emit(next, next.Cursor, emit.MsgCheckpointConflict, map[string]any{"attempt": attempt + 1})

		current, lerr := e.load(ctx, next.ID)
		if lerr != nil {
			return nil, lerr
		}
		if current.Status == StatusCancelled {
			e.cfg.metrics.RecordConflict("cancelled")
			return nil, ErrRunCancelled
		}
		if advanced(base, current) || attempt >= e.cfg.conflictRetries {
			e.cfg.metrics.RecordConflict("lost")
			e.cfg.logger.Warn("checkpoint conflict", "run_id", next.ID, "attempt", attempt+1)
			return nil, fmt.Errorf("%w: run %s was updated concurrently", ErrConflict, next.ID)
		}

		e.cfg.metrics.RecordConflict("retried")
		if err := e.backoff(ctx, attempt); err != nil {
			return nil, err
		}
		base = current
		next.Version = current.Version
	}
}

// advanced reports whether current moved the run past base.
func advanced(base, current *Run) bool {
	return current.Status != base.Status ||
		current.Cursor != base.Cursor ||
		current.Steps != base.Steps
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	delay := computeBackoff(attempt, e.cfg.conflictBackoff, e.cfg.conflictBackoff*32, nil)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) load(ctx context.Context, runID string) (*Run, error) {
	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return runFromRecord(rec)
}

// save writes r at r.Version and returns the stored copy.
func (e *Engine) save(ctx context.Context, r *Run) (*Run, error) {
	rec, err := r.toRecord()
	if err != nil {
		return nil, err
	}
	saved, err := e.store.Save(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("save run %s: %w", r.ID, err)
	}
	out := r.clone()
	out.Version = saved.Version
	return out, nil
}

// checkInput rejects input that could not be checkpointed unchanged.
func checkInput(input string) error {
	if !utf8.ValidString(input) {
		return &EngineError{Message: "input is not valid UTF-8", Code: "INVALID_INPUT"}
	}
	return nil
}

// finish records the outcome metric of an engine call.
func (e *Engine) finish(res RunResult, err error) (RunResult, error) {
	switch {
	case res.Outcome != "":
		e.cfg.metrics.RecordOutcome(string(res.Outcome))
	case errors.Is(err, ErrRunCancelled):
		e.cfg.metrics.RecordOutcome(string(StatusCancelled))
	}
	return res, err
}

func (e *Engine) emit(r *Run, step, msg string, meta map[string]any) {
	e.cfg.emitter.Emit(emit.Event{
		RunID:    r.ID,
		Step:     r.Steps,
		StepName: step,
		Msg:      msg,
		Meta:     meta,
		At:       e.cfg.now(),
	})
}

func stepOutcome(res Result) string {
	if res.Err != nil {
		if errors.Is(res.Err, ErrStepTimeout) {
			return "timeout"
		}
		return "error"
	}
	return res.Decision.String()
}

func resumeLabel(err error) string {
	switch {
	case errors.Is(err, ErrRunCancelled):
		return "cancelled"
	case errors.Is(err, ErrTicketNotFound):
		return "ticket_not_found"
	case errors.Is(err, ErrRunNotSuspended):
		return "not_suspended"
	case errors.Is(err, ErrTicketMismatch):
		return "ticket_mismatch"
	}
	return "error"
}
