package graph

import (
	"context"
	"encoding/json"
	"time"
)

// Step represents a processing unit in the workflow graph.
// It receives the current state and returns a Result.
//
// Steps are the fundamental building blocks of a workflow. Each step can:
//   - Read the current state
//   - Call collaborators (completion providers, the semantic catalog, tools)
//   - Return state modifications via Delta
//   - Ask the engine to suspend and wait for an external decision
//   - Fail the run
//
// Steps never choose their successor; routing is the graph's job.
type Step interface {
	// Run executes the step's logic with the given context and state.
	Run(ctx context.Context, state State) Result
}

// StepFunc is a function adapter that implements the Step interface.
//
// Example:
//
//	greet := graph.StepFunc(func(ctx context.Context, s graph.State) graph.Result {
//	    return graph.Continue(graph.Delta{}.Set("greeting", graph.String("hello")))
//	})
type StepFunc func(ctx context.Context, state State) Result

// Run implements the Step interface for StepFunc.
func (f StepFunc) Run(ctx context.Context, state State) Result {
	return f(ctx, state)
}

// Decision tells the engine what to do after a step's delta is merged.
type Decision int

const (
	// DecisionContinue routes to the next step through the graph's edges.
	DecisionContinue Decision = iota

	// DecisionSuspend parks the run and issues a ticket.
	DecisionSuspend

	// DecisionTerminate completes the run.
	DecisionTerminate
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionSuspend:
		return "suspend"
	case DecisionTerminate:
		return "terminate"
	}
	return "unknown"
}

// Result represents the output of a step execution.
type Result struct {
	// Delta is the partial state update produced by this step.
	Delta Delta

	// Decision selects continue, suspend or terminate.
	Decision Decision

	// Payload is shown to the caller in the ticket when the step suspends.
	// It must be JSON-serializable.
	Payload any

	// Err fails the run. Delta is not merged when Err is set.
	Err error
}

// Continue returns a Result that merges delta and routes onward.
func Continue(delta Delta) Result {
	return Result{Delta: delta, Decision: DecisionContinue}
}

// Suspend returns a Result that merges delta and suspends the run with payload.
func Suspend(delta Delta, payload any) Result {
	return Result{Delta: delta, Decision: DecisionSuspend, Payload: payload}
}

// Stop returns a Result that merges delta and completes the run.
func Stop(delta Delta) Result {
	return Result{Delta: delta, Decision: DecisionTerminate}
}

// Fail returns a Result that fails the run with err.
func Fail(err error) Result {
	return Result{Err: err}
}

// Resumer is implemented by steps that suspend and need to validate or map
// the caller's response themselves.
//
// Resume receives the state as it was when the step suspended. A returned
// error rejects the response: the run stays suspended and the ticket stays
// outstanding.
type Resumer interface {
	Resume(ctx context.Context, state State, response json.RawMessage) (Delta, error)
}

// ResumeFunc adapts a function to the Resumer interface.
type ResumeFunc func(ctx context.Context, state State, response json.RawMessage) (Delta, error)

// Resume implements Resumer.
func (f ResumeFunc) Resume(ctx context.Context, state State, response json.RawMessage) (Delta, error) {
	return f(ctx, state, response)
}

// StepOption configures a step at registration.
type StepOption func(*stepDef)

// stepDef is a registered step plus its per-step policy.
type stepDef struct {
	name     string
	step     Step
	resumer  Resumer
	terminal bool
	timeout  time.Duration
}

// Terminal marks a step as able to end the run. Terminal steps do not need
// an unconditional outgoing edge.
func Terminal() StepOption {
	return func(d *stepDef) {
		d.terminal = true
	}
}

// StepTimeout bounds each execution of the step. Exceeding it fails the run
// with ErrStepTimeout.
func StepTimeout(d time.Duration) StepOption {
	return func(def *stepDef) {
		def.timeout = d
	}
}

// WithResumer attaches a Resumer to a step that does not implement one itself.
func WithResumer(r Resumer) StepOption {
	return func(d *stepDef) {
		d.resumer = r
	}
}
