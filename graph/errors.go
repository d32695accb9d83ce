// Package graph provides the core execution engine for interruptible,
// checkpointed workflows.
package graph

import (
	"errors"

	"github.com/dshills/interruptgraph/graph/store"
)

// Graph construction errors. These are fatal at startup.
var (
	// ErrDuplicateStep indicates a step name was registered twice.
	ErrDuplicateStep = errors.New("duplicate step")

	// ErrUnknownStep indicates an edge or start references an unregistered step.
	ErrUnknownStep = errors.New("unknown step")

	// ErrUnreachableStep indicates a registered step cannot be reached from start.
	ErrUnreachableStep = errors.New("unreachable step")

	// ErrNoDefaultEdge indicates a non-terminal step has no unconditional edge.
	ErrNoDefaultEdge = errors.New("no default edge")

	// ErrDuplicateDefaultEdge indicates a step has more than one unconditional edge.
	ErrDuplicateDefaultEdge = errors.New("duplicate default edge")
)

// Per-run errors. These fail only the run that raised them.
var (
	// ErrSchemaMismatch indicates a delta disagrees with the declared field schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrStepBudgetExceeded indicates the run executed its maximum number of steps.
	ErrStepBudgetExceeded = errors.New("step budget exceeded")

	// ErrNoRoute indicates no edge matched after a step continued.
	ErrNoRoute = errors.New("no route")

	// ErrUnknownFieldReference indicates a query referenced a field absent from
	// the most recent discovery result.
	ErrUnknownFieldReference = errors.New("unknown field reference")

	// ErrStepTimeout indicates a step exceeded its configured timeout.
	ErrStepTimeout = errors.New("step timeout")
)

// Interrupt protocol errors. These are caller mistakes and are never retried.
var (
	// ErrTicketNotFound indicates the run or ticket does not exist, or the
	// ticket was already consumed.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrRunNotSuspended indicates a resume was attempted on a run that is not suspended.
	ErrRunNotSuspended = errors.New("run not suspended")

	// ErrTicketMismatch indicates the ticket does not match the run's outstanding ticket.
	ErrTicketMismatch = errors.New("ticket mismatch")

	// ErrInvalidResponse indicates a resume payload failed validation. The run
	// is left suspended and the ticket remains outstanding.
	ErrInvalidResponse = errors.New("invalid resume response")
)

// ErrRunCancelled indicates the run was cancelled and will not advance.
var ErrRunCancelled = errors.New("run cancelled")

// ErrRunNotFailed indicates Retry was called on a run that has not failed.
var ErrRunNotFailed = errors.New("run not failed")

// ErrRunCompleted indicates Cancel was called on a run that already completed.
var ErrRunCompleted = errors.New("run already completed")

// ErrRunNotCompleted indicates Continue was called on a run that has not
// completed.
var ErrRunNotCompleted = errors.New("run not completed")

// Store errors, re-exported so callers need only import graph.
var (
	ErrConflict = store.ErrConflict
	ErrNotFound = store.ErrNotFound
)

// StepExecutionError wraps an error returned or raised by a step.
type StepExecutionError struct {
	// Step is the name of the failing step.
	Step string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	return "step " + e.Step + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// EngineError represents a configuration or infrastructure error from Engine
// operations.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// errorCodes maps sentinels to the codes recorded in ErrorDetail. Order
// matters: the first sentinel matched by errors.Is wins.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrSchemaMismatch, "SCHEMA_MISMATCH"},
	{ErrStepBudgetExceeded, "STEP_BUDGET_EXCEEDED"},
	{ErrUnknownFieldReference, "UNKNOWN_FIELD_REFERENCE"},
	{ErrStepTimeout, "STEP_TIMEOUT"},
	{ErrNoRoute, "NO_ROUTE"},
	{ErrUnknownStep, "UNKNOWN_STEP"},
	{ErrRunCancelled, "RUN_CANCELLED"},
	{ErrConflict, "CONFLICT"},
}

// ErrorCode returns the stable code for err, as recorded in ErrorDetail.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) {
		return "STEP_EXECUTION"
	}
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Code != "" {
		return engErr.Code
	}
	return "INTERNAL"
}
