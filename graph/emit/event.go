package emit

import "time"

// Run event messages emitted by the engine.
const (
	MsgRunCreated         = "run_created"
	MsgStepCompleted      = "step_completed"
	MsgRunSuspended       = "run_suspended"
	MsgRunResumed         = "run_resumed"
	MsgRunCompleted       = "run_completed"
	MsgRunFailed          = "run_failed"
	MsgRunCancelled       = "run_cancelled"
	MsgRunRetried         = "run_retried"
	MsgRunContinued       = "run_continued"
	MsgCheckpointConflict = "checkpoint_conflict"
)

// Event represents a lifecycle event of a run.
//
// Events provide insight into run behavior:
//   - Run creation, suspension, resumption and completion
//   - Step completion and routing decisions
//   - Failures and checkpoint conflicts
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the number of steps the run has executed when the event fires.
	Step int

	// StepName is the step the event concerns. Empty for events that are
	// not tied to a step.
	StepName string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Step execution duration in milliseconds
	//   - "error": Error message of a failed run
	//   - "code": Error code of a failed run
	//   - "ticket_id": Ticket issued or consumed
	//   - "next": Step selected by the router
	Meta map[string]any

	// At is when the event happened, per the engine's clock.
	At time.Time
}
