package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/interruptgraph/graph/store"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// consumedWindow bounds how many consumed ticket IDs a run remembers.
const consumedWindow = 32

// Ticket is the handle a caller uses to resume a suspended run. It is
// consumed exactly once.
type Ticket struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrorDetail records why a run failed.
type ErrorDetail struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Step    string    `json:"step,omitempty"`
	At      time.Time `json:"at"`
}

// Run is the persisted record of one workflow execution.
type Run struct {
	ID     string `json:"id"`
	Cursor string `json:"cursor"`
	State  State  `json:"state"`
	Status Status `json:"status"`

	// Version is the store version this run was loaded at. It is not part of
	// the serialized document.
	Version int64 `json:"-"`

	// Steps counts executions since the run was created or last retried.
	Steps int `json:"steps"`

	// Ticket is the outstanding ticket while the run is suspended.
	Ticket *Ticket `json:"ticket,omitempty"`

	// ConsumedTickets holds the most recent consumed ticket IDs, oldest first.
	ConsumedTickets []string `json:"consumed_tickets,omitempty"`

	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ticketConsumed reports whether id was already consumed.
func (r *Run) ticketConsumed(id string) bool {
	for _, c := range r.ConsumedTickets {
		if c == id {
			return true
		}
	}
	return false
}

// consumeTicket moves the outstanding ticket into the consumed window.
func (r *Run) consumeTicket() {
	if r.Ticket == nil {
		return
	}
	r.ConsumedTickets = append(r.ConsumedTickets, r.Ticket.ID)
	if n := len(r.ConsumedTickets); n > consumedWindow {
		r.ConsumedTickets = append([]string(nil), r.ConsumedTickets[n-consumedWindow:]...)
	}
	r.Ticket = nil
}

// clone returns a deep copy of the run.
func (r *Run) clone() *Run {
	out := *r
	out.State = r.State.Clone()
	if r.Ticket != nil {
		t := *r.Ticket
		t.Payload = append(json.RawMessage(nil), r.Ticket.Payload...)
		out.Ticket = &t
	}
	out.ConsumedTickets = append([]string(nil), r.ConsumedTickets...)
	return &out
}

func (r *Run) toRecord() (store.Record, error) {
	if r.State.Fields == nil {
		r.State.Fields = map[string]Value{}
	}
	if r.State.Messages == nil {
		r.State.Messages = []Message{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to marshal run %s: %w", r.ID, err)
	}
	return store.Record{
		RunID:   r.ID,
		Version: r.Version,
		Status:  string(r.Status),
		Cursor:  r.Cursor,
		Data:    data,
	}, nil
}

// runFromRecord decodes a run stored by toRecord.
func runFromRecord(rec store.Record) (*Run, error) {
	var r Run
	if err := json.Unmarshal(rec.Data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", rec.RunID, err)
	}
	if r.State.Fields == nil {
		r.State.Fields = map[string]Value{}
	}
	if r.State.Messages == nil {
		r.State.Messages = []Message{}
	}
	r.Version = rec.Version
	return &r, nil
}

// Outcome is the result kind of an engine call.
type Outcome string

// Outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSuspended Outcome = "suspended"
	OutcomeFailed    Outcome = "failed"
)

// RunResult is what StartOrResume and Resume return.
//
// Completed and failed results carry the final State. Suspended results
// carry the Ticket. Failed results also carry Error.
type RunResult struct {
	RunID   string       `json:"run_id"`
	Outcome Outcome      `json:"outcome"`
	State   *State       `json:"state,omitempty"`
	Ticket  *Ticket      `json:"ticket,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// resultOf describes the run's current position as a RunResult.
func resultOf(r *Run) RunResult {
	res := RunResult{RunID: r.ID}
	switch r.Status {
	case StatusSuspended:
		res.Outcome = OutcomeSuspended
		if r.Ticket != nil {
			t := *r.Ticket
			res.Ticket = &t
		}
	case StatusFailed:
		res.Outcome = OutcomeFailed
		s := r.State.Clone()
		res.State = &s
		res.Error = s.Error
	default:
		res.Outcome = OutcomeCompleted
		s := r.State.Clone()
		res.State = &s
	}
	return res
}
