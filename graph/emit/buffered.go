package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped
// by run.
//
// Use cases:
//   - Testing and validation
//   - Development and debugging
//
// Warning: This emitter keeps every event until Clear is called.
//
// Example usage:
//
//	events := emit.NewBufferedEmitter()
//	engine, _ := graph.New(g, st, graph.WithEmitter(events))
//	engine.StartOrResume(ctx, "run-001", "hello")
//	suspended := events.GetHistoryWithFilter("run-001", emit.HistoryFilter{Msg: emit.MsgRunSuspended})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	StepName string // Filter by step name (empty = no filter)
	Msg      string // Filter by message (empty = no filter)
	MinStep  *int   // Minimum step number (nil = no filter)
	MaxStep  *int   // Maximum step number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of every event of a run in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of a run that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Messages returns the Msg of every event of a run in emission order.
func (b *BufferedEmitter) Messages(runID string) []string {
	events := b.GetHistory(runID)
	msgs := make([]string, len(events))
	for i, e := range events {
		msgs[i] = e.Msg
	}
	return msgs
}

func (f HistoryFilter) matches(event Event) bool {
	if f.StepName != "" && event.StepName != f.StepName {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes stored events of runID, or of every run if runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
