package emit

// Emitter receives run events from the engine.
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down run execution
//   - Thread-safe: Called concurrently for different runs
//   - Resilient: Handle backend failures internally
type Emitter interface {
	// Emit sends an event to the configured backend. It should not panic.
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
