package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it when event output is not wanted, and in tests that do not inspect
// events. It is the engine's default.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
