package events

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. audit sinks,
// indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while
// discarding all events. It is useful when a component wants to optionally
// expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Capture is an Emitter that records every event it sees, in order. It is
// primarily used by tests and by the processor's journal bridge.
type Capture struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (c *Capture) Emit(evt Event) {
	if c == nil || evt == nil {
		return
	}
	c.Events = append(c.Events, evt)
}

// Seen reports whether an event of the given type has been captured.
func (c *Capture) Seen(eventType string) bool {
	if c == nil {
		return false
	}
	for _, evt := range c.Events {
		if evt.EventType() == eventType {
			return true
		}
	}
	return false
}
