package events

import "feedoracle/core/types"

// Event represents a structured state change emitted by the registry.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render themselves into the
// wire-friendly types.Event form.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the responder,
// the audit log).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Typed wraps a types.Event so it satisfies Payload.
type Typed struct {
	Evt *types.Event
}

// EventType implements Event.
func (t Typed) EventType() string {
	if t.Evt == nil {
		return ""
	}
	return t.Evt.Type
}

// Event implements Payload.
func (t Typed) Event() *types.Event { return t.Evt }
