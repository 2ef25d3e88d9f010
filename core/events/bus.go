package events

import (
	"sync"
)

// Bus is a fan-out Emitter. Subscribers receive every event whose type they
// registered for (or all events when no type filter is given) on a buffered
// channel. Slow subscribers drop events instead of blocking the emitter.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	ch    chan Event
	types map[string]struct{}
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function closes the channel and must be called once.
func (b *Bus) Subscribe(buffer int, eventTypes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[evt.EventType()]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Multi fans a single event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}
