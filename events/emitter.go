package events

import (
	"sync"
)

// Observer is the interface for event consumers.
type Observer interface {
	OnEvent(event *Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(event *Event)

func (f ObserverFunc) OnEvent(event *Event) { f(event) }

// Emitter fans events out to registered observers. Observers are invoked
// synchronously in registration order; a slow observer delays emission.
type Emitter struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEmitter creates a new event emitter
func NewEmitter() *Emitter {
	return &Emitter{
		observers: make([]Observer, 0),
	}
}

// AddObserver registers an event observer.
func (e *Emitter) AddObserver(observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// Emit sends an event to all observers.
func (e *Emitter) Emit(event *Event) {
	if event == nil {
		return
	}
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()

	for _, observer := range observers {
		observer.OnEvent(event)
	}
}
