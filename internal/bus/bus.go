// Package bus is the in-process pub/sub for workflow and node lifecycle
// events. Dispatch is synchronous; listener failures are isolated so one
// bad listener never starves the rest.
package bus

import (
	"log/slog"
	"sync"
)

// Event names emitted by the engine and supervisor.
const (
	TaskCompleted     = "task:completed"
	WorkflowStarted   = "workflow:started"
	WorkflowCompleted = "workflow:completed"
	WorkflowFailed    = "workflow:failed"
	NodeStarted       = "node:started"
	NodeCompleted     = "node:completed"
	NodeFailed        = "node:failed"
)

// Event carries one lifecycle notification.
type Event struct {
	Name       string `json:"name"`
	TaskID     string `json:"taskId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// Listener handles one event. A returned error is logged, never propagated.
type Listener func(Event) error

// Bus fans events out to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener // event name → listeners; "" = all events
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]Listener)}
}

// Subscribe registers a listener for one event name. An empty name
// subscribes to every event.
func (b *Bus) Subscribe(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], l)
}

// Emit dispatches the event synchronously to matching listeners. Panics
// and errors inside a listener are caught and logged.
func (b *Bus) Emit(ev Event) {
	for _, l := range b.matching(ev.Name) {
		b.invoke(l, ev)
	}
}

// EmitAsync dispatches listeners in goroutines and waits for all of them.
// Used when the emitter exits immediately afterward.
func (b *Bus) EmitAsync(ev Event) {
	ls := b.matching(ev.Name)
	var wg sync.WaitGroup
	for _, l := range ls {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			b.invoke(l, ev)
		}(l)
	}
	wg.Wait()
}

func (b *Bus) matching(name string) []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ls := make([]Listener, 0, len(b.listeners[name])+len(b.listeners[""]))
	ls = append(ls, b.listeners[name]...)
	ls = append(ls, b.listeners[""]...)
	return ls
}

func (b *Bus) invoke(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panic", "event", ev.Name, "panic", r)
		}
	}()
	if err := l(ev); err != nil {
		slog.Warn("event listener error", "event", ev.Name, "error", err)
	}
}
