package backend

import (
	"sync"
	"time"

	"lemond/pkg/types"
)

// Event is a lifecycle notification: name, backend family and model plus
// optional fields.
type Event struct {
	Time    time.Time
	Name    string
	Backend string
	Model   string
	Fields  map[string]any
}

// EventPublisher receives events. Implementations must be non-blocking and
// must not panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher keeps a bounded in-memory history. `lemond serve` feeds it
// to /system-info as recent_events.
type MemoryPublisher struct {
	mu     sync.Mutex
	max    int
	events []Event
}

// NewMemoryPublisher keeps at most max events (0 means unbounded).
func NewMemoryPublisher(max int) *MemoryPublisher { return &MemoryPublisher{max: max} }

func (p *MemoryPublisher) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	if p.max > 0 && len(p.events) > p.max {
		p.events = p.events[len(p.events)-p.max:]
	}
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Recent returns the history newest first in wire form.
func (p *MemoryPublisher) Recent() []types.BackendEvent {
	evs := p.Events()
	out := make([]types.BackendEvent, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		e := evs[i]
		out = append(out, types.BackendEvent{
			Time:    e.Time.Unix(),
			Name:    e.Name,
			Backend: e.Backend,
			Model:   e.Model,
			Fields:  e.Fields,
		})
	}
	return out
}

// Names returns just the event names, in order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
