package scheduler

import (
	"sync"
	"time"
)

// EventType classifies job lifecycle events.
type EventType string

const (
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventFail     EventType = "fail"
	EventSkip     EventType = "skip"
)

// Event is one entry in the in-memory ring the admin surface polls.
type Event struct {
	Time    time.Time `json:"time"`
	Job     string    `json:"job"`
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
}

const eventRingSize = 50

// eventRing keeps the most recent events, oldest first.
type eventRing struct {
	mu     sync.Mutex
	events []Event
}

func newEventRing() *eventRing {
	return &eventRing{}
}

func (r *eventRing) Append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > eventRingSize {
		r.events = r.events[len(r.events)-eventRingSize:]
	}
}

// Since returns events at or after t; zero t returns everything retained.
func (r *eventRing) Since(t time.Time) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if t.IsZero() || !e.Time.Before(t) {
			out = append(out, e)
		}
	}
	return out
}
