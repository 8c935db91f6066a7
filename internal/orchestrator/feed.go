package orchestrator

import (
	"context"
	"sync"
	"time"
)

// EventType names a status event.
type EventType string

const (
	RunStarted        EventType = "run_started"
	RunCompleted      EventType = "run_completed"
	RunFailed         EventType = "run_failed"
	RunCancelled      EventType = "run_cancelled"
	StageStarted      EventType = "stage_started"
	StageCompleted    EventType = "stage_completed"
	BatchCompleted    EventType = "batch_completed"
	ConflictDetected  EventType = "conflict_detected"
	ConflictHeld      EventType = "conflict_held"
	ConflictResolved  EventType = "conflict_resolved"
	ResourcesSampled  EventType = "resources_sampled"
	WatermarkAdvanced EventType = "watermark_advanced"
)

// Event is one status or metric update.
type Event struct {
	Type    EventType      `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Feed is an unbounded FIFO of events. Publishing never blocks, so a slow
// or absent reader cannot stall a run.
//
// The feed uses a channel for signaling to enable context-aware waiting
// in Next.
type Feed struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Publish appends an event. Returns false once the feed is closed.
func (f *Feed) Publish(e Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events = append(f.events, e)
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return true
}

// TryNext removes the oldest event without blocking.
func (f *Feed) TryNext() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return Event{}, false
	}
	e := f.events[0]
	f.events[0] = Event{}
	if len(f.events) == 1 {
		f.events = f.events[:0]
	} else {
		f.events = f.events[1:]
	}
	return e, true
}

// Next waits for the oldest event. ok is false when the feed is closed and
// drained; err is ctx's error when ctx ends first.
func (f *Feed) Next(ctx context.Context) (e Event, ok bool, err error) {
	for {
		if e, ok := f.TryNext(); ok {
			return e, true, nil
		}
		f.mu.Lock()
		done := f.closed && len(f.events) == 0
		f.mu.Unlock()
		if done {
			return Event{}, false, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		case <-f.signal:
		}
	}
}

// Drain removes and returns every queued event.
func (f *Feed) Drain() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = make([]Event, 0, 64)
	return out
}

// Len returns the number of queued events.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Close stops publishing and wakes waiting readers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.signal)
}
