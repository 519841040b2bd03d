package transfer

import "sync"

// EventKind distinguishes progress updates from terminal events.
type EventKind uint8

const (
	// EventProgress reports an accepted chunk.
	EventProgress EventKind = iota
	// EventCompleted is emitted once when every byte has been transferred.
	EventCompleted
	// EventCancelled is emitted once when the session is cancelled.
	EventCancelled
	// EventFailed is emitted once when the session fails. Event.Err holds the cause.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends the session.
func (k EventKind) Terminal() bool { return k != EventProgress }

// Progress is a point-in-time view of how far a session has got.
type Progress struct {
	SessionID        string
	ChunkIndex       int // index of the chunk that triggered the event, -1 if none
	BytesTransferred int64
	TotalSize        int64
}

// Percentage is derived for display only; completion is decided by
// comparing BytesTransferred with TotalSize.
func (p Progress) Percentage() float64 {
	if p.TotalSize == 0 {
		return 100
	}
	return float64(p.BytesTransferred) / float64(p.TotalSize) * 100
}

// Event is delivered to observers after every state change of a session.
type Event struct {
	Kind     EventKind
	Progress Progress
	Err      error
}

// ProgressFunc receives session events. Calls for one session are
// serialized and arrive in state-change order. A ProgressFunc may call
// back into the session, for example to Cancel it.
type ProgressFunc func(Event)

// emitter delivers queued events one at a time. Events are enqueued while
// the session lock is held, which fixes their order; delivery happens after
// the lock is released. Whoever finds the queue idle drains it, so a
// reentrant emit from inside an observer is queued behind the current event
// instead of deadlocking.
type emitter struct {
	mu        sync.Mutex
	queue     []Event
	draining  bool
	observers []ProgressFunc
}

func (e *emitter) enqueue(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
}

func (e *emitter) drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		for _, fn := range e.observers {
			fn(ev)
		}
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}
