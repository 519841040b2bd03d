package transfer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// eventLog collects events delivered to an observer.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range l.all() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// assertMonotonic checks that bytes never decrease and that exactly one
// terminal event closes the stream.
func (l *eventLog) assertMonotonic(t *testing.T) {
	t.Helper()
	events := l.all()
	var last int64
	for i, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress.BytesTransferred, last, "event %d went backwards", i)
		last = ev.Progress.BytesTransferred
		if ev.Kind.Terminal() {
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
	}
}

// recordingTransport stores every chunk it is sent.
type recordingTransport struct {
	mu     sync.Mutex
	chunks map[int][]byte
	order  []int
	hook   func(ctx context.Context, index int) error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{chunks: make(map[int][]byte)}
}

func (r *recordingTransport) SendChunk(ctx context.Context, index int, data []byte) error {
	if r.hook != nil {
		if err := r.hook(ctx, index); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[index] = append([]byte(nil), data...)
	r.order = append(r.order, index)
	return nil
}

func (r *recordingTransport) sent() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

func (r *recordingTransport) assembled() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for i := 0; i < len(r.chunks); i++ {
		out = append(out, r.chunks[i]...)
	}
	return out
}
