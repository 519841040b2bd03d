package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Session.
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusCancelled
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
}

// Direction tells whether a session sends or receives an object.
type Direction uint8

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// Snapshot is an immutable copy of a session's bookkeeping.
type Snapshot struct {
	ID               string
	Direction        Direction
	Status           Status
	TotalSize        int64
	ChunkSize        int64
	BytesTransferred int64
	CompletedChunks  []int // in completion order
	Err              string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Session tracks one chunked transfer of a single object. Only the pipeline
// that owns the session acknowledges chunks; Cancel may be called from
// anywhere.
type Session struct {
	mu sync.Mutex

	id          string
	direction   Direction
	total       int64
	chunkSize   int64
	chunks      []Chunk
	status      Status
	transferred int64
	done        []bool // per-index completion
	completed   []int  // completion order
	preset      []int
	err         error
	startedAt   time.Time
	finishedAt  time.Time
	touched     time.Time // last start or chunk
	clock       func() time.Time

	// verify, when set, is consulted before completing. A non-nil result
	// fails the session instead.
	verify func() error

	events emitter
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithChunkSize sets the chunk size. It must be positive.
func WithChunkSize(n int64) SessionOption {
	return func(s *Session) { s.chunkSize = n }
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(fn ProgressFunc) SessionOption {
	return func(s *Session) {
		if fn != nil {
			s.events.observers = append(s.events.observers, fn)
		}
	}
}

// WithID overrides the generated session id.
func WithID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithSessionClock overrides the time source for start and finish stamps.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCompletedChunks marks chunk indices as already transferred, typically
// taken from the Snapshot of an earlier failed session. They are counted
// when the session starts and skipped by the Uploader.
func WithCompletedChunks(indices []int) SessionOption {
	return func(s *Session) {
		s.preset = append([]int(nil), indices...)
	}
}

// NewSession creates a pending session for an object of total bytes.
func NewSession(dir Direction, total int64, opts ...SessionOption) (*Session, error) {
	s := &Session{
		id:        uuid.NewString(),
		direction: dir,
		total:     total,
		chunkSize: DefaultChunkSize,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	chunks, err := Plan(total, s.chunkSize)
	if err != nil {
		return nil, err
	}
	s.chunks = chunks
	s.done = make([]bool, len(chunks))
	seen := make(map[int]bool, len(s.preset))
	for _, idx := range s.preset {
		if idx < 0 || idx >= len(chunks) {
			return nil, fmt.Errorf("%w: completed chunk %d out of range [0, %d)", ErrInvalidArgument, idx, len(chunks))
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: completed chunk %d listed twice", ErrInvalidArgument, idx)
		}
		seen[idx] = true
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Direction returns whether the session uploads or downloads.
func (s *Session) Direction() Direction { return s.direction }

// TotalSize returns the declared object size.
func (s *Session) TotalSize() int64 { return s.total }

// ChunkSize returns the configured chunk size.
func (s *Session) ChunkSize() int64 { return s.chunkSize }

// Chunks returns the chunk plan.
func (s *Session) Chunks() []Chunk {
	return append([]Chunk(nil), s.chunks...)
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BytesTransferred returns the bytes acknowledged so far.
func (s *Session) BytesTransferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// CompletedChunks returns completed chunk indices in completion order.
func (s *Session) CompletedChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.completed...)
}

// LastActivity returns when the session started or last counted a chunk.
// It is zero for a pending session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// ResumedChunks returns the indices passed through WithCompletedChunks.
func (s *Session) ResumedChunks() []int {
	return append([]int(nil), s.preset...)
}

// Err returns the cause of failure, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns a copy of the session's bookkeeping.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:               s.id,
		Direction:        s.direction,
		Status:           s.status,
		TotalSize:        s.total,
		ChunkSize:        s.chunkSize,
		BytesTransferred: s.transferred,
		CompletedChunks:  append([]int(nil), s.completed...),
		StartedAt:        s.startedAt,
		FinishedAt:       s.finishedAt,
	}
	if s.err != nil {
		snap.Err = s.err.Error()
	}
	return snap
}

// Start moves a pending session to active. Chunks passed through
// WithCompletedChunks are counted now. A session with nothing left to
// transfer completes immediately.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.status != StatusPending {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s session", ErrSessionClosed, st)
	}
	s.status = StatusActive
	s.startedAt = s.clock()
	s.touched = s.startedAt

	for _, idx := range s.preset {
		s.markLocked(idx, s.chunks[idx].Size)
	}
	if len(s.preset) > 0 {
		s.events.enqueue(s.eventLocked(EventProgress, -1))
	}
	s.maybeCompleteLocked()
	s.mu.Unlock()

	s.events.drain()
	return nil
}

// Cancel stops the session if it is not already terminal. Acknowledgments
// that arrive afterwards are ignored. It reports whether this call
// cancelled the session.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(StatusCancelled, nil)
	s.events.enqueue(s.eventLocked(EventCancelled, -1))
	s.mu.Unlock()

	s.events.drain()
	return true
}

func (s *Session) chunkDone(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[index]
}

// ack records chunk index as transferred. It returns false, changing
// nothing, when the session is not active or the chunk was already counted.
func (s *Session) ack(index int, size int64) bool {
	s.mu.Lock()
	if s.status != StatusActive || index < 0 || index >= len(s.done) || s.done[index] {
		s.mu.Unlock()
		return false
	}
	s.markLocked(index, size)
	s.events.enqueue(s.eventLocked(EventProgress, index))
	s.maybeCompleteLocked()
	s.mu.Unlock()

	s.events.drain()
	return true
}

// appendBytes counts size bytes for an inbound session that is not bound to
// a fixed chunk plan. It returns false when the session is not active.
func (s *Session) appendBytes(index int, size int64) bool {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return false
	}
	s.transferred += size
	s.completed = append(s.completed, index)
	s.touched = s.clock()
	if index >= 0 && index < len(s.done) {
		s.done[index] = true
	}
	s.events.enqueue(s.eventLocked(EventProgress, index))
	s.maybeCompleteLocked()
	s.mu.Unlock()

	s.events.drain()
	return true
}

// fail moves an active or pending session to failed. It returns false if
// the session was already terminal.
func (s *Session) fail(err error) bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(StatusFailed, err)
	s.events.enqueue(s.eventLocked(EventFailed, -1))
	s.mu.Unlock()

	s.events.drain()
	return true
}

func (s *Session) markLocked(index int, size int64) {
	s.done[index] = true
	s.completed = append(s.completed, index)
	s.transferred += size
	s.touched = s.clock()
}

func (s *Session) maybeCompleteLocked() {
	if s.status != StatusActive || s.transferred != s.total {
		return
	}
	if s.verify != nil {
		if err := s.verify(); err != nil {
			s.finishLocked(StatusFailed, err)
			s.events.enqueue(s.eventLocked(EventFailed, -1))
			return
		}
	}
	s.finishLocked(StatusCompleted, nil)
	s.events.enqueue(s.eventLocked(EventCompleted, -1))
}

func (s *Session) finishLocked(status Status, err error) {
	s.status = status
	s.err = err
	s.finishedAt = s.clock()
}

func (s *Session) eventLocked(kind EventKind, index int) Event {
	return Event{
		Kind: kind,
		Progress: Progress{
			SessionID:        s.id,
			ChunkIndex:       index,
			BytesTransferred: s.transferred,
			TotalSize:        s.total,
		},
		Err: s.err,
	}
}
