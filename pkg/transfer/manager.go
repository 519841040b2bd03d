package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/locking"
	"github.com/richardartoul/blobcache/pkg/metrics"
)

// Recorder persists snapshots of sessions that reached a terminal status,
// for post-mortem inspection or resume.
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

// DefaultRetention is how long a session stays tracked after it reaches a
// terminal status.
const DefaultRetention = time.Minute

// Manager tracks live sessions by id so that transports delivering chunks
// over a shared endpoint can find their receiver. Deliveries for one
// session are serialized through a locking.Group. Terminal sessions are
// recorded and then forgotten once the retention period has passed.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	receivers map[string]*Receiver

	locks     locking.Group
	recorder  Recorder
	retention time.Duration
	tracker   *metrics.LatencyTracker
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLocks sets the group used to serialize deliveries per session.
func WithLocks(g locking.Group) ManagerOption {
	return func(m *Manager) {
		if g != nil {
			m.locks = g
		}
	}
}

// WithRecorder persists terminal sessions.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithRetention sets how long terminal sessions stay tracked. Zero forgets
// them as soon as they are recorded.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.retention = d
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerTracker records per-chunk receive latency.
func WithManagerTracker(t *metrics.LatencyTracker) ManagerOption {
	return func(m *Manager) { m.tracker = t }
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		receivers: make(map[string]*Receiver),
		locks:     locking.NewMemLock(),
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observer returns the ProgressFunc the manager needs on every session it
// tracks. Pass it through WithObserver when creating a session that will be
// handed to Track.
func (m *Manager) Observer() ProgressFunc {
	return func(ev Event) {
		if !ev.Kind.Terminal() {
			return
		}
		m.onTerminal(ev)
	}
}

// NewReceiver creates, tracks and starts a receiver.
func (m *Manager) NewReceiver(total int64, opts ...ReceiverOption) (*Receiver, error) {
	opts = append(opts, WithSessionOptions(WithObserver(m.Observer())))
	r, err := NewReceiver(total, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[r.ID()] = r.s
	m.receivers[r.ID()] = r
	m.mu.Unlock()

	if err := r.Start(); err != nil {
		return nil, err
	}
	m.logger.Debug("tracking inbound session", "session", r.ID(), "bytes", total)
	return r, nil
}

// Track registers a session created elsewhere, typically an upload.
func (m *Manager) Track(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
}

// Receive delivers one chunk to the receiver tracked under id.
func (m *Manager) Receive(id string, index int, data []byte) error {
	r, ok := m.Receiver(id)
	if !ok {
		return ErrUnknownSession
	}
	return m.locks.Do(id, func() error {
		if m.tracker == nil {
			return r.OnChunkReceived(index, data)
		}
		m.tracker.RecordSize(metrics.OpReceive, int64(len(data)))
		return m.tracker.RecordFunc(metrics.OpReceive, func() error {
			return r.OnChunkReceived(index, data)
		})
	})
}

// Finish signals the end of the inbound stream for id.
func (m *Manager) Finish(id string) error {
	r, ok := m.Receiver(id)
	if !ok {
		return ErrUnknownSession
	}
	return m.locks.Do(id, r.Finish)
}

// Session returns the session tracked under id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Receiver returns the receiver tracked under id.
func (m *Manager) Receiver(id string) (*Receiver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receivers[id]
	return r, ok
}

// Cancel cancels the session tracked under id. It reports whether the
// session existed and was cancelled by this call.
func (m *Manager) Cancel(id string) bool {
	if r, ok := m.Receiver(id); ok {
		return r.Cancel()
	}
	s, ok := m.Session(id)
	if !ok {
		return false
	}
	return s.Cancel()
}

// Forget stops tracking id.
func (m *Manager) Forget(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	delete(m.receivers, id)
	return ok
}

// forget stops tracking id if it still refers to s. A later session may
// reuse the id, for example to resume an upload.
func (m *Manager) forget(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] != s {
		return
	}
	delete(m.sessions, id)
	delete(m.receivers, id)
}

// ExpireIdle ends every active inbound session that has not received a
// chunk within maxIdle, as if its sender had finished the stream. Such
// sessions fail with a *blob.ReadError. It returns how many were expired.
func (m *Manager) ExpireIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	var idle []string
	for id, r := range m.receivers {
		if r.s.Status() == StatusActive && r.s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	var expired int
	for _, id := range idle {
		if err := m.Finish(id); errors.Is(err, blob.ErrRead) {
			m.logger.Info("expired idle transfer", "session", id, "error", err)
			expired++
		}
	}
	return expired
}

// RunReaper calls ExpireIdle every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireIdle(maxIdle)
		}
	}
}

// Snapshots returns snapshots of every tracked session ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

func (m *Manager) onTerminal(ev Event) {
	s, ok := m.Session(ev.Progress.SessionID)
	if !ok {
		return
	}
	snap := s.Snapshot()
	m.logger.Info("transfer finished",
		"session", snap.ID,
		"direction", snap.Direction.String(),
		"status", snap.Status.String(),
		"bytes", snap.BytesTransferred,
		"total", snap.TotalSize)

	if m.recorder != nil {
		if err := m.recorder.Record(context.Background(), snap); err != nil {
			m.logger.Warn("failed to record transfer",
				"session", snap.ID,
				"error", err)
		}
	}

	if m.retention == 0 {
		m.forget(snap.ID, s)
		return
	}
	time.AfterFunc(m.retention, func() { m.forget(snap.ID, s) })
}
