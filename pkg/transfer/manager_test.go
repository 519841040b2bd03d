package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/locking"
	"github.com/richardartoul/blobcache/pkg/metrics"
)

type memRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (m *memRecorder) Record(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return m.err
}

func (m *memRecorder) recorded() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.snaps...)
}

func TestManagerReceive(t *testing.T) {
	rec := &memRecorder{}
	m := NewManager(WithRecorder(rec), WithLocks(locking.NewMemLock()))

	r, err := m.NewReceiver(6, WithSessionOptions(WithChunkSize(3)))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Session().Status())

	require.NoError(t, m.Receive(r.ID(), 0, []byte("abc")))
	require.NoError(t, m.Receive(r.ID(), 1, []byte("def")))
	require.NoError(t, m.Finish(r.ID()))

	obj, err := r.Object()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(obj.Bytes()))

	snaps := rec.recorded()
	require.Len(t, snaps, 1)
	assert.Equal(t, r.ID(), snaps[0].ID)
	assert.Equal(t, StatusCompleted, snaps[0].Status)
	assert.Equal(t, []int{0, 1}, snaps[0].CompletedChunks)

	// terminal sessions stay inspectable until forgotten
	s, ok := m.Session(r.ID())
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, s.Status())
	assert.True(t, m.Forget(r.ID()))
	assert.False(t, m.Forget(r.ID()))
	_, ok = m.Session(r.ID())
	assert.False(t, ok)
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.Receive("nope", 0, []byte("x")), ErrUnknownSession)
	assert.ErrorIs(t, m.Finish("nope"), ErrUnknownSession)
	assert.False(t, m.Cancel("nope"))
}

func TestManagerConcurrentDeliveriesAreSerialized(t *testing.T) {
	m := NewManager()
	const n = 50
	r, err := m.NewReceiver(n, WithReorderBuffer(), WithSessionOptions(WithChunkSize(1)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Receive(r.ID(), i, []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	obj, err := r.Object()
	require.NoError(t, err)
	for i, b := range obj.Bytes() {
		assert.Equal(t, byte(i), b)
	}
}

func TestManagerCancelAndRecordFailure(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	m := NewManager(WithRecorder(rec))

	r, err := m.NewReceiver(10)
	require.NoError(t, err)
	assert.True(t, m.Cancel(r.ID()))
	assert.False(t, m.Cancel(r.ID()))
	assert.ErrorIs(t, m.Receive(r.ID(), 0, []byte("x")), ErrSessionClosed)

	// a failing recorder is logged, not propagated
	snaps := rec.recorded()
	require.Len(t, snaps, 1)
	assert.Equal(t, StatusCancelled, snaps[0].Status)
}

func TestManagerTracksUploads(t *testing.T) {
	rec := &memRecorder{}
	m := NewManager(WithRecorder(rec))
	u := NewUploader(newRecordingTransport(), WithUploadChunkSize(2))
	obj := blob.New([]byte("abcd"), "")

	s, err := u.NewSession(obj, WithObserver(m.Observer()), WithID("upload-1"))
	require.NoError(t, err)
	m.Track(s)
	require.NoError(t, u.Run(context.Background(), s, obj))

	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "upload-1", snaps[0].ID)
	assert.Equal(t, Upload, snaps[0].Direction)
	require.Len(t, rec.recorded(), 1)
}

func TestManagerSnapshotsSorted(t *testing.T) {
	m := NewManager()
	for i := 3; i > 0; i-- {
		_, err := m.NewReceiver(1, WithSessionOptions(WithID(fmt.Sprintf("s%d", i))))
		require.NoError(t, err)
	}
	snaps := m.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "s1", snaps[0].ID)
	assert.Equal(t, "s3", snaps[2].ID)
}

func TestManagerForgetsEndedSessionsAfterRetention(t *testing.T) {
	m := NewManager(WithRetention(20 * time.Millisecond))

	r, err := m.NewReceiver(4, WithSessionOptions(WithChunkSize(2)))
	require.NoError(t, err)
	require.NoError(t, m.Receive(r.ID(), 0, []byte("ab")))
	assert.ErrorIs(t, m.Receive(r.ID(), 0, []byte("ab")), ErrOutOfOrderChunk)

	_, ok := m.Session(r.ID())
	assert.True(t, ok, "ended sessions stay inspectable during retention")

	require.Eventually(t, func() bool {
		_, ok := m.Receiver(r.ID())
		return !ok && len(m.Snapshots()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Receive(r.ID(), 1, []byte("cd")), ErrUnknownSession)
}

func TestManagerRetentionKeepsReusedID(t *testing.T) {
	m := NewManager(WithRetention(0))
	u := NewUploader(TransportFunc(func(ctx context.Context, index int, data []byte) error {
		return errors.New("down")
	}), WithUploadChunkSize(2))
	obj := blob.New([]byte("abcd"), "")

	first, err := u.NewSession(obj, WithObserver(m.Observer()), WithID("up"))
	require.NoError(t, err)
	m.Track(first)
	require.Error(t, u.Run(context.Background(), first, obj))
	_, ok := m.Session("up")
	assert.False(t, ok)

	// a session reusing the id is not dropped by the earlier session's expiry
	second, err := u.NewSession(obj, WithObserver(m.Observer()), WithID("up"))
	require.NoError(t, err)
	m.Track(second)
	m.forget("up", first)
	tracked, ok := m.Session("up")
	require.True(t, ok)
	assert.Same(t, second, tracked)
}

func TestManagerExpireIdle(t *testing.T) {
	rec := &memRecorder{}
	m := NewManager(WithRecorder(rec))

	idle, err := m.NewReceiver(4, WithSessionOptions(WithChunkSize(2)))
	require.NoError(t, err)
	require.NoError(t, m.Receive(idle.ID(), 0, []byte("ab")))

	time.Sleep(10 * time.Millisecond)
	busy, err := m.NewReceiver(4, WithSessionOptions(WithChunkSize(2)))
	require.NoError(t, err)

	assert.Equal(t, 1, m.ExpireIdle(5*time.Millisecond))
	assert.Equal(t, StatusFailed, idle.Session().Status())
	assert.ErrorIs(t, idle.Session().Err(), blob.ErrRead)
	assert.Equal(t, StatusActive, busy.Session().Status())

	snaps := rec.recorded()
	require.Len(t, snaps, 1)
	assert.Equal(t, idle.ID(), snaps[0].ID)
}

func TestManagerReceiveRecordsMetrics(t *testing.T) {
	tracker := metrics.NewLatencyTracker(0.01)
	m := NewManager(WithManagerTracker(tracker))
	r, err := m.NewReceiver(4, WithSessionOptions(WithChunkSize(2)))
	require.NoError(t, err)
	require.NoError(t, m.Receive(r.ID(), 0, []byte("ab")))
	require.NoError(t, m.Receive(r.ID(), 1, []byte("cd")))

	stats, err := tracker.GetStats(metrics.OpReceive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count)
	assert.InDelta(t, 4.0, stats.TotalBytes, 0.1)
}
