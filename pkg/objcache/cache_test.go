package objcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/blobcache/pkg/blob"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestSetGetPreservesObject(t *testing.T) {
	c := New()
	obj := blob.New([]byte("image bytes"), "image/png")
	require.NoError(t, c.Set("avatar", obj))

	e, ok := c.Get("avatar")
	require.True(t, ok)
	assert.Same(t, obj, e.Object())
	assert.Equal(t, "avatar", e.Key())
	assert.Equal(t, int64(11), e.Size())
	assert.Equal(t, "image/png", e.ContentType())

	// Get never materializes a handle.
	_, materialized := e.Handle()
	assert.False(t, materialized)
}

func TestSetRejectsNil(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.Set("k", nil), ErrInvalidArgument)
	assert.False(t, c.Has("k"))
}

func TestMissesAreNotErrors(t *testing.T) {
	c := New()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	h, ok := c.GetHandle("missing")
	assert.False(t, ok)
	assert.Nil(t, h)

	assert.False(t, c.Has("missing"))
	assert.False(t, c.Delete("missing"))
}

func TestGetHandleIsIdempotent(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("k", blob.New([]byte("v"), "")))

	h1, ok := c.GetHandle("k")
	require.True(t, ok)
	h2, ok := c.GetHandle("k")
	require.True(t, ok)

	assert.Same(t, h1, h2)
	assert.False(t, h1.Revoked())
	assert.Equal(t, "blob:"+h1.ID(), h1.URL())

	e, _ := c.Get("k")
	stored, ok := e.Handle()
	require.True(t, ok)
	assert.Same(t, h1, stored)
}

func TestGetHandleConcurrentMaterializesOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		created int
	)
	c := New(WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		created++
		return fmt.Sprintf("h%d", created)
	}))
	require.NoError(t, c.Set("k", blob.New([]byte("v"), "")))

	const n = 64
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, ok := c.GetHandle("k")
			if !ok {
				t.Errorf("GetHandle(%d) missed", i)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	obj, err := c.Resolve(handles[0].ID())
	require.NoError(t, err)
	assert.Equal(t, "v", string(obj.Bytes()))
}

func TestGetHandleTouchesButGetDoesNot(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	require.NoError(t, c.Set("k", blob.New([]byte("v"), "")))
	inserted := clock.Now()

	clock.Advance(time.Minute)
	e, _ := c.Get("k")
	assert.True(t, inserted.Equal(e.LastTouched()))

	_, _ = c.GetHandle("k")
	assert.True(t, clock.Now().Equal(e.LastTouched()))
}

func TestDeleteRevokesHandle(t *testing.T) {
	var revoked []*Handle
	c := New(WithRevokeHook(func(h *Handle) { revoked = append(revoked, h) }))
	require.NoError(t, c.Set("k", blob.New([]byte("v"), "")))
	h, _ := c.GetHandle("k")

	assert.True(t, c.Delete("k"))
	assert.True(t, h.Revoked())
	_, err := h.Object()
	assert.ErrorIs(t, err, ErrRevoked)
	assert.Equal(t, []*Handle{h}, revoked)

	_, ok := c.GetHandle("k")
	assert.False(t, ok)
	_, err = c.Resolve(h.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	assert.False(t, c.Delete("k"))
}

func TestSetOverwriteRevokesPreviousHandle(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("k", blob.New([]byte("old"), "")))
	old, _ := c.GetHandle("k")

	require.NoError(t, c.Set("k", blob.New([]byte("new"), "")))
	assert.True(t, old.Revoked())

	fresh, ok := c.GetHandle("k")
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
	obj, err := fresh.Object()
	require.NoError(t, err)
	assert.Equal(t, "new", string(obj.Bytes()))
}

func TestClearRevokesEveryHandleOnce(t *testing.T) {
	counts := map[string]int{}
	c := New(WithRevokeHook(func(h *Handle) { counts[h.ID()]++ }))

	keys := []string{"a", "b", "c", "d"}
	var handles []*Handle
	for _, k := range keys {
		require.NoError(t, c.Set(k, blob.New([]byte(k), "")))
	}
	// leave "d" without a handle
	for _, k := range keys[:3] {
		h, _ := c.GetHandle(k)
		handles = append(handles, h)
	}

	c.Clear()
	// a second revoke, as a racing Delete would issue, is a no-op
	for _, h := range handles {
		assert.False(t, h.Revoke())
	}
	c.Clear()

	for _, h := range handles {
		assert.True(t, h.Revoked())
		assert.Equal(t, 1, counts[h.ID()])
	}
	assert.Len(t, counts, 3)
	for _, k := range keys {
		assert.False(t, c.Has(k))
	}
	assert.Equal(t, 0, c.Len())
}

func TestClearConcurrentWithGetHandle(t *testing.T) {
	c := New()
	for i := 0; i < 16; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), blob.New([]byte("v"), "")))
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if h, ok := c.GetHandle(fmt.Sprintf("k%d", i)); ok {
				_ = h.ID()
			}
		}(i)
	}
	c.Clear()
	wg.Wait()

	// Any handle materialized before Clear was revoked by it; nothing
	// survives.
	for i := 0; i < 16; i++ {
		_, ok := c.GetHandle(fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
}

func TestCleanupByAge(t *testing.T) {
	const maxAge = 10 * time.Second
	clock := newFakeClock()
	c := New(WithClock(clock.Now))

	require.NoError(t, c.Set("older", blob.New([]byte("1"), "")))
	oldHandle, _ := c.GetHandle("older")
	clock.Advance(2 * time.Second)
	require.NoError(t, c.Set("younger", blob.New([]byte("2"), "")))
	clock.Advance(maxAge - time.Second)
	require.NoError(t, c.Set("fresh", blob.New([]byte("3"), "")))

	// ages are now maxAge+1s, maxAge-1s and 0
	assert.Equal(t, 1, c.Cleanup(maxAge))
	assert.False(t, c.Has("older"))
	assert.True(t, c.Has("younger"))
	assert.True(t, c.Has("fresh"))
	assert.True(t, oldHandle.Revoked())

	assert.Equal(t, 0, c.Cleanup(maxAge))
}

func TestCleanupKeepsTouchedEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	require.NoError(t, c.Set("k", blob.New([]byte("v"), "")))

	clock.Advance(time.Hour)
	_, _ = c.GetHandle("k")
	clock.Advance(time.Minute)

	assert.Equal(t, 0, c.Cleanup(30*time.Minute))
	assert.True(t, c.Has("k"))
}

func TestKeys(t *testing.T) {
	c := New()
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, c.Set(k, blob.New(nil, "")))
	}
	assert.Equal(t, []string{"a", "b", "c"}, c.Keys())
}

func TestRunJanitor(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("k", blob.New([]byte("v"), "")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, 5*time.Millisecond, time.Nanosecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !c.Has("k") }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
