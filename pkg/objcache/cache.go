// Package objcache maps application keys to immutable binary objects and
// hands out revocable resource handles for them.
//
// Handles are created lazily by GetHandle, at most once per entry, and are
// revoked exactly once when the entry is overwritten, deleted, cleared or
// evicted by Cleanup. Lookups that miss report it through a boolean result;
// misses are expected, not errors.
//
// A Cache is safe for concurrent use. Each instance is independent, so
// callers typically create one per session.
package objcache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richardartoul/blobcache/pkg/blob"
)

// Cache is an in-memory object cache with lazily materialized handles.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	// handles indexes materialized, unrevoked handles by id. It is written
	// under mu's read lock by GetHandle, so it needs its own synchronization.
	handles sync.Map // id -> *Entry

	clock    func() time.Time
	newID    func() string
	onRevoke func(*Handle)
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for last-touched bookkeeping.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger used for eviction and revocation messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRevokeHook registers fn to be called once for every handle the cache
// revokes. fn runs while the cache is locked and must not call back into it.
func WithRevokeHook(fn func(*Handle)) Option {
	return func(c *Cache) {
		c.onRevoke = fn
	}
}

// WithIDGenerator overrides how handle ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(c *Cache) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores obj under key, replacing any existing entry. If the replaced
// entry had a materialized handle, it is revoked before the new entry is
// installed.
func (c *Cache) Set(key string, obj *blob.Object) error {
	if obj == nil {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.revokeLocked(old)
	}
	c.entries[key] = newEntry(key, obj, c.clock())
	return nil
}

// Get returns the entry for key without creating a handle or touching it.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	return e, ok
}

// GetHandle returns the entry's handle, materializing it on the first call.
// Repeated calls return the same handle. Each call updates the entry's
// last-touched time.
func (c *Cache) GetHandle(key string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	h, created := e.materialize(func() *Handle {
		return newHandle(c.newID(), e.obj)
	})
	if created {
		c.handles.Store(h.id, e)
		c.logger.Debug("materialized handle", "key", key, "handle", h.id)
	}
	e.touch(c.clock())
	return h, true
}

// Has reports whether key is present.
func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[key]
	return ok
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Delete revokes the entry's handle, if materialized, and removes the entry.
// It reports whether an entry existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.revokeLocked(e)
	delete(c.entries, key)
	return true
}

// Clear revokes every materialized handle and empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		c.revokeLocked(e)
	}
	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.logger.Debug("cleared cache", "entries", n)
}

// Cleanup removes every entry last touched more than maxAge ago and returns
// the number removed.
func (c *Cache) Cleanup(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock().Add(-maxAge)
	var removed int
	for key, e := range c.entries {
		if e.LastTouched().Before(cutoff) {
			c.revokeLocked(e)
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("evicted stale entries", "removed", removed, "maxAge", maxAge)
	}
	return removed
}

// Resolve returns the object behind a live handle id. Unknown and revoked
// ids yield ErrNotFound.
func (c *Cache) Resolve(handleID string) (*blob.Object, error) {
	v, ok := c.handles.Load(handleID)
	if !ok {
		return nil, ErrNotFound
	}
	h, ok := v.(*Entry).Handle()
	if !ok || h.id != handleID {
		return nil, ErrNotFound
	}
	obj, err := h.Object()
	if err != nil {
		return nil, ErrNotFound
	}
	return obj, nil
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(maxAge); n > 0 {
				c.logger.Info("cache janitor evicted entries", "removed", n)
			}
		}
	}
}

// revokeLocked revokes e's handle and drops it from the handle index.
// c.mu must be held for writing.
func (c *Cache) revokeLocked(e *Entry) {
	h, revoked := e.revoke()
	if h == nil {
		return
	}
	c.handles.Delete(h.id)
	if revoked {
		c.logger.Debug("revoked handle", "key", e.key, "handle", h.id)
		if c.onRevoke != nil {
			c.onRevoke(h)
		}
	}
}
