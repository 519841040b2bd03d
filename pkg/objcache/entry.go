package objcache

import (
	"sync/atomic"
	"time"

	"github.com/richardartoul/blobcache/pkg/blob"
)

// Entry owns one cached object, its lazily materialized handle and the
// last-touched time used by Cleanup.
type Entry struct {
	key         string
	obj         *blob.Object
	handle      atomic.Pointer[Handle] // set at most once
	lastTouched atomic.Int64           // unix nanoseconds
}

func newEntry(key string, obj *blob.Object, now time.Time) *Entry {
	e := &Entry{key: key, obj: obj}
	e.lastTouched.Store(now.UnixNano())
	return e
}

// Key returns the entry's cache key.
func (e *Entry) Key() string { return e.key }

// Object returns the cached object.
func (e *Entry) Object() *blob.Object { return e.obj }

// Size returns the object's size in bytes.
func (e *Entry) Size() int64 { return e.obj.Size() }

// ContentType returns the object's content-type tag.
func (e *Entry) ContentType() string { return e.obj.ContentType() }

// LastTouched returns the insertion time, or the time of the most recent
// GetHandle call for this entry.
func (e *Entry) LastTouched() time.Time {
	return time.Unix(0, e.lastTouched.Load())
}

// Handle returns the materialized handle, if any. It never creates one.
func (e *Entry) Handle() (*Handle, bool) {
	h := e.handle.Load()
	return h, h != nil
}

// materialize installs a handle built by mk unless one already exists.
// Exactly one concurrent caller wins; the others observe the winner's handle.
// created reports whether this call installed it.
func (e *Entry) materialize(mk func() *Handle) (h *Handle, created bool) {
	if h := e.handle.Load(); h != nil {
		return h, false
	}
	fresh := mk()
	if e.handle.CompareAndSwap(nil, fresh) {
		return fresh, true
	}
	return e.handle.Load(), false
}

func (e *Entry) touch(now time.Time) {
	e.lastTouched.Store(now.UnixNano())
}

// revoke revokes the materialized handle, if any.
func (e *Entry) revoke() (*Handle, bool) {
	h := e.handle.Load()
	if h == nil {
		return nil, false
	}
	return h, h.Revoke()
}
