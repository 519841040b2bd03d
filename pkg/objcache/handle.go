package objcache

import (
	"sync/atomic"

	"github.com/richardartoul/blobcache/pkg/blob"
)

// handleScheme prefixes handle ids when rendered as URLs.
const handleScheme = "blob:"

// Handle is a revocable capability granting indirect access to a cached
// object without copying it. It moves from active to revoked exactly once.
type Handle struct {
	id      string
	obj     *blob.Object
	revoked atomic.Bool
}

func newHandle(id string, obj *blob.Object) *Handle {
	return &Handle{id: id, obj: obj}
}

// ID returns the opaque handle identifier.
func (h *Handle) ID() string {
	return h.id
}

// URL returns the handle in blob:<id> form.
func (h *Handle) URL() string {
	return handleScheme + h.id
}

// Object returns the object behind the handle, or ErrRevoked.
func (h *Handle) Object() (*blob.Object, error) {
	if h.revoked.Load() {
		return nil, ErrRevoked
	}
	return h.obj, nil
}

// Revoked reports whether the handle has been revoked.
func (h *Handle) Revoked() bool {
	return h.revoked.Load()
}

// Revoke invalidates the handle. It returns true only for the call that
// performed the transition; later calls are no-ops.
func (h *Handle) Revoke() bool {
	return h.revoked.CompareAndSwap(false, true)
}
