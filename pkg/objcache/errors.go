package objcache

import "errors"

var (
	// ErrInvalidArgument is returned by Set when the object is nil.
	ErrInvalidArgument = errors.New("objcache: invalid argument")

	// ErrNotFound is returned by Resolve for unknown handle ids. Cache
	// lookups by key report misses through their boolean result instead.
	ErrNotFound = errors.New("objcache: not found")

	// ErrRevoked is returned when reading through a revoked handle.
	ErrRevoked = errors.New("objcache: handle revoked")
)
