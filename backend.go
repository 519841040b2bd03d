package main

import (
	"context"
	"time"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/objcache"
	"github.com/richardartoul/blobcache/pkg/transfer"
)

// CacheBackend is the cache surface the command program drives.
// *objcache.Cache implements it.
type CacheBackend interface {
	// Set stores obj under key, revoking the handle of any entry it replaces.
	Set(key string, obj *blob.Object) error

	// Get returns the entry for key without materializing a handle.
	Get(key string) (*objcache.Entry, bool)

	// GetHandle returns the entry's handle, creating it on first use.
	GetHandle(key string) (*objcache.Handle, bool)

	Has(key string) bool
	Delete(key string) bool

	// Clear revokes every handle and empties the cache.
	Clear()

	// Cleanup removes entries not touched within maxAge and returns how
	// many were removed.
	Cleanup(maxAge time.Duration) int

	// Keys returns the cached keys in sorted order.
	Keys() []string

	Len() int
}

// ObjectUploader sends an object to the configured destination.
// *transports.Pipeline implements it.
type ObjectUploader interface {
	Upload(ctx context.Context, key, contentType string, src blob.Provider, opts ...transfer.SessionOption) (*transfer.Session, error)
}

// TransferJournal looks up finished transfers. *journal.Journal implements
// it.
type TransferJournal interface {
	Load(ctx context.Context, id string) (transfer.Snapshot, bool, error)
	List(ctx context.Context, status transfer.Status) ([]transfer.Snapshot, error)
}
