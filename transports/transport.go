// Package transports provides destinations for the chunked upload
// pipeline: an in-memory target, a local directory target and an S3
// multipart target, plus a Debug decorator for tracing any of them.
package transports

import (
	"context"
	"errors"

	"github.com/richardartoul/blobcache/pkg/transfer"
)

var (
	// ErrBusy is returned by Open when another writer holds the destination.
	ErrBusy = errors.New("transports: destination busy")

	// ErrNotResumable is returned by Open when asked to resume an upload
	// whose delivered chunks the target no longer holds.
	ErrNotResumable = errors.New("transports: upload cannot be resumed")
)

// ObjectInfo describes the object about to be uploaded.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ChunkSize   int64

	// SessionID names the upload session. Suspended writers are kept
	// under it.
	SessionID string

	// Resume lists chunks an earlier session with the same SessionID
	// delivered before it was suspended. Open fails with ErrNotResumable
	// unless the target still holds every one of them, and the writer
	// then continues from that state.
	Resume []int
}

// Writer receives the chunks of one object. Chunks may arrive out of order
// when the uploader runs with concurrency. After the session ends the
// caller must call exactly one of Complete or Abort.
type Writer interface {
	transfer.Transport

	// Complete makes the object visible at its destination.
	Complete(ctx context.Context) error

	// Abort discards everything written so far.
	Abort(ctx context.Context) error

	// Suspend releases the destination but keeps the chunks delivered so
	// far for a later Open with the same SessionID.
	Suspend(ctx context.Context) error
}

// Target opens writers for objects identified by key.
type Target interface {
	Open(ctx context.Context, key string, info ObjectInfo) (Writer, error)
}
