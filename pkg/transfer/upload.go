package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/metrics"
)

// Transport moves one chunk across the transport boundary. SendChunk
// returns once the chunk is acknowledged. Wire format, retries and timeouts
// belong to the implementation; any error fails the session.
type Transport interface {
	SendChunk(ctx context.Context, index int, data []byte) error
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, index int, data []byte) error

func (f TransportFunc) SendChunk(ctx context.Context, index int, data []byte) error {
	return f(ctx, index, data)
}

// Uploader splits objects into chunks and sends them through a Transport.
// By default chunks are sent one at a time, in index order, each waiting
// for the previous acknowledgment.
type Uploader struct {
	transport   Transport
	chunkSize   int64
	concurrency int
	logger      *slog.Logger
	tracker     *metrics.LatencyTracker
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploadChunkSize sets the chunk size for sessions created by the
// Uploader.
func WithUploadChunkSize(n int64) UploaderOption {
	return func(u *Uploader) { u.chunkSize = n }
}

// WithConcurrency allows up to n chunks in flight. Chunks are still
// dispatched in index order but may be acknowledged out of order.
// Values below 2 keep the sequential behavior.
func WithConcurrency(n int) UploaderOption {
	return func(u *Uploader) { u.concurrency = n }
}

// WithUploadLogger sets the logger.
func WithUploadLogger(logger *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithLatencyTracker records chunk read and send latencies.
func WithLatencyTracker(t *metrics.LatencyTracker) UploaderOption {
	return func(u *Uploader) { u.tracker = t }
}

// NewUploader creates an Uploader sending through transport.
func NewUploader(transport Transport, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		transport:   transport,
		chunkSize:   DefaultChunkSize,
		concurrency: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// NewSession creates a pending upload session sized for src.
func (u *Uploader) NewSession(src blob.Provider, opts ...SessionOption) (*Session, error) {
	opts = append([]SessionOption{WithChunkSize(u.chunkSize)}, opts...)
	return NewSession(Upload, src.Size(), opts...)
}

// Upload creates a session for src and runs it to a terminal state. The
// session is returned even when the upload fails so callers can inspect it.
func (u *Uploader) Upload(ctx context.Context, src blob.Provider, opts ...SessionOption) (*Session, error) {
	s, err := u.NewSession(src, opts...)
	if err != nil {
		return nil, err
	}
	return s, u.Run(ctx, s, src)
}

// Run starts s and sends every outstanding chunk of src. It returns nil
// when the session completes, ErrCancelled when it was cancelled, or the
// failure cause (*TransportError or *blob.ReadError).
//
// Cancelling ctx cancels the session. A ctx deadline is treated as a
// transport timeout and fails it.
func (u *Uploader) Run(ctx context.Context, s *Session, src blob.Provider) error {
	if s.Direction() != Upload {
		return fmt.Errorf("%w: session %s is not an upload", ErrInvalidArgument, s.ID())
	}
	if src.Size() != s.TotalSize() {
		return fmt.Errorf("%w: source has %d bytes, session expects %d", ErrInvalidArgument, src.Size(), s.TotalSize())
	}
	if err := s.Start(); err != nil {
		return err
	}

	start := time.Now()
	if u.concurrency > 1 {
		u.runConcurrent(ctx, s, src)
	} else {
		u.runSequential(ctx, s, src)
	}
	if u.tracker != nil {
		u.tracker.Record(metrics.OpUpload, time.Since(start))
		u.tracker.RecordSize(metrics.OpUpload, s.BytesTransferred())
	}

	switch st := s.Status(); st {
	case StatusCompleted:
		u.logger.Debug("upload completed",
			"session", s.ID(),
			"bytes", s.TotalSize(),
			"duration", time.Since(start))
		return nil
	case StatusCancelled:
		u.logger.Debug("upload cancelled",
			"session", s.ID(),
			"bytes", s.BytesTransferred())
		return ErrCancelled
	case StatusFailed:
		u.logger.Warn("upload failed",
			"session", s.ID(),
			"bytes", s.BytesTransferred(),
			"error", s.Err())
		return s.Err()
	default:
		return fmt.Errorf("upload %s stopped while %s", s.ID(), st)
	}
}

func (u *Uploader) runSequential(ctx context.Context, s *Session, src blob.Provider) {
	for _, c := range s.chunks {
		if s.chunkDone(c.Index) {
			continue
		}
		if s.Status() != StatusActive {
			return
		}
		if err := ctx.Err(); err != nil {
			u.interrupt(ctx, s, c.Index, err)
			return
		}
		if err := u.sendChunk(ctx, s, src, c); err != nil {
			return
		}
	}
}

func (u *Uploader) runConcurrent(ctx context.Context, s *Session, src blob.Provider) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for _, c := range s.chunks {
		if s.chunkDone(c.Index) {
			continue
		}
		if s.Status() != StatusActive {
			break
		}
		if err := gctx.Err(); err != nil {
			// A sibling failure already failed the session; only a
			// cancellation of the caller's ctx remains to be recorded.
			if ctx.Err() != nil {
				u.interrupt(ctx, s, c.Index, ctx.Err())
			}
			break
		}
		c := c
		g.Go(func() error {
			return u.sendChunk(gctx, s, src, c)
		})
	}
	_ = g.Wait()
}

// sendChunk reads, sends and acknowledges one chunk. A non-nil error means
// the session was failed or cancelled.
func (u *Uploader) sendChunk(ctx context.Context, s *Session, src blob.Provider, c Chunk) error {
	readStart := time.Now()
	data, err := src.ReadRange(c.Offset, c.End())
	u.record(metrics.OpReadRange, readStart, 0)
	if err != nil {
		if !errors.Is(err, blob.ErrRead) {
			err = &blob.ReadError{Start: c.Offset, End: c.End(), Err: err}
		}
		s.fail(err)
		return err
	}

	sendStart := time.Now()
	err = u.transport.SendChunk(ctx, c.Index, data)
	u.record(metrics.OpSendChunk, sendStart, c.Size)
	if err != nil {
		u.interrupt(ctx, s, c.Index, err)
		return err
	}

	if !s.ack(c.Index, c.Size) {
		u.logger.Debug("ignoring acknowledgment for inactive session",
			"session", s.ID(),
			"chunk", c.Index,
			"status", s.Status())
	}
	return nil
}

// interrupt records why chunk index could not be sent. Cancellation of ctx
// cancels the session; everything else, deadlines included, fails it.
func (u *Uploader) interrupt(ctx context.Context, s *Session, index int, err error) {
	if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
		s.Cancel()
		return
	}
	s.fail(&TransportError{Index: index, Err: err})
}

func (u *Uploader) record(op string, start time.Time, size int64) {
	if u.tracker == nil {
		return
	}
	u.tracker.Record(op, time.Since(start))
	u.tracker.RecordSize(op, size)
}
