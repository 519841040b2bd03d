package transports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/transfer"
)

// Pipeline uploads objects to a Target, opening one Writer per object and
// finalizing it according to how the session ended.
type Pipeline struct {
	target    Target
	chunkSize int64
	opts      []transfer.UploaderOption
	manager   *transfer.Manager
	resumable bool
	logger    *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithChunkSize sets the chunk size used for every upload.
func WithChunkSize(n int64) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithUploaderOptions passes options to the Uploader built per object.
func WithUploaderOptions(opts ...transfer.UploaderOption) PipelineOption {
	return func(p *Pipeline) { p.opts = append(p.opts, opts...) }
}

// WithManager tracks every upload session in m before it starts.
func WithManager(m *transfer.Manager) PipelineOption {
	return func(p *Pipeline) { p.manager = m }
}

// WithResumable keeps the delivered chunks of failed uploads at the target
// so the upload can be resumed. Without it every unfinished upload is
// aborted.
func WithResumable() PipelineOption {
	return func(p *Pipeline) { p.resumable = true }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a Pipeline writing to target.
func NewPipeline(target Target, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		target:    target,
		chunkSize: transfer.DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ChunkSize returns the chunk size used for every upload.
func (p *Pipeline) ChunkSize() int64 { return p.chunkSize }

// Upload sends src to key. The writer is completed when the session
// completes and aborted otherwise, except that a resumable pipeline
// suspends the writer of a failed session that delivered some chunks. The
// session is returned whenever one was started, even on failure.
//
// A session created with transfer.WithCompletedChunks resumes the upload
// suspended under the same session id (transfer.WithID). The target
// rejects the resume with ErrNotResumable if it no longer holds those
// chunks, so skipped chunks are never missing from the destination.
func (p *Pipeline) Upload(ctx context.Context, key, contentType string, src blob.Provider, opts ...transfer.SessionOption) (*transfer.Session, error) {
	sopts := make([]transfer.SessionOption, 0, len(opts)+2)
	sopts = append(sopts, transfer.WithChunkSize(p.chunkSize))
	sopts = append(sopts, opts...)
	if p.manager != nil {
		sopts = append(sopts, transfer.WithObserver(p.manager.Observer()))
	}
	s, err := transfer.NewSession(transfer.Upload, src.Size(), sopts...)
	if err != nil {
		return nil, err
	}

	resume := s.ResumedChunks()
	if len(resume) > 0 && !p.resumable {
		return nil, fmt.Errorf("%w: %s: pipeline does not keep partial uploads", ErrNotResumable, key)
	}
	w, err := p.target.Open(ctx, key, ObjectInfo{
		Size:        src.Size(),
		ContentType: contentType,
		ChunkSize:   s.ChunkSize(),
		SessionID:   s.ID(),
		Resume:      resume,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}

	uopts := make([]transfer.UploaderOption, 0, len(p.opts)+1)
	uopts = append(uopts, transfer.WithUploadLogger(p.logger))
	uopts = append(uopts, p.opts...)
	u := transfer.NewUploader(w, uopts...)

	if p.manager != nil {
		p.manager.Track(s)
	}
	if err := u.Run(ctx, s, src); err != nil {
		p.release(ctx, key, w, s)
		return s, err
	}

	if err := w.Complete(ctx); err != nil {
		return s, fmt.Errorf("failed to complete %s: %w", key, err)
	}
	return s, nil
}

// release ends a writer whose session did not complete.
func (p *Pipeline) release(ctx context.Context, key string, w Writer, s *transfer.Session) {
	// the caller's ctx may already be done
	ctx = context.WithoutCancel(ctx)

	if p.resumable && s.Status() == transfer.StatusFailed && len(s.CompletedChunks()) > 0 {
		err := w.Suspend(ctx)
		if err == nil {
			p.logger.Info("suspended upload",
				"key", key,
				"session", s.ID(),
				"chunks", len(s.CompletedChunks()))
			return
		}
		p.logger.Warn("failed to suspend upload, aborting",
			"key", key,
			"session", s.ID(),
			"error", err)
	}
	if err := w.Abort(ctx); err != nil {
		p.logger.Warn("failed to abort upload",
			"key", key,
			"error", err)
	}
}
