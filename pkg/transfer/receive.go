package transfer

import (
	"fmt"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/richardartoul/blobcache/pkg/blob"
)

// Receiver reassembles an inbound transfer from chunks handed to
// OnChunkReceived by a transport.
//
// By default chunks must arrive in index order starting at 0, and any other
// index fails the session with ErrOutOfOrderChunk. WithReorderBuffer relaxes
// this for transports that may reorder: chunks are then buffered by index
// and appended once contiguous. In both modes every chunk must match the
// chunk plan, and a chunk of the wrong length fails the session with a
// *blob.ReadError. Bytes of a session that did not complete are dropped.
type Receiver struct {
	s *Session

	mu      sync.Mutex // serializes chunk delivery
	buf     []byte
	next    int
	pending map[int][]byte

	reorder     bool
	contentType string
	expected    digest.Digest
	sessionOpts []SessionOption

	obj *blob.Object // set under the session lock just before completion
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithContentType sets the content type of the reassembled object.
func WithContentType(ct string) ReceiverOption {
	return func(r *Receiver) { r.contentType = ct }
}

// WithExpectedDigest makes completion conditional on the reassembled bytes
// matching d. A mismatch fails the session with a *blob.ReadError wrapping
// ErrDigestMismatch.
func WithExpectedDigest(d digest.Digest) ReceiverOption {
	return func(r *Receiver) { r.expected = d }
}

// WithReorderBuffer accepts chunks in any order.
func WithReorderBuffer() ReceiverOption {
	return func(r *Receiver) { r.reorder = true }
}

// WithSessionOptions passes options through to the underlying Session.
func WithSessionOptions(opts ...SessionOption) ReceiverOption {
	return func(r *Receiver) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// NewReceiver creates a pending receiver for an object of total bytes.
func NewReceiver(total int64, opts ...ReceiverOption) (*Receiver, error) {
	r := &Receiver{}
	for _, opt := range opts {
		opt(r)
	}
	if r.expected != "" {
		if err := r.expected.Validate(); err != nil {
			return nil, fmt.Errorf("%w: expected digest: %v", ErrInvalidArgument, err)
		}
	}

	s, err := NewSession(Download, total, r.sessionOpts...)
	if err != nil {
		return nil, err
	}
	s.verify = r.finalize
	r.s = s
	if r.reorder {
		r.pending = make(map[int][]byte)
	}
	return r, nil
}

// Session returns the underlying session.
func (r *Receiver) Session() *Session { return r.s }

// ID returns the session id.
func (r *Receiver) ID() string { return r.s.ID() }

// Start activates the session.
func (r *Receiver) Start() error { return r.s.Start() }

// Cancel cancels the session and drops the bytes received so far. Chunks
// delivered afterwards are ignored.
func (r *Receiver) Cancel() bool {
	if !r.s.Cancel() {
		return false
	}
	// An observer may cancel while a delivery holds r.mu; that delivery
	// releases the buffer itself on its way out.
	if r.mu.TryLock() {
		r.releaseLocked()
		r.mu.Unlock()
	}
	return true
}

// releaseLocked drops buffered bytes once the session ended without
// completing.
func (r *Receiver) releaseLocked() {
	if st := r.s.Status(); st.Terminal() && st != StatusCompleted {
		r.buf = nil
		r.pending = nil
	}
}

// OnChunkReceived appends one chunk. It returns ErrSessionClosed, leaving
// the session untouched, when the session is not active. Observers of the
// session must not call OnChunkReceived.
func (r *Receiver) OnChunkReceived(index int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.releaseLocked()

	if st := r.s.Status(); st != StatusActive {
		return fmt.Errorf("%w: chunk %d arrived while %s", ErrSessionClosed, index, st)
	}
	if !r.reorder {
		if index != r.next {
			err := fmt.Errorf("%w: got chunk %d, expected %d", ErrOutOfOrderChunk, index, r.next)
			r.s.fail(err)
			return err
		}
		if err := r.checkSizeLocked(index, data); err != nil {
			return err
		}
		return r.appendLocked(index, data)
	}
	return r.bufferLocked(index, data)
}

// checkSizeLocked fails the session unless data has the length the chunk
// plan gives index.
func (r *Receiver) checkSizeLocked(index int, data []byte) error {
	if index >= len(r.s.chunks) {
		have := int64(len(r.buf))
		err := &blob.ReadError{
			Start: have,
			End:   have + int64(len(data)),
			Err:   fmt.Errorf("chunk %d overflows declared size %d", index, r.s.total),
		}
		r.s.fail(err)
		return err
	}
	if want := r.s.chunks[index].Size; int64(len(data)) != want {
		err := &blob.ReadError{
			Start: r.s.chunks[index].Offset,
			End:   r.s.chunks[index].End(),
			Err:   fmt.Errorf("chunk %d has %d bytes, expected %d", index, len(data), want),
		}
		r.s.fail(err)
		return err
	}
	return nil
}

func (r *Receiver) bufferLocked(index int, data []byte) error {
	if index < 0 || index >= len(r.s.chunks) {
		err := fmt.Errorf("%w: chunk %d outside [0, %d)", ErrOutOfOrderChunk, index, len(r.s.chunks))
		r.s.fail(err)
		return err
	}
	if _, dup := r.pending[index]; dup || index < r.next {
		// redelivery of a chunk we already hold
		return nil
	}
	if err := r.checkSizeLocked(index, data); err != nil {
		return err
	}

	r.pending[index] = append([]byte(nil), data...)
	for {
		d, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)
		if err := r.appendLocked(r.next, d); err != nil {
			return err
		}
	}
}

func (r *Receiver) appendLocked(index int, data []byte) error {
	have := int64(len(r.buf))
	if have+int64(len(data)) > r.s.total {
		err := &blob.ReadError{
			Start: have,
			End:   have + int64(len(data)),
			Err:   fmt.Errorf("chunk %d overflows declared size %d", index, r.s.total),
		}
		r.s.fail(err)
		return err
	}
	r.buf = append(r.buf, data...)
	r.next++
	if !r.s.appendBytes(index, int64(len(data))) {
		return fmt.Errorf("%w: chunk %d", ErrSessionClosed, index)
	}
	if st := r.s.Status(); st == StatusFailed {
		return r.s.Err()
	}
	return nil
}

// Finish tells the receiver the transport has no more chunks. It fails the
// session with a *blob.ReadError if fewer bytes than declared arrived.
func (r *Receiver) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.releaseLocked()

	switch st := r.s.Status(); st {
	case StatusCompleted:
		return nil
	case StatusActive:
		have := int64(len(r.buf))
		err := &blob.ReadError{
			Start: have,
			End:   r.s.total,
			Err:   fmt.Errorf("stream ended after %d of %d declared bytes", have, r.s.total),
		}
		r.s.fail(err)
		return err
	default:
		return fmt.Errorf("%w: finish while %s", ErrSessionClosed, st)
	}
}

// Object returns the reassembled object once the session has completed.
func (r *Receiver) Object() (*blob.Object, error) {
	if st := r.s.Status(); st != StatusCompleted {
		return nil, fmt.Errorf("%w: object unavailable while %s", ErrSessionClosed, st)
	}
	return r.obj, nil
}

// finalize runs under the session lock when the declared size is reached.
func (r *Receiver) finalize() error {
	obj := blob.New(r.buf, r.contentType)
	if r.expected != "" {
		if got := obj.Digest(); got != r.expected {
			return &blob.ReadError{
				Start: 0,
				End:   r.s.total,
				Err:   fmt.Errorf("%w: got %s, expected %s", ErrDigestMismatch, got, r.expected),
			}
		}
	}
	r.obj = obj
	r.buf = nil
	return nil
}
