package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed session parameters.
	ErrInvalidArgument = errors.New("transfer: invalid argument")

	// ErrOutOfOrderChunk is returned when an inbound chunk does not carry the
	// next expected index. The session is failed.
	ErrOutOfOrderChunk = errors.New("transfer: out-of-order chunk")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("transfer: transport error")

	// ErrCancelled is returned by Run when the session was cancelled.
	ErrCancelled = errors.New("transfer: cancelled")

	// ErrSessionClosed is returned when delivering a chunk to a session that
	// is not active. The chunk is ignored.
	ErrSessionClosed = errors.New("transfer: session not active")

	// ErrUnknownSession is returned by Manager for ids it does not track.
	ErrUnknownSession = errors.New("transfer: unknown session")

	// ErrDigestMismatch is returned when reassembled bytes do not match the
	// expected digest.
	ErrDigestMismatch = errors.New("transfer: digest mismatch")
)

// TransportError wraps a failure reported by the transport for one chunk.
type TransportError struct {
	Index int
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send chunk %d: %v", e.Index, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
