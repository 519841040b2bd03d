package blob

import (
	"errors"
	"fmt"
	"io"
)

// ErrRead is matched by every *ReadError.
var ErrRead = errors.New("blob: bytes unavailable")

// Provider exposes the length of an object and contiguous byte ranges of it.
// *Object implements Provider.
type Provider interface {
	// Size returns the total byte length.
	Size() int64

	// ReadRange returns the bytes in [start, end). Failures are reported
	// as *ReadError.
	ReadRange(start, end int64) ([]byte, error)
}

// ReadError reports that a byte range could not be read.
type ReadError struct {
	Start int64
	End   int64
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read [%d, %d): %v", e.Start, e.End, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is reports ErrRead as a match so callers can test the category without
// caring about the range.
func (e *ReadError) Is(target error) bool { return target == ErrRead }

type readerAtProvider struct {
	r    io.ReaderAt
	size int64
}

// FromReaderAt adapts an io.ReaderAt of known size, such as an *os.File, into
// a Provider.
func FromReaderAt(r io.ReaderAt, size int64) Provider {
	return &readerAtProvider{r: r, size: size}
}

func (p *readerAtProvider) Size() int64 { return p.size }

func (p *readerAtProvider) ReadRange(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, p.size); err != nil {
		return nil, &ReadError{Start: start, End: end, Err: err}
	}
	buf := make([]byte, end-start)
	n, err := p.r.ReadAt(buf, start)
	// io.ReaderAt may return io.EOF alongside a full read at the end.
	if n == len(buf) {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, &ReadError{Start: start, End: end, Err: err}
}
