// Package blob holds the immutable binary objects shared by the object cache
// and the transfer pipeline, together with the byte-range Provider capability
// used to read them.
package blob

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Object is an immutable sequence of bytes with a content-type tag.
// The backing slice is owned by the Object and never handed out directly.
type Object struct {
	data        []byte
	contentType string
}

// New creates an Object from a copy of data.
func New(data []byte, contentType string) *Object {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Object{data: cp, contentType: contentType}
}

// Size returns the number of bytes in the object.
func (o *Object) Size() int64 {
	return int64(len(o.data))
}

// ContentType returns the free-form content-type tag, e.g. a MIME type.
func (o *Object) ContentType() string {
	return o.contentType
}

// Bytes returns a copy of the object's contents.
func (o *Object) Bytes() []byte {
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	return cp
}

// Digest returns the sha256 digest of the object's contents.
func (o *Object) Digest() digest.Digest {
	return digest.FromBytes(o.data)
}

// ReadRange returns a copy of the bytes in [start, end).
func (o *Object) ReadRange(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, o.Size()); err != nil {
		return nil, &ReadError{Start: start, End: end, Err: err}
	}
	cp := make([]byte, end-start)
	copy(cp, o.data[start:end])
	return cp, nil
}

// Slice returns a new Object holding the bytes in [start, end).
// An empty contentType inherits the parent's tag.
func (o *Object) Slice(start, end int64, contentType string) (*Object, error) {
	if err := checkRange(start, end, o.Size()); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = o.contentType
	}
	return New(o.data[start:end], contentType), nil
}

// Concat returns a new Object holding the contents of parts in order.
// Nil parts are skipped.
func Concat(contentType string, parts ...*Object) *Object {
	var n int
	for _, p := range parts {
		if p != nil {
			n += len(p.data)
		}
	}
	data := make([]byte, 0, n)
	for _, p := range parts {
		if p != nil {
			data = append(data, p.data...)
		}
	}
	return &Object{data: data, contentType: contentType}
}

func checkRange(start, end, size int64) error {
	if start < 0 || end < start {
		return fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	if end > size {
		return fmt.Errorf("range [%d, %d) exceeds size %d", start, end, size)
	}
	return nil
}
