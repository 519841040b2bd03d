package transports

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Debug wraps any Target and traces every call to a writer, so any
// destination can be debugged without coupling the trace to it.
type Debug struct {
	target Target
	out    io.Writer
}

// NewDebug creates a debug wrapper around target. A nil out traces to
// stderr.
func NewDebug(target Target, out io.Writer) *Debug {
	if out == nil {
		out = os.Stderr
	}
	return &Debug{
		target: target,
		out:    out,
	}
}

// Open opens a writer on the wrapped target with debug logging.
func (d *Debug) Open(ctx context.Context, key string, info ObjectInfo) (Writer, error) {
	fmt.Fprintf(d.out, "[DEBUG] Open: key=%s, size=%d, chunkSize=%d, contentType=%q\n",
		key, info.Size, info.ChunkSize, info.ContentType)

	if len(info.Resume) > 0 {
		fmt.Fprintf(d.out, "[DEBUG] Open: resuming session=%s, chunks=%v\n", info.SessionID, info.Resume)
	}

	w, err := d.target.Open(ctx, key, info)
	if err != nil {
		fmt.Fprintf(d.out, "[DEBUG] Open: ERROR: %v\n", err)
		return nil, err
	}
	return &debugWriter{writer: w, key: key, out: d.out}, nil
}

type debugWriter struct {
	writer Writer
	key    string
	out    io.Writer
}

func (w *debugWriter) SendChunk(ctx context.Context, index int, data []byte) error {
	fmt.Fprintf(w.out, "[DEBUG] SendChunk: key=%s, index=%d, size=%d\n", w.key, index, len(data))

	err := w.writer.SendChunk(ctx, index, data)
	if err != nil {
		fmt.Fprintf(w.out, "[DEBUG] SendChunk: ERROR: %v\n", err)
	}
	return err
}

func (w *debugWriter) Complete(ctx context.Context) error {
	fmt.Fprintf(w.out, "[DEBUG] Complete: key=%s\n", w.key)

	if err := w.writer.Complete(ctx); err != nil {
		fmt.Fprintf(w.out, "[DEBUG] Complete: ERROR: %v\n", err)
		return err
	}

	fmt.Fprintf(w.out, "[DEBUG] Complete: %s stored successfully\n", w.key)
	return nil
}

func (w *debugWriter) Abort(ctx context.Context) error {
	fmt.Fprintf(w.out, "[DEBUG] Abort: key=%s\n", w.key)

	err := w.writer.Abort(ctx)
	if err != nil {
		fmt.Fprintf(w.out, "[DEBUG] Abort: ERROR: %v\n", err)
	}
	return err
}

func (w *debugWriter) Suspend(ctx context.Context) error {
	fmt.Fprintf(w.out, "[DEBUG] Suspend: key=%s\n", w.key)

	err := w.writer.Suspend(ctx)
	if err != nil {
		fmt.Fprintf(w.out, "[DEBUG] Suspend: ERROR: %v\n", err)
	}
	return err
}
