package transports

import (
	"context"
	"fmt"
	"sync"

	"github.com/richardartoul/blobcache/pkg/blob"
)

// Memory is a Target that keeps completed objects in process memory.
type Memory struct {
	mu        sync.RWMutex
	objects   map[string]*blob.Object
	suspended map[string]*memoryWriter // by session id
}

// NewMemory creates an empty Memory target.
func NewMemory() *Memory {
	return &Memory{
		objects:   make(map[string]*blob.Object),
		suspended: make(map[string]*memoryWriter),
	}
}

func (m *Memory) Open(ctx context.Context, key string, info ObjectInfo) (Writer, error) {
	if len(info.Resume) > 0 {
		return m.resume(key, info)
	}
	return &memoryWriter{
		target: m,
		key:    key,
		info:   info,
		chunks: make(map[int][]byte),
	}, nil
}

func (m *Memory) resume(key string, info ObjectInfo) (Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.suspended[info.SessionID]
	if !ok || info.SessionID == "" {
		return nil, fmt.Errorf("%w: no suspended upload for session %q", ErrNotResumable, info.SessionID)
	}
	if w.key != key || w.info.Size != info.Size || w.info.ChunkSize != info.ChunkSize {
		return nil, fmt.Errorf("%w: session %s was suspended for a different object", ErrNotResumable, info.SessionID)
	}
	for _, idx := range info.Resume {
		if _, ok := w.chunks[idx]; !ok {
			return nil, fmt.Errorf("%w: chunk %d of session %s was never delivered", ErrNotResumable, idx, info.SessionID)
		}
	}
	delete(m.suspended, info.SessionID)
	w.info = info
	return w, nil
}

// Get returns the completed object stored under key.
func (m *Memory) Get(key string) (*blob.Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

type memoryWriter struct {
	target *Memory
	key    string
	info   ObjectInfo

	mu     sync.Mutex
	chunks map[int][]byte
}

func (w *memoryWriter) SendChunk(ctx context.Context, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chunks == nil {
		return fmt.Errorf("writer for %s is closed", w.key)
	}
	w.chunks[index] = append([]byte(nil), data...)
	return nil
}

func (w *memoryWriter) Complete(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chunks == nil {
		return fmt.Errorf("writer for %s is closed", w.key)
	}

	parts := make([]*blob.Object, 0, len(w.chunks))
	for i := 0; i < len(w.chunks); i++ {
		data, ok := w.chunks[i]
		if !ok {
			return fmt.Errorf("missing chunk %d of %d", i, len(w.chunks))
		}
		parts = append(parts, blob.New(data, ""))
	}
	obj := blob.Concat(w.info.ContentType, parts...)
	if obj.Size() != w.info.Size {
		return fmt.Errorf("assembled %d bytes, expected %d", obj.Size(), w.info.Size)
	}

	w.target.mu.Lock()
	w.target.objects[w.key] = obj
	w.target.mu.Unlock()
	w.chunks = nil
	return nil
}

func (w *memoryWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks = nil
	return nil
}

func (w *memoryWriter) Suspend(ctx context.Context) error {
	if w.info.SessionID == "" {
		return fmt.Errorf("cannot suspend %s without a session id", w.key)
	}
	w.mu.Lock()
	closed := w.chunks == nil
	w.mu.Unlock()
	if closed {
		return fmt.Errorf("writer for %s is closed", w.key)
	}

	w.target.mu.Lock()
	w.target.suspended[w.info.SessionID] = w
	w.target.mu.Unlock()
	return nil
}
