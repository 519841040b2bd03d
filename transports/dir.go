package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/richardartoul/blobcache/pkg/blob"
)

const (
	fileFormatVersion = "v1-"

	encodingZstd = "zstd"
)

// Dir is a Target that stores objects as files under a local directory.
// Each object is written to a temp file at chunk offsets and renamed into
// place on Complete, so a partially uploaded object is never visible.
type Dir struct {
	root     string // Absolute path to the storage directory
	logger   *slog.Logger
	now      func() time.Time
	compress bool
}

// DirOption configures a Dir.
type DirOption func(*Dir)

// WithCompression stores objects zstd compressed. Objects written
// uncompressed stay readable.
func WithCompression() DirOption {
	return func(d *Dir) { d.compress = true }
}

// Metadata describes a stored object.
type Metadata struct {
	ContentType string
	Size        int64
	PutTime     time.Time
	Digest      digest.Digest // of the uncompressed bytes
	Encoding    string        // "" or "zstd"
}

// NewDir creates a Dir rooted at root, creating it if necessary.
func NewDir(root string, logger *slog.Logger, opts ...DirOption) (*Dir, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Precreate all 256 subdirectories (00-ff) so writes never have to.
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(absRoot, subdir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}

	d := &Dir{
		root:   absRoot,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Open locks the destination for key and prepares a temp file of
// info.Size bytes. It returns ErrBusy if another writer, in this or any
// other process, holds the destination. When info.Resume is set the temp
// file suspended by the same session is reopened instead.
func (d *Dir) Open(ctx context.Context, key string, info ObjectInfo) (Writer, error) {
	if info.Size > 0 && info.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", info.ChunkSize)
	}
	path := d.keyToPath(key)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}

	w := &dirWriter{
		dir:     d,
		key:     key,
		info:    info,
		path:    path,
		tmpPath: path + ".tmp",
		lock:    lock,
		written: make(map[int]bool),
	}
	if len(info.Resume) > 0 {
		err = w.reopen()
	} else {
		err = w.create()
	}
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return w, nil
}

// Stat returns the metadata for key. Returns nil if the object does not
// exist, and logs a warning if its metadata is missing or corrupted.
func (d *Dir) Stat(key string) *Metadata {
	meta, err := d.readMetadata(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		d.logger.Warn("failed to read object metadata",
			"key", key,
			"error", err)
		return nil
	}
	return meta
}

// Load reads the object stored under key and verifies it against the
// digest recorded in its metadata.
func (d *Dir) Load(key string) (*blob.Object, error) {
	meta := d.Stat(key)
	if meta == nil {
		return nil, fmt.Errorf("object %s: %w", key, os.ErrNotExist)
	}
	data, err := d.readData(key, meta.Encoding)
	if err != nil {
		return nil, err
	}
	if meta.Digest != "" {
		if err := meta.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid digest in metadata: %w", err)
		}
		if got := meta.Digest.Algorithm().FromBytes(data); got != meta.Digest {
			return nil, fmt.Errorf("object %s is corrupted: digest %s, expected %s", key, got, meta.Digest)
		}
	}
	return blob.New(data, meta.ContentType), nil
}

func (d *Dir) readData(key, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		data, err := os.ReadFile(d.keyToPath(key))
		if err != nil {
			return nil, fmt.Errorf("failed to read object: %w", err)
		}
		return data, nil
	case encodingZstd:
		f, err := os.Open(d.keyToPath(key))
		if err != nil {
			return nil, fmt.Errorf("failed to open object: %w", err)
		}
		defer f.Close()
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
		defer dec.Close()
		data, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress object: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Remove deletes the object stored under key. Removing a missing object is
// not an error.
func (d *Dir) Remove(key string) error {
	path := d.keyToPath(key)
	for _, p := range []string{path + ".meta", path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// writeMetadata writes metadata for an object.
func (d *Dir) writeMetadata(key string, meta Metadata) error {
	metaPath := d.keyToPath(key) + ".meta"

	content := fmt.Sprintf("contentType:%s\nsize:%d\ntime:%d\ndigest:%s\nencoding:%s\n",
		meta.ContentType,
		meta.Size,
		meta.PutTime.Unix(),
		meta.Digest,
		meta.Encoding)

	// Write to temp file first for atomic operation.
	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

func (d *Dir) readMetadata(key string) (*Metadata, error) {
	data, err := os.ReadFile(d.keyToPath(key) + ".meta")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var (
		meta    Metadata
		hasSize bool
	)
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "contentType:"); ok {
			meta.ContentType = v
		} else if v, ok := strings.CutPrefix(line, "size:"); ok {
			meta.Size, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse size: %w", err)
			}
			hasSize = true
		} else if v, ok := strings.CutPrefix(line, "time:"); ok {
			unix, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse time: %w", err)
			}
			meta.PutTime = time.Unix(unix, 0)
		} else if v, ok := strings.CutPrefix(line, "digest:"); ok {
			meta.Digest = digest.Digest(strings.TrimSpace(v))
		} else if v, ok := strings.CutPrefix(line, "encoding:"); ok {
			meta.Encoding = strings.TrimSpace(v)
		}
	}
	if !hasSize {
		return nil, fmt.Errorf("metadata missing size field")
	}
	return &meta, nil
}

// keyToPath converts a key to a file path. Files are spread over 256
// subdirectories using the first byte of the key's sha256 digest.
func (d *Dir) keyToPath(key string) string {
	hexKey := digest.FromString(key).Encoded()
	return filepath.Join(d.root, hexKey[:2], fileFormatVersion+hexKey)
}

type dirWriter struct {
	dir     *Dir
	key     string
	info    ObjectInfo
	path    string
	tmpPath string
	lock    *flock.Flock

	mu     sync.RWMutex
	file   *os.File
	closed bool

	writtenMu sync.Mutex
	written   map[int]bool
}

func (w *dirWriter) create() error {
	f, err := os.Create(w.tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := f.Truncate(w.info.Size); err != nil {
		f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to size temp file: %w", err)
	}
	w.file = f
	return nil
}

// partPath is where a suspended upload keeps its data. The list of chunks
// it holds is stored next to it with a ".chunks" suffix.
func (w *dirWriter) partPath() string {
	return w.path + ".part-" + digest.FromString(w.info.SessionID).Encoded()[:16]
}

// reopen continues an upload suspended by the same session, provided every
// chunk in info.Resume was written before the suspension.
func (w *dirWriter) reopen() error {
	if w.info.SessionID == "" {
		return fmt.Errorf("%w: resume without a session id", ErrNotResumable)
	}
	partPath := w.partPath()
	state, err := readPartState(partPath + ".chunks")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no suspended upload for session %s", ErrNotResumable, w.info.SessionID)
		}
		return fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	if state.size != w.info.Size || state.chunkSize != w.info.ChunkSize {
		return fmt.Errorf("%w: session %s was suspended with size %d and chunk size %d",
			ErrNotResumable, w.info.SessionID, state.size, state.chunkSize)
	}
	for _, idx := range w.info.Resume {
		if !state.chunks[idx] {
			return fmt.Errorf("%w: chunk %d of session %s was never written", ErrNotResumable, idx, w.info.SessionID)
		}
	}

	if err := os.Rename(partPath, w.tmpPath); err != nil {
		return fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	f, err := os.OpenFile(w.tmpPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	os.Remove(partPath + ".chunks")
	w.file = f
	w.written = state.chunks
	return nil
}

func (w *dirWriter) SendChunk(ctx context.Context, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	off := int64(index) * w.info.ChunkSize
	if off+int64(len(data)) > w.info.Size {
		return fmt.Errorf("chunk %d overflows object of %d bytes", index, w.info.Size)
	}

	// WriteAt on disjoint ranges may run concurrently; the write lock is
	// only taken by Complete and Abort.
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.key)
	}
	if _, err := w.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	w.writtenMu.Lock()
	w.written[index] = true
	w.writtenMu.Unlock()
	return nil
}

func (w *dirWriter) Complete(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.key)
	}
	w.closed = true
	defer w.lock.Unlock()
	defer os.Remove(w.tmpPath) // no-op once renamed

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to rewind temp file: %w", err)
	}
	dgst, err := digest.FromReader(w.file)
	closeErr := w.file.Close()
	if err != nil {
		return fmt.Errorf("failed to digest temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	var encoding string
	if w.dir.compress {
		if err := w.compress(); err != nil {
			return err
		}
		encoding = encodingZstd
	} else if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to rename object file: %w", err)
	}

	meta := Metadata{
		ContentType: w.info.ContentType,
		Size:        w.info.Size,
		PutTime:     w.dir.now(),
		Digest:      dgst,
		Encoding:    encoding,
	}
	if err := w.dir.writeMetadata(w.key, meta); err != nil {
		// the data file is useless without metadata
		os.Remove(w.path)
		return err
	}
	return nil
}

// compress writes the zstd encoding of the temp file to the final path.
func (w *dirWriter) compress() error {
	src, err := os.Open(w.tmpPath)
	if err != nil {
		return fmt.Errorf("failed to reopen temp file: %w", err)
	}
	defer src.Close()

	zstPath := w.tmpPath + ".zst"
	dst, err := os.Create(zstPath)
	if err != nil {
		return fmt.Errorf("failed to create compressed file: %w", err)
	}
	defer os.Remove(zstPath) // no-op once renamed

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	_, err = io.Copy(enc, src)
	encErr := enc.Close()
	closeErr := dst.Close()
	if err != nil {
		return fmt.Errorf("failed to compress object: %w", err)
	}
	if encErr != nil {
		return fmt.Errorf("failed to finish compression: %w", encErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close compressed file: %w", closeErr)
	}

	if err := os.Rename(zstPath, w.path); err != nil {
		return fmt.Errorf("failed to rename object file: %w", err)
	}
	return nil
}

func (w *dirWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.lock.Unlock()

	w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove temp file: %w", err)
	}
	return nil
}

// Suspend moves the temp file aside under the session id and records which
// chunks it holds, then releases the destination.
func (w *dirWriter) Suspend(ctx context.Context) error {
	if w.info.SessionID == "" {
		return fmt.Errorf("cannot suspend %s without a session id", w.key)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.key)
	}
	w.closed = true
	defer w.lock.Unlock()

	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	partPath := w.partPath()
	if err := os.Rename(w.tmpPath, partPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to keep partial upload: %w", err)
	}

	w.writtenMu.Lock()
	state := partState{size: w.info.Size, chunkSize: w.info.ChunkSize, chunks: w.written}
	err := writePartState(partPath+".chunks", state)
	w.writtenMu.Unlock()
	if err != nil {
		os.Remove(partPath)
		return err
	}
	return nil
}

type partState struct {
	size      int64
	chunkSize int64
	chunks    map[int]bool
}

func writePartState(path string, state partState) error {
	indices := make([]int, 0, len(state.chunks))
	for idx := range state.chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	strs := make([]string, len(indices))
	for i, idx := range indices {
		strs[i] = strconv.Itoa(idx)
	}

	content := fmt.Sprintf("size:%d\nchunkSize:%d\nchunks:%s\n",
		state.size, state.chunkSize, strings.Join(strs, ","))
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write chunk list: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename chunk list: %w", err)
	}
	return nil
}

func readPartState(path string) (partState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return partState{}, err
	}

	state := partState{chunks: make(map[int]bool)}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "size:"); ok {
			if state.size, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				return state, fmt.Errorf("failed to parse size: %w", err)
			}
		} else if v, ok := strings.CutPrefix(line, "chunkSize:"); ok {
			if state.chunkSize, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				return state, fmt.Errorf("failed to parse chunk size: %w", err)
			}
		} else if v, ok := strings.CutPrefix(line, "chunks:"); ok {
			for _, f := range strings.Split(strings.TrimSpace(v), ",") {
				if f == "" {
					continue
				}
				idx, err := strconv.Atoi(f)
				if err != nil {
					return state, fmt.Errorf("failed to parse chunk index: %w", err)
				}
				state.chunks[idx] = true
			}
		}
	}
	return state, nil
}
