package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/metrics"
	"github.com/richardartoul/blobcache/pkg/transfer"
)

// Cmd represents a command type.
type Cmd string

const (
	CmdSet       = Cmd("set")
	CmdGet       = Cmd("get")
	CmdHandle    = Cmd("handle")
	CmdHas       = Cmd("has")
	CmdDelete    = Cmd("delete")
	CmdClear     = Cmd("clear")
	CmdCleanup   = Cmd("cleanup")
	CmdKeys      = Cmd("keys")
	CmdUpload    = Cmd("upload")
	CmdTransfers = Cmd("transfers")
	CmdStats     = Cmd("stats")
	CmdClose     = Cmd("close")
)

var knownCommands = []Cmd{
	CmdSet, CmdGet, CmdHandle, CmdHas, CmdDelete, CmdClear,
	CmdCleanup, CmdKeys, CmdUpload, CmdTransfers, CmdStats, CmdClose,
}

// Request represents a request read from the input stream.
type Request struct {
	ID          int64
	Command     Cmd
	Key         string `json:",omitempty"`
	ContentType string `json:",omitempty"`
	BodySize    int64  `json:",omitempty"`
	// MaxAge is the cleanup age in seconds.
	MaxAge float64 `json:",omitempty"`
	// Path uploads a local file instead of a cached object.
	Path string `json:",omitempty"`
	// Resume is the session id of a failed upload to continue.
	Resume string `json:",omitempty"`
	// Status filters the transfers command. It defaults to "failed".
	Status string `json:",omitempty"`
	Body   []byte `json:"-"`
}

// Response represents a response written to the output stream. An upload
// produces any number of responses carrying Progress before its final
// response.
type Response struct {
	ID            int64         `json:",omitempty"`
	Err           string        `json:",omitempty"`
	KnownCommands []Cmd         `json:",omitempty"`
	Miss          bool          `json:",omitempty"`
	Size          int64         `json:",omitempty"`
	ContentType   string        `json:",omitempty"`
	Digest        string        `json:",omitempty"`
	Body          []byte        `json:",omitempty"`
	HandleURL     string        `json:",omitempty"`
	Time          *time.Time    `json:",omitempty"`
	Removed       int           `json:",omitempty"`
	Entries       int           `json:",omitempty"`
	Progress      *ProgressInfo `json:",omitempty"`
	Session       *SessionInfo  `json:",omitempty"`
	Stats         []string      `json:",omitempty"`
	Keys          []string      `json:",omitempty"`
	Transfers     []SessionInfo `json:",omitempty"`
}

// ProgressInfo reports one acknowledged chunk of an upload.
type ProgressInfo struct {
	SessionID        string
	ChunkIndex       int
	BytesTransferred int64
	TotalSize        int64
	Percentage       float64
}

// SessionInfo is the final state of an upload session.
type SessionInfo struct {
	ID               string
	Status           string
	BytesTransferred int64
	TotalSize        int64
	CompletedChunks  []int  `json:",omitempty"`
	Err              string `json:",omitempty"`
}

func sessionInfo(snap transfer.Snapshot) *SessionInfo {
	return &SessionInfo{
		ID:               snap.ID,
		Status:           snap.Status.String(),
		BytesTransferred: snap.BytesTransferred,
		TotalSize:        snap.TotalSize,
		CompletedChunks:  snap.CompletedChunks,
		Err:              snap.Err,
	}
}

// CacheProg serves the line protocol over a pair of streams.
type CacheProg struct {
	cache    CacheBackend
	uploader ObjectUploader
	journal  TransferJournal
	tracker  *metrics.LatencyTracker
	logger   *slog.Logger

	scanner *bufio.Scanner

	writeMu sync.Mutex
	writer  *bufio.Writer
}

// CacheProgOption configures a CacheProg.
type CacheProgOption func(*CacheProg)

// WithUploader enables the upload command.
func WithUploader(u ObjectUploader) CacheProgOption {
	return func(cp *CacheProg) { cp.uploader = u }
}

// WithJournal enables the transfers command and resuming uploads by
// session id.
func WithJournal(j TransferJournal) CacheProgOption {
	return func(cp *CacheProg) { cp.journal = j }
}

// WithTracker reports tracker statistics from the stats command.
func WithTracker(t *metrics.LatencyTracker) CacheProgOption {
	return func(cp *CacheProg) { cp.tracker = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CacheProgOption {
	return func(cp *CacheProg) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewCacheProg creates a command program reading requests from in and
// writing responses to out.
func NewCacheProg(cache CacheBackend, in io.Reader, out io.Writer, opts ...CacheProgOption) *CacheProg {
	scanner := bufio.NewScanner(in)
	// Bodies travel base64 encoded on a single line, so the default 64KB
	// token limit is far too small.
	const maxScanTokenSize = 64 * 1024 * 1024
	scanner.Buffer(make([]byte, 1024*1024), maxScanTokenSize)

	cp := &CacheProg{
		cache:   cache,
		logger:  slog.Default(),
		scanner: scanner,
		writer:  bufio.NewWriter(out),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// SendResponse writes one response line.
func (cp *CacheProg) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	cp.writeMu.Lock()
	defer cp.writeMu.Unlock()

	if _, err := cp.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := cp.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return cp.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (cp *CacheProg) SendInitialResponse() error {
	return cp.SendResponse(Response{KnownCommands: knownCommands})
}

// nextLine returns the next non-empty line, or io.EOF.
func (cp *CacheProg) nextLine() (string, error) {
	for cp.scanner.Scan() {
		line := cp.scanner.Text()
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
	if err := cp.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// ReadRequest reads the next request, including the body line of a set
// command.
func (cp *CacheProg) ReadRequest() (*Request, error) {
	line, err := cp.nextLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}

	if req.Command == CmdSet && req.BodySize > 0 {
		bodyLine, err := cp.nextLine()
		if err != nil {
			if err == io.EOF {
				// connection closed before the body arrived
				return nil, io.EOF
			}
			return nil, fmt.Errorf("error reading body line: %w", err)
		}

		// The body is a base64 encoded JSON string literal.
		var base64Str string
		if err := json.Unmarshal([]byte(bodyLine), &base64Str); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body as JSON string: %w (line: %q)", err, bodyLine)
		}
		body, err := base64.StdEncoding.DecodeString(base64Str)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		if int64(len(body)) != req.BodySize {
			return nil, fmt.Errorf("body has %d bytes, BodySize says %d", len(body), req.BodySize)
		}
		req.Body = body
	}

	return &req, nil
}

// HandleRequest processes a single request and sends its response.
func (cp *CacheProg) HandleRequest(ctx context.Context, req *Request) error {
	var resp Response
	resp.ID = req.ID

	switch req.Command {
	case CmdSet:
		if req.Key == "" {
			resp.Err = "set requires Key"
			break
		}
		obj := blob.New(req.Body, req.ContentType)
		if err := cp.cache.Set(req.Key, obj); err != nil {
			resp.Err = err.Error()
		} else {
			resp.Size = obj.Size()
			resp.Digest = obj.Digest().String()
		}

	case CmdGet:
		entry, ok := cp.cache.Get(req.Key)
		if !ok {
			resp.Miss = true
			break
		}
		obj := entry.Object()
		touched := entry.LastTouched()
		resp.Size = obj.Size()
		resp.ContentType = obj.ContentType()
		resp.Digest = obj.Digest().String()
		resp.Body = obj.Bytes()
		resp.Time = &touched

	case CmdHandle:
		h, ok := cp.cache.GetHandle(req.Key)
		if !ok {
			resp.Miss = true
			break
		}
		resp.HandleURL = h.URL()

	case CmdHas:
		resp.Miss = !cp.cache.Has(req.Key)

	case CmdDelete:
		resp.Miss = !cp.cache.Delete(req.Key)

	case CmdClear:
		resp.Removed = cp.cache.Len()
		cp.cache.Clear()

	case CmdCleanup:
		if req.MaxAge < 0 {
			resp.Err = fmt.Sprintf("MaxAge must not be negative, got %v", req.MaxAge)
			break
		}
		resp.Removed = cp.cache.Cleanup(time.Duration(req.MaxAge * float64(time.Second)))

	case CmdKeys:
		resp.Keys = cp.cache.Keys()
		resp.Entries = len(resp.Keys)

	case CmdUpload:
		cp.handleUpload(ctx, req, &resp)

	case CmdTransfers:
		cp.handleTransfers(ctx, req, &resp)

	case CmdStats:
		resp.Entries = cp.cache.Len()
		if cp.tracker != nil {
			for _, stats := range cp.tracker.GetAllStats() {
				resp.Stats = append(resp.Stats, stats.String())
			}
		}

	case CmdClose:
		// Will exit after sending response

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return cp.SendResponse(resp)
}

func (cp *CacheProg) handleUpload(ctx context.Context, req *Request, resp *Response) {
	if cp.uploader == nil {
		resp.Err = "upload is not configured"
		return
	}
	if req.Key == "" {
		resp.Err = "upload requires Key"
		return
	}

	var (
		src         blob.Provider
		contentType string
	)
	if req.Path != "" {
		f, err := os.Open(req.Path)
		if err != nil {
			resp.Err = fmt.Sprintf("failed to open %s: %v", req.Path, err)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			resp.Err = fmt.Sprintf("failed to stat %s: %v", req.Path, err)
			return
		}
		src = blob.FromReaderAt(f, info.Size())
		contentType = req.ContentType
	} else {
		entry, ok := cp.cache.Get(req.Key)
		if !ok {
			resp.Miss = true
			return
		}
		obj := entry.Object()
		src = obj
		contentType = obj.ContentType()
	}

	opts := []transfer.SessionOption{
		transfer.WithObserver(func(ev transfer.Event) {
			if ev.Kind != transfer.EventProgress {
				return
			}
			err := cp.SendResponse(Response{
				ID: req.ID,
				Progress: &ProgressInfo{
					SessionID:        ev.Progress.SessionID,
					ChunkIndex:       ev.Progress.ChunkIndex,
					BytesTransferred: ev.Progress.BytesTransferred,
					TotalSize:        ev.Progress.TotalSize,
					Percentage:       ev.Progress.Percentage(),
				},
			})
			if err != nil {
				cp.logger.Warn("failed to send progress", "id", req.ID, "error", err)
			}
		}),
	}
	if req.Resume != "" {
		resumeOpts, err := cp.resumeOptions(ctx, req.Resume, src.Size())
		if err != nil {
			resp.Err = err.Error()
			return
		}
		opts = append(opts, resumeOpts...)
	}

	s, err := cp.uploader.Upload(ctx, req.Key, contentType, src, opts...)
	if s != nil {
		resp.Session = sessionInfo(s.Snapshot())
	}
	if err != nil {
		resp.Err = err.Error()
		if !errors.Is(err, transfer.ErrCancelled) {
			cp.logger.Warn("upload failed", "key", req.Key, "error", err)
		}
	}
}

// resumeOptions continues the failed upload recorded under id. The new
// session keeps its id and chunk size and skips the chunks it delivered.
func (cp *CacheProg) resumeOptions(ctx context.Context, id string, size int64) ([]transfer.SessionOption, error) {
	if cp.journal == nil {
		return nil, errors.New("resume requires a journal")
	}
	snap, ok, err := cp.journal.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("no recorded transfer %s", id)
	}
	if snap.Direction != transfer.Upload || snap.Status != transfer.StatusFailed {
		return nil, fmt.Errorf("transfer %s is a %s %s, only failed uploads can be resumed",
			id, snap.Status, snap.Direction)
	}
	if snap.TotalSize != size {
		return nil, fmt.Errorf("transfer %s was %d bytes, object is %d", id, snap.TotalSize, size)
	}
	return []transfer.SessionOption{
		transfer.WithID(snap.ID),
		transfer.WithChunkSize(snap.ChunkSize),
		transfer.WithCompletedChunks(snap.CompletedChunks),
	}, nil
}

func (cp *CacheProg) handleTransfers(ctx context.Context, req *Request, resp *Response) {
	if cp.journal == nil {
		resp.Err = "transfers requires a journal"
		return
	}
	status := transfer.StatusFailed
	if req.Status != "" {
		st, err := transfer.ParseStatus(req.Status)
		if err != nil {
			resp.Err = err.Error()
			return
		}
		status = st
	}
	snaps, err := cp.journal.List(ctx, status)
	if err != nil {
		resp.Err = err.Error()
		return
	}
	for _, snap := range snaps {
		resp.Transfers = append(resp.Transfers, *sessionInfo(snap))
	}
}

// Run sends the capabilities and processes requests until the input ends
// or a close command arrives.
func (cp *CacheProg) Run(ctx context.Context) error {
	if err := cp.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := cp.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := cp.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		// Exit after close command
		if req.Command == CmdClose {
			break
		}
	}

	return nil
}
