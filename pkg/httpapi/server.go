// Package httpapi exposes the inbound side of the transfer pipeline and
// cached object handles over HTTP.
//
// Routes:
//
//	POST   /transfers                    start an inbound transfer
//	PUT    /transfers/{id}/chunks/{index} deliver one chunk
//	POST   /transfers/{id}/finish        end the stream
//	GET    /transfers/{id}               session progress
//	DELETE /transfers/{id}               cancel
//	GET    /handles/{id}                 fetch the object behind a handle
//
// A completed inbound transfer is stored in the cache under the key given
// when it was started. A sender that stops early should finish the stream,
// which fails the transfer if bytes are missing.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opencontainers/go-digest"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/objcache"
	"github.com/richardartoul/blobcache/pkg/transfer"
)

// Server serves the HTTP routes.
type Server struct {
	cache   *objcache.Cache
	manager *transfer.Manager
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]string // session id -> cache key, until stored or ended
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Server storing completed transfers in cache.
func New(cache *objcache.Cache, manager *transfer.Manager, opts ...Option) *Server {
	s := &Server{
		cache:   cache,
		manager: manager,
		logger:  slog.Default(),
		pending: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/transfers", s.createTransfer)
	r.Route("/transfers/{id}", func(r chi.Router) {
		r.Get("/", s.getTransfer)
		r.Delete("/", s.cancelTransfer)
		r.Put("/chunks/{index}", s.putChunk)
		r.Post("/finish", s.finishTransfer)
	})
	r.Get("/handles/{id}", s.getHandle)
	return r
}

// CreateRequest is the body of POST /transfers.
type CreateRequest struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Digest      string `json:"digest,omitempty"`
	// Reorder accepts chunks in any order instead of failing the transfer.
	Reorder bool `json:"reorder,omitempty"`
}

// TransferView is the JSON form of a session.
type TransferView struct {
	ID               string    `json:"id"`
	Key              string    `json:"key,omitempty"`
	Status           string    `json:"status"`
	TotalSize        int64     `json:"totalSize"`
	ChunkSize        int64     `json:"chunkSize"`
	Chunks           int       `json:"chunks"`
	BytesTransferred int64     `json:"bytesTransferred"`
	Percentage       float64   `json:"percentage"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"startedAt,omitzero"`
	FinishedAt       time.Time `json:"finishedAt,omitzero"`
}

func (s *Server) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}

	sessionOpts := []transfer.SessionOption{
		transfer.WithObserver(s.dropEnded),
	}
	if req.ChunkSize != 0 {
		sessionOpts = append(sessionOpts, transfer.WithChunkSize(req.ChunkSize))
	}
	opts := []transfer.ReceiverOption{
		transfer.WithContentType(req.ContentType),
		transfer.WithSessionOptions(sessionOpts...),
	}
	if req.Digest != "" {
		opts = append(opts, transfer.WithExpectedDigest(digest.Digest(req.Digest)))
	}
	if req.Reorder {
		opts = append(opts, transfer.WithReorderBuffer())
	}

	rcv, err := s.manager.NewReceiver(req.Size, opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.mu.Lock()
	s.pending[rcv.ID()] = req.Key
	s.mu.Unlock()

	// a zero-size transfer is complete as soon as it starts
	s.storeIfComplete(rcv)

	s.logger.Debug("inbound transfer started",
		"session", rcv.ID(),
		"key", req.Key,
		"size", req.Size)
	w.Header().Set("Location", "/transfers/"+rcv.ID())
	writeJSON(w, http.StatusCreated, s.view(rcv.Session(), req.Key))
}

func (s *Server) putChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index %q", chi.URLParam(r, "index")))
		return
	}
	rcv, ok := s.manager.Receiver(id)
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrUnknownSession)
		return
	}

	// one byte of slack lets an oversized chunk reach the receiver, which
	// fails the session with a read error
	body := http.MaxBytesReader(w, r.Body, rcv.Session().ChunkSize()+1)
	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("failed to read chunk: %w", err))
		return
	}

	if err := s.manager.Receive(id, index, data); err != nil {
		s.logger.Warn("inbound chunk rejected",
			"session", id,
			"index", index,
			"error", err)
		writeError(w, statusFor(err), err)
		return
	}
	s.storeIfComplete(rcv)
	writeJSON(w, http.StatusOK, s.view(rcv.Session(), s.keyFor(id)))
}

func (s *Server) finishTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rcv, ok := s.manager.Receiver(id)
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrUnknownSession)
		return
	}
	key := s.keyFor(id)
	if err := s.manager.Finish(id); err != nil {
		s.logger.Warn("inbound transfer ended incomplete",
			"session", id,
			"error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rcv.Session(), key))
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.manager.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrUnknownSession)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, s.keyFor(id)))
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.manager.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrUnknownSession)
		return
	}
	if !s.manager.Cancel(id) {
		writeError(w, http.StatusConflict, fmt.Errorf("transfer %s is already %s", id, sess.Status()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHandle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(chi.URLParam(r, "id"), "blob:")
	obj, err := s.cache.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if ct := obj.ContentType(); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size(), 10))
	w.Header().Set("ETag", strconv.Quote(obj.Digest().String()))
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Bytes())
}

// storeIfComplete moves the object of a completed receiver into the cache
// exactly once.
func (s *Server) storeIfComplete(rcv *transfer.Receiver) {
	if rcv.Session().Status() != transfer.StatusCompleted {
		return
	}
	s.mu.Lock()
	key, ok := s.pending[rcv.ID()]
	delete(s.pending, rcv.ID())
	s.mu.Unlock()
	if !ok {
		return
	}

	obj, err := rcv.Object()
	if err != nil {
		s.logger.Warn("completed transfer has no object", "session", rcv.ID(), "error", err)
		return
	}
	if err := s.cache.Set(key, obj); err != nil {
		s.logger.Warn("failed to cache transfer", "session", rcv.ID(), "key", key, "error", err)
		return
	}
	s.logger.Info("inbound transfer cached",
		"session", rcv.ID(),
		"key", key,
		"bytes", obj.Size())
}

// dropEnded forgets the cache key of a transfer that failed or was
// cancelled.
func (s *Server) dropEnded(ev transfer.Event) {
	if ev.Kind != transfer.EventFailed && ev.Kind != transfer.EventCancelled {
		return
	}
	s.mu.Lock()
	delete(s.pending, ev.Progress.SessionID)
	s.mu.Unlock()
}

func (s *Server) keyFor(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *Server) view(sess *transfer.Session, key string) TransferView {
	snap := sess.Snapshot()
	return TransferView{
		ID:               snap.ID,
		Key:              key,
		Status:           snap.Status.String(),
		TotalSize:        snap.TotalSize,
		ChunkSize:        snap.ChunkSize,
		Chunks:           len(sess.Chunks()),
		BytesTransferred: snap.BytesTransferred,
		Percentage: transfer.Progress{
			BytesTransferred: snap.BytesTransferred,
			TotalSize:        snap.TotalSize,
		}.Percentage(),
		Error:      snap.Err,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrOutOfOrderChunk):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, blob.ErrRead):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
