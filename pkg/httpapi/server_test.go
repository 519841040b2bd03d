package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/blobcache/pkg/blob"
	"github.com/richardartoul/blobcache/pkg/objcache"
	"github.com/richardartoul/blobcache/pkg/transfer"
)

type testServer struct {
	cache   *objcache.Cache
	manager *transfer.Manager
	server  *Server
	handler http.Handler
}

func newTestServer(opts ...transfer.ManagerOption) *testServer {
	cache := objcache.New()
	manager := transfer.NewManager(opts...)
	server := New(cache, manager)
	return &testServer{
		cache:   cache,
		manager: manager,
		server:  server,
		handler: server.Handler(),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rr
}

func (ts *testServer) create(t *testing.T, req CreateRequest) TransferView {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rr := ts.do(t, http.MethodPost, "/transfers", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var view TransferView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, "/transfers/"+view.ID, rr.Header().Get("Location"))
	return view
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) TransferView {
	t.Helper()
	var view TransferView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	return view
}

func chunkPath(id string, index int) string {
	return fmt.Sprintf("/transfers/%s/chunks/%d", id, index)
}

func TestInboundTransferIsCached(t *testing.T) {
	ts := newTestServer()
	data := []byte("0123456789")
	view := ts.create(t, CreateRequest{
		Key:         "numbers",
		Size:        int64(len(data)),
		ChunkSize:   4,
		ContentType: "text/plain",
		Digest:      digest.FromBytes(data).String(),
	})
	assert.Equal(t, "active", view.Status)
	assert.Equal(t, 3, view.Chunks)

	rr := ts.do(t, http.MethodPut, chunkPath(view.ID, 0), data[:4])
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	progress := decodeView(t, rr)
	assert.Equal(t, int64(4), progress.BytesTransferred)
	assert.InDelta(t, 40.0, progress.Percentage, 1e-9)
	assert.False(t, ts.cache.Has("numbers"))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, chunkPath(view.ID, 1), data[4:8]).Code)
	rr = ts.do(t, http.MethodPut, chunkPath(view.ID, 2), data[8:])
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "completed", decodeView(t, rr).Status)

	entry, ok := ts.cache.Get("numbers")
	require.True(t, ok)
	assert.Equal(t, data, entry.Object().Bytes())
	assert.Equal(t, "text/plain", entry.ContentType())

	rr = ts.do(t, http.MethodGet, "/transfers/"+view.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	final := decodeView(t, rr)
	assert.Equal(t, "completed", final.Status)
	assert.Equal(t, float64(100), final.Percentage)
	assert.False(t, final.FinishedAt.IsZero())
}

func TestInboundOutOfOrderIsConflict(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 8, ChunkSize: 4})

	rr := ts.do(t, http.MethodPut, chunkPath(view.ID, 1), []byte("4567"))
	assert.Equal(t, http.StatusConflict, rr.Code)

	// the transfer failed as a whole
	rr = ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("0123"))
	assert.Equal(t, http.StatusGone, rr.Code)

	rr = ts.do(t, http.MethodGet, "/transfers/"+view.ID, nil)
	got := decodeView(t, rr)
	assert.Equal(t, "failed", got.Status)
	assert.NotEmpty(t, got.Error)
	assert.False(t, ts.cache.Has("k"))
}

func TestInboundReorder(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 6, ChunkSize: 2, Reorder: true})

	for _, i := range []int{2, 0, 1} {
		chunk := []byte("abcdef")[i*2 : i*2+2]
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, chunkPath(view.ID, i), chunk).Code)
	}
	entry, ok := ts.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "abcdef", string(entry.Object().Bytes()))
}

func TestInboundDigestMismatch(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 3, Digest: digest.FromString("xyz").String()})

	rr := ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("abc"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.False(t, ts.cache.Has("k"))
}

func TestInboundOversizedChunk(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 10, ChunkSize: 4})

	rr := ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("0123456789"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestCancelTransfer(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 4, ChunkSize: 2})

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("ab")).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/transfers/"+view.ID, nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodDelete, "/transfers/"+view.ID, nil).Code)

	// chunks after cancellation change nothing
	assert.Equal(t, http.StatusGone, ts.do(t, http.MethodPut, chunkPath(view.ID, 1), []byte("cd")).Code)
	got := decodeView(t, ts.do(t, http.MethodGet, "/transfers/"+view.ID, nil))
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, int64(2), got.BytesTransferred)
	assert.False(t, ts.cache.Has("k"))
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer()

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/transfers", []byte("{")).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/transfers", []byte(`{"size":3}`)).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/transfers", []byte(`{"key":"k","size":-1}`)).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/transfers", []byte(`{"key":"k","size":3,"digest":"md5:x"}`)).Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/transfers/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPut, chunkPath("missing", 0), []byte("x")).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/transfers/missing", nil).Code)

	view := ts.create(t, CreateRequest{Key: "k", Size: 3})
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/transfers/"+view.ID+"/chunks/abc", []byte("x")).Code)
}

func TestZeroSizeTransferIsCachedImmediately(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "empty", Size: 0})
	assert.Equal(t, "completed", view.Status)

	entry, ok := ts.cache.Get("empty")
	require.True(t, ok)
	assert.Equal(t, int64(0), entry.Size())
}

func TestGetHandle(t *testing.T) {
	ts := newTestServer()
	obj := blob.New([]byte(`{"ok":true}`), "application/json")
	require.NoError(t, ts.cache.Set("doc", obj))
	h, ok := ts.cache.GetHandle("doc")
	require.True(t, ok)

	for _, path := range []string{"/handles/" + h.ID(), "/handles/" + h.URL()} {
		rr := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, `{"ok":true}`, rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.True(t, strings.Contains(rr.Header().Get("ETag"), obj.Digest().Encoded()))
	}

	require.True(t, ts.cache.Delete("doc"))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/handles/"+h.ID(), nil).Code)
}

func TestInboundWrongSizedChunk(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 10, ChunkSize: 4})

	// one byte over the chunk plan still fits the request limit
	rr := ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("01234"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	got := decodeView(t, ts.do(t, http.MethodGet, "/transfers/"+view.ID, nil))
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, int64(0), got.BytesTransferred)

	view = ts.create(t, CreateRequest{Key: "k", Size: 10, ChunkSize: 4})
	rr = ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("012"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestFinishShortTransfer(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 4, ChunkSize: 2})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("ab")).Code)

	rr := ts.do(t, http.MethodPost, "/transfers/"+view.ID+"/finish", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())

	got := decodeView(t, ts.do(t, http.MethodGet, "/transfers/"+view.ID, nil))
	assert.Equal(t, "failed", got.Status)
	assert.Contains(t, got.Error, "stream ended after 2 of 4")
	assert.False(t, ts.cache.Has("k"))

	assert.Equal(t, http.StatusGone, ts.do(t, http.MethodPost, "/transfers/"+view.ID+"/finish", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/transfers/missing/finish", nil).Code)
}

func TestFinishCompletedTransfer(t *testing.T) {
	ts := newTestServer()
	view := ts.create(t, CreateRequest{Key: "k", Size: 2, ChunkSize: 2})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, chunkPath(view.ID, 0), []byte("ab")).Code)

	rr := ts.do(t, http.MethodPost, "/transfers/"+view.ID+"/finish", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeView(t, rr)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "k", got.Key)
	assert.True(t, ts.cache.Has("k"))
}

func TestEndedTransfersAreForgotten(t *testing.T) {
	ts := newTestServer(transfer.WithRetention(0))

	for i := 0; i < 3; i++ {
		view := ts.create(t, CreateRequest{Key: fmt.Sprintf("bad-%d", i), Size: 8, ChunkSize: 4})
		require.Equal(t, http.StatusConflict, ts.do(t, http.MethodPut, chunkPath(view.ID, 1), []byte("4567")).Code)
	}
	cancelled := ts.create(t, CreateRequest{Key: "cancelled", Size: 8, ChunkSize: 4})
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/transfers/"+cancelled.ID, nil).Code)

	good := ts.create(t, CreateRequest{Key: "good", Size: 4, ChunkSize: 4})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, chunkPath(good.ID, 0), []byte("0123")).Code)
	assert.True(t, ts.cache.Has("good"))

	assert.Empty(t, ts.manager.Snapshots())
	ts.server.mu.Lock()
	assert.Empty(t, ts.server.pending)
	ts.server.mu.Unlock()
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/transfers/"+good.ID, nil).Code)
}
