package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type handoff struct {
	mu       sync.Mutex
	taskID   string
	payload  string
	prompt   string
	calls    int
	failNext bool
}

func (h *handoff) complete(_ context.Context, taskID, payloadB64, userPrompt string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failNext {
		h.failNext = false
		return context.DeadlineExceeded
	}
	h.taskID = taskID
	h.payload = payloadB64
	h.prompt = userPrompt
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *handoff) {
	t.Helper()
	store := newTestStore(t)
	sink := &handoff{}
	h := NewHandler(store, "/v1/uploads", 1<<20, sink.complete, zerolog.Nop())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, sink
}

func doReq(t *testing.T, method, url string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestProtocolCapabilities(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doReq(t, http.MethodOptions, srv.URL+"/", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Tus-Resumable"); got != "1.0.0" {
		t.Fatalf("Tus-Resumable = %q", got)
	}
	if got := resp.Header.Get("Tus-Extension"); got != "creation,termination" {
		t.Fatalf("Tus-Extension = %q", got)
	}
	if got := resp.Header.Get("Tus-Max-Size"); got != strconv.Itoa(1<<20) {
		t.Fatalf("Tus-Max-Size = %q", got)
	}
}

func TestProtocolFullUploadFlow(t *testing.T) {
	srv, sink := newTestServer(t)
	payload := []byte("0123456789")

	meta := EncodeMetadata(map[string]string{
		MetaTaskID:     "task-1",
		MetaUserPrompt: "two servings",
	})
	resp := doReq(t, http.MethodPost, srv.URL+"/", map[string]string{
		"Upload-Length":   "10",
		"Upload-Metadata": meta,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/v1/uploads/task-1" {
		t.Fatalf("Location = %q", got)
	}

	// First chunk.
	resp = doReq(t, http.MethodPatch, srv.URL+"/task-1", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "0",
	}, payload[:5])
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first patch status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Upload-Offset"); got != "5" {
		t.Fatalf("Upload-Offset after first chunk = %q, want 5", got)
	}

	// Probe in between.
	resp = doReq(t, http.MethodHead, srv.URL+"/task-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Upload-Offset"); got != "5" {
		t.Fatalf("probe Upload-Offset = %q, want 5", got)
	}
	if got := resp.Header.Get("Upload-Length"); got != "10" {
		t.Fatalf("probe Upload-Length = %q, want 10", got)
	}

	// Final chunk triggers the hand-off.
	resp = doReq(t, http.MethodPatch, srv.URL+"/task-1", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "5",
	}, payload[5:])
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("final patch status = %d, want 204", resp.StatusCode)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 1 {
		t.Fatalf("hand-off calls = %d, want 1", sink.calls)
	}
	if sink.taskID != "task-1" {
		t.Fatalf("hand-off task id = %q", sink.taskID)
	}
	if sink.prompt != "two servings" {
		t.Fatalf("hand-off prompt = %q", sink.prompt)
	}
	decoded, err := base64.StdEncoding.DecodeString(sink.payload)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("payload = %q, want %q", decoded, payload)
	}

	// Session is gone, so a replayed append cannot double-dispatch.
	resp = doReq(t, http.MethodPatch, srv.URL+"/task-1", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "5",
	}, payload[5:])
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("replay status = %d, want 404", resp.StatusCode)
	}
}

func TestProtocolOffsetConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, srv.URL+"/", map[string]string{
		"Upload-Length":   "10",
		"Upload-Metadata": EncodeMetadata(map[string]string{MetaTaskID: "task-2"}),
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodPatch, srv.URL+"/task-2", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "0",
	}, []byte("hello"))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}

	resp = doReq(t, http.MethodPatch, srv.URL+"/task-2", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "3",
	}, []byte("xx"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting patch status = %d, want 409", resp.StatusCode)
	}
	if got := resp.Header.Get("Upload-Offset"); got != "5" {
		t.Fatalf("conflict Upload-Offset = %q, want 5", got)
	}
}

func TestProtocolWrongContentType(t *testing.T) {
	srv, _ := newTestServer(t)
	doReq(t, http.MethodPost, srv.URL+"/", map[string]string{
		"Upload-Length":   "4",
		"Upload-Metadata": EncodeMetadata(map[string]string{MetaTaskID: "task-3"}),
	}, nil)

	resp := doReq(t, http.MethodPatch, srv.URL+"/task-3", map[string]string{
		"Content-Type":  "application/octet-stream",
		"Upload-Offset": "0",
	}, []byte("data"))
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestProtocolUnknownSessionAndMissingID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doReq(t, http.MethodHead, srv.URL+"/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("probe unknown = %d, want 404", resp.StatusCode)
	}
	resp = doReq(t, http.MethodHead, srv.URL+"/", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("probe without id = %d, want 400", resp.StatusCode)
	}
	resp = doReq(t, http.MethodDelete, srv.URL+"/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d, want 404", resp.StatusCode)
	}
}

func TestProtocolRejectsMalformedSessionID(t *testing.T) {
	srv, _ := newTestServer(t)
	// Ids outside the allowed alphabet or length are a client error, not a
	// storage failure.
	tooLong := strings.Repeat("a", 129)
	for _, id := range []string{"bad%20id", tooLong} {
		resp := doReq(t, http.MethodHead, srv.URL+"/"+id, nil, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("probe %q = %d, want 400", id, resp.StatusCode)
		}
		resp = doReq(t, http.MethodDelete, srv.URL+"/"+id, nil, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("cancel %q = %d, want 400", id, resp.StatusCode)
		}
	}
	resp := doReq(t, http.MethodPost, srv.URL+"/", map[string]string{
		"Upload-Length":   "4",
		"Upload-Metadata": EncodeMetadata(map[string]string{MetaTaskID: "not/allowed"}),
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create with bad task id = %d, want 400", resp.StatusCode)
	}
}

func TestProtocolRejectsOversizedCreate(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doReq(t, http.MethodPost, srv.URL+"/", map[string]string{
		"Upload-Length": strconv.Itoa(2 << 20),
	}, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestProtocolFailedHandoffIsRetriable(t *testing.T) {
	srv, sink := newTestServer(t)
	sink.failNext = true

	doReq(t, http.MethodPost, srv.URL+"/", map[string]string{
		"Upload-Length":   "4",
		"Upload-Metadata": EncodeMetadata(map[string]string{MetaTaskID: "task-4"}),
	}, nil)

	resp := doReq(t, http.MethodPatch, srv.URL+"/task-4", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "0",
	}, []byte("data"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failed hand-off status = %d, want 500", resp.StatusCode)
	}

	// Session survived, so an empty append at the final offset re-triggers
	// the hand-off.
	resp = doReq(t, http.MethodPatch, srv.URL+"/task-4", map[string]string{
		"Content-Type":  OffsetOctetStream,
		"Upload-Offset": "4",
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("retried hand-off status = %d, want 204", resp.StatusCode)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 2 {
		t.Fatalf("hand-off calls = %d, want 2", sink.calls)
	}
	if sink.taskID != "task-4" {
		t.Fatalf("task id = %q", sink.taskID)
	}
}
