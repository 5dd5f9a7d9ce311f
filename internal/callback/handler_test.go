package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/store"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCall(t *testing.T, st *store.Store, id string, status store.TranscriptionStatus) {
	t.Helper()
	now := time.Now().UTC()
	call := &store.Call{
		ID:               id,
		CaptureTimestamp: now,
		ReceivedAt:       now,
		SystemID:         "Metro",
		StoredFilename:   id + ".mp3",
		StoredPath:       "/archive/" + id + ".mp3",
		ContentType:      "audio/mpeg",
		SizeBytes:        1024,
		Status:           status,
	}
	if err := st.Insert(context.Background(), call); err != nil {
		t.Fatalf("seed call: %v", err)
	}
}

func postCallback(t *testing.T, h *Handler, payload Payload) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transcription/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCallbackCompletedUpdatesCall(t *testing.T) {
	st := openTestStore(t)
	seedCall(t, st, "call-1", store.StatusProcessing)
	h := New(st, testLogger(t))

	text := "unit 12 responding"
	rec := postCallback(t, h, Payload{
		CallID: "call-1",
		Status: "completed",
		Text:   &text,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	call, err := st.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.Status != store.StatusCompleted {
		t.Fatalf("expected completed status, got %s", call.Status)
	}
	if call.Text == nil || *call.Text != text {
		t.Fatalf("expected text to be persisted, got %+v", call.Text)
	}
}

func TestCallbackUnknownStatusTreatedAsFailed(t *testing.T) {
	st := openTestStore(t)
	seedCall(t, st, "call-2", store.StatusProcessing)
	h := New(st, testLogger(t))

	rec := postCallback(t, h, Payload{CallID: "call-2", Status: "weird"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	call, err := st.Get(context.Background(), "call-2")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.Status != store.StatusFailed {
		t.Fatalf("expected failed status for unknown input, got %s", call.Status)
	}
	if call.TranscriptionErr == nil {
		t.Fatalf("expected an error message to be recorded")
	}
}

func TestCallbackIsIdempotentForRepeatedCompletions(t *testing.T) {
	st := openTestStore(t)
	seedCall(t, st, "call-3", store.StatusProcessing)
	h := New(st, testLogger(t))

	text := "first pass"
	first := postCallback(t, h, Payload{CallID: "call-3", Status: "completed", Text: &text})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 on first callback, got %d", first.Code)
	}
	second := postCallback(t, h, Payload{CallID: "call-3", Status: "completed", Text: &text})
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeated callback, got %d: %s", second.Code, second.Body.String())
	}
}

func TestCallbackUnknownCallIDReturnsServerError(t *testing.T) {
	st := openTestStore(t)
	h := New(st, testLogger(t))

	rec := postCallback(t, h, Payload{CallID: "does-not-exist", Status: "completed"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown call id, got %d", rec.Code)
	}
}

func TestCallbackRejectsNonPostMethod(t *testing.T) {
	st := openTestStore(t)
	h := New(st, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transcription/callback", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
