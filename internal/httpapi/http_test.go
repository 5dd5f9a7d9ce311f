package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sdrtrunk-monitor/internal/callback"
	"sdrtrunk-monitor/internal/config"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/store"
	"sdrtrunk-monitor/internal/supervisor"
	"sdrtrunk-monitor/internal/transcribe"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func newTestRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	log := testLogger(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ingCfg := config.Ingestion{
		WatchDirectory:     t.TempDir(),
		ArchiveDirectory:   t.TempDir(),
		FailedDirectory:    t.TempDir(),
		AllowedExtensions:  []string{"mp3"},
		MaxFileSizeBytes:   10_000_000,
		MinStablePeriodMs:  20,
		MaxQueueSize:       100,
		ProcessingWorkers:  1,
		ProcessingInterval: 1,
		PersistenceFile:    filepath.Join(t.TempDir(), "queue.json"),
	}
	sup := supervisor.New(ingCfg, st, log)

	trCfg := config.Transcription{
		BaseURL:                "http://127.0.0.1:0",
		Workers:                1,
		QueueSize:              1,
		RequestDeadlineSeconds: 1,
		HealthPeriod:           3600,
	}
	disp := transcribe.New(trCfg, st, log)
	cb := callback.New(st, log)

	r := NewRouter(st, sup, disp, cb, log)
	return r, st
}

func seedCall(t *testing.T, st *store.Store, id, systemID string) {
	t.Helper()
	now := time.Now().UTC()
	call := &store.Call{
		ID:               id,
		CaptureTimestamp: now,
		ReceivedAt:       now,
		SystemID:         systemID,
		StoredFilename:   id + ".mp3",
		StoredPath:       "/archive/" + id + ".mp3",
		ContentType:      "audio/mpeg",
		SizeBytes:        1024,
		Status:           store.StatusPending,
	}
	if err := st.Insert(context.Background(), call); err != nil {
		t.Fatalf("seed call: %v", err)
	}
}

func TestCallsListsRecentCalls(t *testing.T) {
	r, st := newTestRouter(t)
	seedCall(t, st, "call-1", "Metro")

	mux := http.NewServeMux()
	r.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var calls []store.Call
	if err := json.Unmarshal(rec.Body.Bytes(), &calls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "call-1" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestStatusReportsSupervisorAndDispatcherHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	mux := http.NewServeMux()
	r.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/ops/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["supervisor"]; !ok {
		t.Fatalf("expected supervisor key in status response: %v", body)
	}
	if _, ok := body["transcription"]; !ok {
		t.Fatalf("expected transcription key in status response: %v", body)
	}
}

func TestHealthReturnsNoContentWhenStoreHealthy(t *testing.T) {
	r, _ := newTestRouter(t)
	mux := http.NewServeMux()
	r.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/ops/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestRollupsAggregatesBySystemAndDay(t *testing.T) {
	r, st := newTestRouter(t)
	seedCall(t, st, "call-1", "Metro")
	seedCall(t, st, "call-2", "Metro")
	seedCall(t, st, "call-3", "County")

	mux := http.NewServeMux()
	r.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/ops/rollups", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var counts []struct {
		SystemID string `json:"system_id"`
		Day      string `json:"day"`
		Count    int    `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	if total != 3 {
		t.Fatalf("expected 3 total calls across rollups, got %d (%+v)", total, counts)
	}
}

func TestRetryQueueRejectsGetMethod(t *testing.T) {
	r, _ := newTestRouter(t)
	mux := http.NewServeMux()
	r.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/ops/queue/retry", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
