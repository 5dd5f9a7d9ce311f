package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sdrtrunk-monitor/internal/config"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/queue"
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

func newTestHarness(t *testing.T) (*Processor, *queue.Queue, *store.Store, string) {
	t.Helper()
	watchDir := t.TempDir()
	archiveDir := t.TempDir()
	failedDir := t.TempDir()

	cfg := config.Ingestion{
		WatchDirectory:    watchDir,
		ArchiveDirectory:  archiveDir,
		FailedDirectory:   failedDir,
		MaxFileSizeBytes:  10_000_000,
		MaxRetryAttempts:  2,
		ProcessingWorkers: 1,
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(queue.Config{MaxSize: 100}, testLogger(t))
	p := New(cfg, q, st, testLogger(t))
	return p, q, st, watchDir
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func TestProcessOneArchivesHappyPath(t *testing.T) {
	p, q, st, watchDir := newTestHarness(t)
	path := writeTestFile(t, watchDir, "20240315_142530_Metro_TG52197_FROM_1234567.mp3", 1024)

	id, err := q.Enqueue(path, 1024, time.Now(), queue.FileMetadata{Extension: "mp3"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	qf, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if qf.ID != id {
		t.Fatalf("unexpected dequeued id")
	}

	p.processOne(context.Background(), qf)

	call, err := st.Get(context.Background(), qf.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.SystemID != "Metro" {
		t.Fatalf("unexpected system id: %s", call.SystemID)
	}
	if call.TalkgroupID == nil || *call.TalkgroupID != 52197 {
		t.Fatalf("unexpected talkgroup id: %v", call.TalkgroupID)
	}
	if _, err := os.Stat(call.StoredPath); err != nil {
		t.Fatalf("expected archived file to exist: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original path to be gone after archival")
	}

	stats := q.Stats()
	if stats.InFlight != 0 || stats.Pending != 0 {
		t.Fatalf("unexpected queue state after completion: %+v", stats)
	}
}

func TestProcessOneQuarantinesOversizeFile(t *testing.T) {
	p, q, st, watchDir := newTestHarness(t)
	p.cfg.MaxFileSizeBytes = 100

	path := writeTestFile(t, watchDir, "oversized.mp3", 1024)
	if _, err := q.Enqueue(path, 1024, time.Now(), queue.FileMetadata{Extension: "mp3"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	qf, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	p.processOne(context.Background(), qf)

	if _, err := st.Get(context.Background(), qf.ID); err == nil {
		t.Fatalf("expected no call record for oversize file")
	}
	if _, err := os.Stat(filepath.Join(p.cfg.FailedDirectory, "oversized.mp3")); err != nil {
		t.Fatalf("expected file moved to failed directory: %v", err)
	}

	stats := q.Stats()
	if stats.Failed != 1 {
		t.Fatalf("expected 1 entry in failed partition, got %+v", stats)
	}
}

func TestProcessOneMarksCompletedWhenFileVanished(t *testing.T) {
	p, q, _, watchDir := newTestHarness(t)
	path := writeTestFile(t, watchDir, "gone.mp3", 1024)

	if _, err := q.Enqueue(path, 1024, time.Now(), queue.FileMetadata{Extension: "mp3"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	qf, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove test file: %v", err)
	}

	p.processOne(context.Background(), qf)

	stats := q.Stats()
	if stats.InFlight != 0 || stats.Failed != 0 {
		t.Fatalf("expected vanished file to be treated as completed, got %+v", stats)
	}
}

func TestProcessOneSkipsArchivalWhenAlreadyIngested(t *testing.T) {
	p, q, st, watchDir := newTestHarness(t)
	path := writeTestFile(t, watchDir, "20240315_142530_Metro_TG52197_FROM_1234567.mp3", 1024)

	modTime := time.Date(2024, 3, 15, 14, 25, 30, 0, time.UTC)
	existing := &store.Call{
		ID:               "existing-id",
		CaptureTimestamp: modTime,
		ReceivedAt:       modTime,
		SystemID:         "Metro",
		StoredFilename:   "20240315_142530_Metro_TG52197_FROM_1234567.mp3",
		StoredPath:       filepath.Join(p.cfg.ArchiveDirectory, "Metro", "2024", "03", "15", "20240315_142530_Metro_TG52197_FROM_1234567.mp3"),
		ContentType:      "audio/mpeg",
		SizeBytes:        1024,
		Status:           store.StatusCompleted,
	}
	if err := st.Insert(context.Background(), existing); err != nil {
		t.Fatalf("seed existing call: %v", err)
	}

	id, err := q.Enqueue(path, 1024, modTime, queue.FileMetadata{Extension: "mp3"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	qf, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if qf.ID != id {
		t.Fatalf("unexpected id")
	}
	// Force the processor to compute the same capture timestamp and dedup
	// key as the seeded row by using a filename-derived mtime.
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	p.processOne(context.Background(), qf)

	// The original watch-directory file should be left alone: no second
	// archive move happened because the dedup key already existed.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected original file untouched: %v", err)
	}
}

func TestProcessOneRetriesArchivalAfterCrashBeforeStep6(t *testing.T) {
	p, q, st, watchDir := newTestHarness(t)
	path := writeTestFile(t, watchDir, "20240315_142530_Metro_TG52197_FROM_1234567.mp3", 1024)

	modTime := time.Date(2024, 3, 15, 14, 25, 30, 0, time.UTC)
	// Seed a row whose stored_path still equals the watch-directory path,
	// simulating a crash between Insert (step 5) and archive (step 6).
	existing := &store.Call{
		ID:               "existing-id",
		CaptureTimestamp: modTime,
		ReceivedAt:       modTime,
		SystemID:         "Metro",
		StoredFilename:   "20240315_142530_Metro_TG52197_FROM_1234567.mp3",
		StoredPath:       path,
		ContentType:      "audio/mpeg",
		SizeBytes:        1024,
		Status:           store.StatusPending,
	}
	if err := st.Insert(context.Background(), existing); err != nil {
		t.Fatalf("seed existing call: %v", err)
	}

	id, err := q.Enqueue(path, 1024, modTime, queue.FileMetadata{Extension: "mp3"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	qf, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if qf.ID != id {
		t.Fatalf("unexpected id")
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	p.processOne(context.Background(), qf)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected watch-directory file to be archived (moved), got err=%v", err)
	}

	updated, err := st.Get(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("get updated call: %v", err)
	}
	if updated.StoredPath == path {
		t.Fatalf("expected stored_path to be updated after retried archival, still %s", updated.StoredPath)
	}
	if _, err := os.Stat(updated.StoredPath); err != nil {
		t.Fatalf("expected archived file to exist at %s: %v", updated.StoredPath, err)
	}

	stats := q.Stats()
	if stats.InFlight != 0 || stats.Failed != 0 {
		t.Fatalf("expected retried archival to complete cleanly, got %+v", stats)
	}
}
