package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sdrtrunk-monitor/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestScanExistingFiltersByExtensionAndSize(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.mp3"), 100)
	mustWrite(t, filepath.Join(dir, "b.txt"), 100)
	mustWrite(t, filepath.Join(dir, "c.mp3"), 1000)

	w := New(Config{
		Directory:         dir,
		AllowedExtensions: []string{"mp3"},
		MaxFileSizeBytes:  500,
		MinStablePeriod:   50 * time.Millisecond,
	}, testLogger(t))

	events, err := w.ScanExisting()
	if err != nil {
		t.Fatalf("scan existing: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 matching file, got %d: %+v", len(events), events)
	}
	if filepath.Base(events[0].Path) != "a.mp3" {
		t.Fatalf("unexpected matched file: %s", events[0].Path)
	}
}

func TestStartEmitsQuiescentFile(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{
		Directory:         dir,
		AllowedExtensions: []string{"mp3"},
		MaxFileSizeBytes:  10_000,
		MinStablePeriod:   50 * time.Millisecond,
	}, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := w.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	path := filepath.Join(dir, "new.mp3")
	mustWrite(t, path, 128)

	select {
	case ev := <-events:
		if ev.Path != path {
			t.Fatalf("unexpected event path: %s", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for quiescent file event")
	}
}

func mustWrite(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
