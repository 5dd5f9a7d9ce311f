package reconcile

import (
	"context"
	"testing"
	"time"

	"sdrtrunk-monitor/internal/logging"
)

type fakeLookup struct {
	ingested map[string]bool
}

func (f fakeLookup) IsIngested(ctx context.Context, path string) (bool, error) {
	return f.ingested[path], nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestSelectPendingSkipsIngested(t *testing.T) {
	now := time.Unix(1700000000, 0)
	candidates := []Candidate{
		{Path: "/watch/a.mp3", ModTime: now},
		{Path: "/watch/b.mp3", ModTime: now.Add(time.Minute)},
		{Path: "/watch/c.mp3", ModTime: now.Add(2 * time.Minute)},
	}
	lookup := fakeLookup{ingested: map[string]bool{"/watch/a.mp3": true}}

	pending, err := SelectPending(context.Background(), candidates, lookup, 0)
	if err != nil {
		t.Fatalf("select pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].Path != "/watch/c.mp3" {
		t.Fatalf("expected most recent first, got %s", pending[0].Path)
	}
}

func TestSelectPendingRespectsLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	candidates := []Candidate{
		{Path: "/watch/a.mp3", ModTime: now},
		{Path: "/watch/b.mp3", ModTime: now.Add(time.Minute)},
	}
	pending, err := SelectPending(context.Background(), candidates, fakeLookup{ingested: map[string]bool{}}, 1)
	if err != nil {
		t.Fatalf("select pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}
}

func TestRunEnqueuesSurvivors(t *testing.T) {
	now := time.Unix(1700000000, 0)
	candidates := []Candidate{
		{Path: "/watch/a.mp3", ModTime: now},
		{Path: "/watch/b.mp3", ModTime: now.Add(time.Minute)},
	}
	lookup := fakeLookup{ingested: map[string]bool{"/watch/a.mp3": true}}

	var enqueued []string
	n, err := Run(context.Background(), candidates, lookup, func(path string) error {
		enqueued = append(enqueued, path)
		return nil
	}, 0, testLogger(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 enqueued, got %d", n)
	}
	if len(enqueued) != 1 || enqueued[0] != "/watch/b.mp3" {
		t.Fatalf("unexpected enqueue set: %v", enqueued)
	}
}
