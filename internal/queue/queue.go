// Package queue implements the Durable Priority Queue (C1): an in-memory
// max-heap of QueuedFile entries split across three disjoint partitions
// (pending, in-flight, failed), with an optional JSON snapshot of the
// pending partition for crash recovery (spec §4.1).
package queue

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sdrtrunk-monitor/internal/logging"
)

// ErrQueueFull is returned by Enqueue when the pending partition is at
// capacity.
var ErrQueueFull = errors.New("queue: full")

// ErrDuplicatePath is returned by Enqueue when an identical path is already
// present in the pending partition.
var ErrDuplicatePath = errors.New("queue: duplicate path")

// ErrEmpty is returned by Dequeue when there is nothing pending.
var ErrEmpty = errors.New("queue: empty")

// ErrNotFound is returned by entry-id-addressed operations when the id is
// not present in the expected partition.
var ErrNotFound = errors.New("queue: entry not found")

// FileMetadata is the small metadata record captured at enqueue time.
type FileMetadata struct {
	Extension string  `json:"extension"`
	Stem      string  `json:"stem"`
	Symlink   bool    `json:"symlink"`
	Checksum  *string `json:"checksum,omitempty"`
}

// QueuedFile is the in-memory handle to a file awaiting ingestion.
type QueuedFile struct {
	ID               string       `json:"id"`
	Path             string       `json:"path"`
	SizeBytes        int64        `json:"size_bytes"`
	EnqueuedAt       time.Time    `json:"enqueued_at"`
	ModTimeAtEnqueue time.Time    `json:"mod_time_at_enqueue"`
	Priority         int64        `json:"priority"`
	RetryCount       int          `json:"retry_count"`
	LastError        string       `json:"last_error,omitempty"`
	Metadata         FileMetadata `json:"metadata"`

	heapIndex int
}

// QueueStats is a point-in-time snapshot of partition sizes and lifetime
// counters.
type QueueStats struct {
	Pending        int    `json:"pending"`
	InFlight       int    `json:"in_flight"`
	Failed         int    `json:"failed"`
	TotalEnqueued  uint64 `json:"total_enqueued"`
	TotalCompleted uint64 `json:"total_completed"`
}

// pendingHeap implements container/heap.Interface as a max-heap on
// (priority, oldest enqueue timestamp).
type pendingHeap []*QueuedFile

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *pendingHeap) Push(x interface{}) {
	qf := x.(*QueuedFile)
	qf.heapIndex = len(*h)
	*h = append(*h, qf)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*h = old[:n-1]
	return item
}

// Queue is the Durable Priority Queue.
type Queue struct {
	mu sync.Mutex

	pending      pendingHeap
	pendingByID  map[string]*QueuedFile
	pendingPaths map[string]string // path -> id, for dedup
	inFlight     map[string]*QueuedFile
	failed       map[string]*QueuedFile

	maxSize         int
	persistenceFile string
	priorityByAge   bool
	priorityBySize  bool

	totalEnqueued  uint64
	totalCompleted uint64

	log *logging.Logger
}

// Config controls the priority formula and capacity.
type Config struct {
	MaxSize         int
	PersistenceFile string
	PriorityByAge   bool
	PriorityBySize  bool
}

// New creates an empty Queue per cfg.
func New(cfg Config, log *logging.Logger) *Queue {
	q := &Queue{
		pendingByID:     make(map[string]*QueuedFile),
		pendingPaths:    make(map[string]string),
		inFlight:        make(map[string]*QueuedFile),
		failed:          make(map[string]*QueuedFile),
		maxSize:         cfg.MaxSize,
		persistenceFile: cfg.PersistenceFile,
		priorityByAge:   cfg.PriorityByAge,
		priorityBySize:  cfg.PriorityBySize,
		log:             log,
	}
	heap.Init(&q.pending)
	return q
}

// Enqueue adds path to the pending partition, computing its priority from
// size and mtime. Returns ErrQueueFull at capacity or ErrDuplicatePath if an
// identical path is already pending (spec §4.1).
func (q *Queue) Enqueue(path string, sizeBytes int64, modTime time.Time, meta FileMetadata) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pendingPaths[path]; exists {
		return "", ErrDuplicatePath
	}
	if len(q.pending) >= q.maxSize {
		return "", ErrQueueFull
	}

	qf := &QueuedFile{
		ID:               uuid.NewString(),
		Path:             path,
		SizeBytes:        sizeBytes,
		EnqueuedAt:       time.Now().UTC(),
		ModTimeAtEnqueue: modTime,
		Metadata:         meta,
	}
	qf.Priority = q.calculatePriority(sizeBytes, modTime)

	heap.Push(&q.pending, qf)
	q.pendingByID[qf.ID] = qf
	q.pendingPaths[path] = qf.ID
	q.totalEnqueued++

	q.snapshotLocked()
	return qf.ID, nil
}

// calculatePriority blends an age component (hours since mtime) and a size
// component (inverse MiB) per §4.1's formula.
func (q *Queue) calculatePriority(sizeBytes int64, modTime time.Time) int64 {
	var priority int64
	if q.priorityByAge {
		hours := time.Since(modTime).Hours()
		if hours < 0 {
			hours = 0
		}
		priority += int64(hours)
	}
	if q.priorityBySize {
		sizeMiB := float64(sizeBytes) / (1024 * 1024)
		if sizeMiB < 1 {
			sizeMiB = 1
		}
		component := int64(math.Max(1, 1000/sizeMiB))
		priority += component
	}
	return priority
}

// Dequeue pops the highest-priority pending entry (ties broken by oldest
// enqueue timestamp) and moves it to the in-flight partition.
func (q *Queue) Dequeue() (*QueuedFile, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, ErrEmpty
	}
	qf := heap.Pop(&q.pending).(*QueuedFile)
	delete(q.pendingByID, qf.ID)
	delete(q.pendingPaths, qf.Path)
	q.inFlight[qf.ID] = qf

	q.snapshotLocked()
	return cloneQueuedFile(qf), nil
}

// MarkCompleted removes id from in-flight, its terminal success case.
func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[id]; !ok {
		return ErrNotFound
	}
	delete(q.inFlight, id)
	q.totalCompleted++
	q.snapshotLocked()
	return nil
}

// MarkFailed increments id's retry count and last error. If retry_count <=
// maxRetries it is reinserted into pending at its existing priority (enqueue
// timestamp is NOT refreshed, per §4.1); otherwise it moves to failed.
// Returns true if the entry was re-queued.
func (q *Queue) MarkFailed(id string, cause error, maxRetries int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, ok := q.inFlight[id]
	if !ok {
		return false, ErrNotFound
	}
	delete(q.inFlight, id)

	qf.RetryCount++
	if cause != nil {
		qf.LastError = cause.Error()
	}

	if qf.RetryCount <= maxRetries {
		heap.Push(&q.pending, qf)
		q.pendingByID[qf.ID] = qf
		q.pendingPaths[qf.Path] = qf.ID
		q.snapshotLocked()
		return true, nil
	}

	q.failed[qf.ID] = qf
	q.snapshotLocked()
	return false, nil
}

// RetryFailed moves id from failed back to pending, resetting retry count,
// last error, and enqueue timestamp (a fresh manual retry).
func (q *Queue) RetryFailed(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qf, ok := q.failed[id]
	if !ok {
		return ErrNotFound
	}
	delete(q.failed, id)

	qf.RetryCount = 0
	qf.LastError = ""
	qf.EnqueuedAt = time.Now().UTC()
	qf.Priority = q.calculatePriority(qf.SizeBytes, qf.ModTimeAtEnqueue)

	heap.Push(&q.pending, qf)
	q.pendingByID[qf.ID] = qf
	q.pendingPaths[qf.Path] = qf.ID
	q.snapshotLocked()
	return nil
}

// ClearFailed discards every entry in the failed partition and returns how
// many were removed.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.failed)
	q.failed = make(map[string]*QueuedFile)
	q.snapshotLocked()
	return n
}

// ListFailed returns a copy of every entry currently in the failed
// partition, for the "queue list" operator surface.
func (q *Queue) ListFailed() []QueuedFile {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedFile, 0, len(q.failed))
	for _, qf := range q.failed {
		out = append(out, *cloneQueuedFile(qf))
	}
	return out
}

// Stats returns current partition sizes and lifetime counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:        len(q.pending),
		InFlight:       len(q.inFlight),
		Failed:         len(q.failed),
		TotalEnqueued:  q.totalEnqueued,
		TotalCompleted: q.totalCompleted,
	}
}

func cloneQueuedFile(qf *QueuedFile) *QueuedFile {
	clone := *qf
	clone.heapIndex = 0
	return &clone
}

// snapshotLocked serializes the pending partition to persistenceFile. It
// must be called with q.mu held. I/O errors are logged, not returned: per
// §4.1 snapshot failures never roll back the in-memory mutation.
func (q *Queue) snapshotLocked() {
	if q.persistenceFile == "" {
		return
	}
	entries := make([]QueuedFile, len(q.pending))
	for i, qf := range q.pending {
		entries[i] = *qf
	}
	if err := writeSnapshot(q.persistenceFile, entries); err != nil {
		if q.log != nil {
			q.log.Warn("queue snapshot write failed", "path", q.persistenceFile, "error", err)
		}
	}
}

// Snapshot forces an immediate write of the pending partition to
// persistenceFile, independent of the per-mutation snapshot already taken
// by Enqueue/Dequeue/etc. Used by the supervisor's periodic snapshot timer
// and its final stop-sequence snapshot (spec §4.6).
func (q *Queue) Snapshot() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.snapshotLocked()
}

func writeSnapshot(path string, entries []QueuedFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("queue: create snapshot dir: %w", err)
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("queue: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("queue: rename snapshot: %w", err)
	}
	return nil
}

// Restore loads the pending partition from persistenceFile, if it exists.
// A parse error aborts the restore with a logged warning and leaves the
// queue empty, per §4.1.
func (q *Queue) Restore() {
	if q.persistenceFile == "" {
		return
	}
	b, err := os.ReadFile(q.persistenceFile)
	if err != nil {
		if !os.IsNotExist(err) && q.log != nil {
			q.log.Warn("queue snapshot read failed", "path", q.persistenceFile, "error", err)
		}
		return
	}
	var entries []QueuedFile
	if err := json.Unmarshal(b, &entries); err != nil {
		if q.log != nil {
			q.log.Warn("queue snapshot parse failed, starting empty", "path", q.persistenceFile, "error", err)
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range entries {
		qf := entries[i]
		heap.Push(&q.pending, &qf)
		q.pendingByID[qf.ID] = &qf
		q.pendingPaths[qf.Path] = qf.ID
	}
	q.totalEnqueued = uint64(len(entries))
}

// PendingPaths returns a copy of every path currently in the pending
// partition, in no particular order.
func (q *Queue) PendingPaths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.pendingPaths))
	for p := range q.pendingPaths {
		out = append(out, p)
	}
	return out
}
