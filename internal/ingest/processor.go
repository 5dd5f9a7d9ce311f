// Package ingest implements the Ingestion Processor (C3): the per-file
// pipeline that validates, deduplicates, hashes, persists, and
// archives/quarantines files drained from the Durable Priority Queue
// (spec §4.3).
package ingest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"sdrtrunk-monitor/internal/config"
	"sdrtrunk-monitor/internal/duration"
	"sdrtrunk-monitor/internal/events"
	"sdrtrunk-monitor/internal/filenameparse"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/metrics"
	"sdrtrunk-monitor/internal/notify"
	"sdrtrunk-monitor/internal/queue"
	"sdrtrunk-monitor/internal/store"
)

// Processor runs the per-file ingestion pipeline. Apart from the Set*
// wiring methods, its only public entry point is Run, matching spec §4.3:
// it is pulled from by the supervisor (C6) and consumes C2's stream
// indirectly, through C1.
type Processor struct {
	cfg      config.Ingestion
	q        *queue.Queue
	st       *store.Store
	log      *logging.Logger
	clock    func() time.Time
	paused   func() bool
	notifier *notify.Notifier
	bus      *events.Bus
}

// New creates a Processor over q and st, using cfg's directories and retry
// policy.
func New(cfg config.Ingestion, q *queue.Queue, st *store.Store, log *logging.Logger) *Processor {
	return &Processor{cfg: cfg, q: q, st: st, log: log, clock: config.Now, notifier: notify.New("")}
}

// SetNotifier wires an outbound webhook notifier for permanent ingestion
// failures. A nil or unconfigured Notifier silently drops the notice.
func (p *Processor) SetNotifier(n *notify.Notifier) {
	p.notifier = n
}

// SetBus wires an events.Bus that receives CallIngested and
// CallQuarantined notifications. A nil bus disables publishing.
func (p *Processor) SetBus(b *events.Bus) {
	p.bus = b
}

func (p *Processor) publish(ev any) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

// SetPauseGate installs a predicate the workers consult before dequeuing.
// While it returns true, dequeue is halted; the queue keeps accepting
// enqueues from the watcher (spec §4.6 "Pause").
func (p *Processor) SetPauseGate(gate func() bool) {
	p.paused = gate
}

// Run starts cfg.ProcessingWorkers goroutines that independently dequeue
// and process files until ctx is cancelled. It blocks until all workers
// have returned.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.ProcessingWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) workerLoop(ctx context.Context, workerID int) {
	interval := time.Duration(p.cfg.ProcessingInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.paused != nil && p.paused() {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		qf, err := p.q.Dequeue()
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if err != nil {
			p.log.Error("dequeue failed", "worker", workerID, "error", err)
			continue
		}

		p.processOne(ctx, qf)
	}
}

// processOne runs the seven-step pipeline for a single dequeued file and
// reports the outcome back to the queue.
func (p *Processor) processOne(ctx context.Context, qf *queue.QueuedFile) {
	log := p.log.With("queue_id", qf.ID, "path", qf.Path)

	// Step 1: re-check existence & size.
	info, err := os.Stat(qf.Path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("file vanished before processing, treating as done")
		_ = p.q.MarkCompleted(qf.ID)
		return
	}
	if err != nil {
		p.retryOrFail(qf, fmt.Errorf("stat: %w", err), log)
		return
	}
	if info.Size() > p.cfg.MaxFileSizeBytes {
		log.Warn("file exceeds max size, quarantining", "size", humanize.Bytes(uint64(info.Size())))
		p.quarantine(qf, fmt.Errorf("file size %s exceeds max_file_size_bytes", humanize.Bytes(uint64(info.Size()))), log)
		return
	}

	// Step 2: parse filename metadata.
	fields := filenameparse.Parse(qf.Path)
	systemID := "unknown"
	if fields.SystemLabel != nil && *fields.SystemLabel != "" {
		systemID = *fields.SystemLabel
	}
	captureTime := info.ModTime().UTC()
	if fields.CaptureTime != nil {
		captureTime = fields.CaptureTime.UTC()
	}

	// Step 3: duration estimate.
	seconds, _, err := duration.Estimate(qf.Path)
	if err != nil {
		log.Debug("duration estimate unavailable", "error", err)
		seconds = 0
	}

	// Step 4: integrity hash.
	var checksum *string
	if p.cfg.VerifyIntegrity {
		sum, err := hashFile(qf.Path)
		if err != nil {
			p.retryOrFail(qf, fmt.Errorf("hash: %w", err), log)
			return
		}
		checksum = &sum
	}

	if checksum != nil {
		log.Debug("integrity digest computed", "sha256", *checksum)
	}

	storedFilename := filepath.Base(qf.Path)
	call := &store.Call{
		ID:               qf.ID,
		CaptureTimestamp: captureTime,
		ReceivedAt:       p.clock(),
		SystemID:         systemID,
		TalkgroupID:      fields.TalkgroupID,
		SourceRadioID:    fields.SourceRadioID,
		StoredFilename:   storedFilename,
		StoredPath:       qf.Path,
		ContentType:      contentTypeFor(fields.Extension),
		SizeBytes:        info.Size(),
		DurationSeconds:  seconds,
		Status:           store.StatusPending,
	}

	// Step 5: persist Call Record. A unique-constraint violation means this
	// file was already ingested by a prior (possibly crashed) run.
	alreadyIngested := false
	if err := p.st.Insert(ctx, call); err != nil {
		if errors.Is(err, store.ErrConflict) {
			alreadyIngested = true
			existing, lookupErr := p.st.FindByDedupKey(ctx, systemID, captureTime, storedFilename)
			if lookupErr != nil {
				p.retryOrFail(qf, fmt.Errorf("lookup existing call: %w", lookupErr), log)
				return
			}
			call = existing
		} else {
			p.retryOrFail(qf, fmt.Errorf("insert call record: %w", err), log)
			return
		}
	}

	// A conflicting row is only fully ingested if archival (step 6) actually
	// ran. A crash between steps 5 and 6 leaves stored_path == the
	// watch-directory path forever, since SetStoredPath only updates it
	// after a successful archive() call; detect that case and retry
	// archival instead of skipping it (spec §9 "if the row exists but the
	// file is still in the watch directory, step 5 is skipped and step 6
	// is retried").
	if alreadyIngested {
		if call.StoredPath != qf.Path {
			log.Info("file already ingested and archived, skipping")
			_ = p.q.MarkCompleted(qf.ID)
			return
		}
		log.Warn("file record exists but archival never completed, retrying archive", "call_id", call.ID)
	}

	// Step 6: move file into the archive layout.
	destPath, err := p.archive(call.SystemID, captureTime, qf.Path)
	if err != nil {
		p.retryOrFail(qf, fmt.Errorf("archive move: %w", err), log)
		return
	}
	if err := p.st.SetStoredPath(ctx, call.ID, destPath); err != nil {
		p.retryOrFail(qf, fmt.Errorf("update stored path: %w", err), log)
		return
	}

	// Step 7: mark completed.
	if err := p.q.MarkCompleted(qf.ID); err != nil {
		log.Warn("mark completed failed", "error", err)
	}
	metrics.IncIngested()
	p.publish(events.CallIngested{CallID: call.ID, SystemID: call.SystemID, Path: destPath})
	log.Info("ingested", "system_id", call.SystemID, "stored_path", destPath)
}

func (p *Processor) retryOrFail(qf *queue.QueuedFile, cause error, log *logging.Logger) {
	requeued, err := p.q.MarkFailed(qf.ID, cause, p.cfg.MaxRetryAttempts)
	if err != nil {
		log.Error("mark failed bookkeeping error", "error", err)
		return
	}
	if requeued {
		log.Warn("transient ingestion error, retrying", "cause", cause, "retry_count", qf.RetryCount)
		return
	}
	log.Error("ingestion permanently failed, quarantining", "cause", cause)
	p.quarantine(qf, cause, log)
}

// quarantine moves a permanently-failed or invalid file to failed_directory
// and moves its queue entry into the failed partition with max_retries=0
// (spec §4.3 error taxonomy).
func (p *Processor) quarantine(qf *queue.QueuedFile, cause error, log *logging.Logger) {
	if _, err := os.Stat(qf.Path); err == nil {
		dest := filepath.Join(p.cfg.FailedDirectory, filepath.Base(qf.Path))
		if err := os.MkdirAll(p.cfg.FailedDirectory, 0o755); err != nil {
			log.Error("quarantine mkdir failed", "error", err)
		} else if err := moveFile(qf.Path, uniquePath(dest)); err != nil {
			log.Error("quarantine move failed", "error", err)
		}
	}
	if _, err := p.q.MarkFailed(qf.ID, errors.New("quarantined"), 0); err != nil && !errors.Is(err, queue.ErrNotFound) {
		log.Error("quarantine bookkeeping error", "error", err)
	}
	metrics.IncQuarantined()
	p.publish(events.CallQuarantined{Path: qf.Path, Cause: cause.Error()})
	if err := p.notifier.Send(notify.QuarantineNotice(qf.Path, cause)); err != nil {
		log.Warn("quarantine notification failed", "error", err)
	}
}

// archive atomically renames src into
// archive_directory/<system_id>/<YYYY>/<MM>/<DD>/<basename>[_<nonce>].<ext>,
// creating parent directories as needed. Concurrent workers never contend
// on the same destination because collisions are broken with a short
// random suffix (spec §4.3 concurrency note).
func (p *Processor) archive(systemID string, captureTime time.Time, src string) (string, error) {
	dir := filepath.Join(p.cfg.ArchiveDirectory, systemID,
		captureTime.Format("2006"), captureTime.Format("01"), captureTime.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(src))
	dest = uniquePath(dest)
	if err := moveFile(src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// uniquePath appends a short nonce before the extension if path already
// exists, so concurrent archival never overwrites a file.
func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	for {
		var nonce [4]byte
		_, _ = rand.Read(nonce[:])
		candidate := stem + "_" + hex.EncodeToString(nonce[:]) + ext
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// moveFile renames src to dst, falling back to copy+remove when rename
// fails across filesystem boundaries (e.g. archive_directory on a
// different volume than watch_directory).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func contentTypeFor(ext string) string {
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension("." + ext); ct != "" {
		return ct
	}
	switch ext {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
