// Package reconcile reconciles the directory watcher's startup scan against
// already-ingested Call Records, so a crash-restart does not re-ingest files
// the Ingestion Processor already committed before the crash (spec §4.6,
// §8 scenario 6).
package reconcile

import (
	"context"
	"sort"
	"time"

	"sdrtrunk-monitor/internal/logging"
)

// Candidate is a file surfaced by the watcher's startup scan.
type Candidate struct {
	Path      string
	ModTime   time.Time
	SizeBytes int64
}

// Lookup answers whether a candidate path already has a completed Call
// Record, so reconciliation can skip re-enqueuing it.
type Lookup interface {
	IsIngested(ctx context.Context, path string) (bool, error)
}

// SelectPending filters out candidates already ingested, most-recently
// modified first, capped at limit (limit <= 0 means unbounded).
func SelectPending(ctx context.Context, candidates []Candidate, lookup Lookup, limit int) ([]Candidate, error) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ModTime.After(sorted[j].ModTime)
	})

	pending := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		ingested, err := lookup.IsIngested(ctx, c.Path)
		if err != nil {
			return nil, err
		}
		if ingested {
			continue
		}
		pending = append(pending, c)
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

// Enqueue is the subset of the priority queue's API reconciliation needs to
// re-submit surviving candidates.
type Enqueue func(path string) error

// Run reconciles candidates against lookup and re-enqueues the survivors,
// logging how many were skipped as already-ingested.
func Run(ctx context.Context, candidates []Candidate, lookup Lookup, enqueue Enqueue, limit int, log *logging.Logger) (enqueued int, err error) {
	pending, err := SelectPending(ctx, candidates, lookup, limit)
	if err != nil {
		return 0, err
	}
	skipped := len(candidates) - len(pending)
	for _, c := range pending {
		if err := enqueue(c.Path); err != nil {
			log.Warn("reconcile enqueue failed", "path", c.Path, "error", err)
			continue
		}
		enqueued++
	}
	log.Info("startup reconciliation complete", "candidates", len(candidates), "already_ingested", skipped, "enqueued", enqueued)
	return enqueued, nil
}
