// Package supervisor implements the Ingestion Service Supervisor (C6): it
// owns the lifecycle of the queue, watcher, and ingestion processor (spec
// §4.6).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sdrtrunk-monitor/internal/config"
	"sdrtrunk-monitor/internal/events"
	"sdrtrunk-monitor/internal/ingest"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/notify"
	"sdrtrunk-monitor/internal/queue"
	"sdrtrunk-monitor/internal/reconcile"
	"sdrtrunk-monitor/internal/store"
	"sdrtrunk-monitor/internal/watch"
)

// State is one of the supervisor's lifecycle states (spec §4.6).
type State string

const (
	StateInitialized State = "initialized"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// ErrInvalidState is returned when a lifecycle method is called from a
// state that does not permit it.
var ErrInvalidState = errors.New("supervisor: invalid state transition")

var validTransitions = map[State][]State{
	StateInitialized: {StateStarting},
	StateStarting:    {StateRunning},
	StateRunning:      {StatePaused, StateStopping},
	StatePaused:       {StateRunning, StateStopping},
	StateStopping:     {StateStopped},
}

// snapshotInterval is how often the periodic pending-queue snapshot fires while
// running (spec §4.6 "start periodic snapshot timer (every 30 s)").
const snapshotInterval = 30 * time.Second

// gracePeriod bounds how long Stop waits for in-flight processor work to
// drain before abandoning it (spec §5 "bounded drain").
const gracePeriod = 15 * time.Second

// Metrics is a snapshot of the supervisor's operational state, returned by
// Metrics() for the ops HTTP surface.
type Metrics struct {
	State       State            `json:"state"`
	QueueStats  queue.QueueStats `json:"queue_stats"`
}

// Supervisor owns C1 (queue), C2 (watcher), and C3 (processor).
type Supervisor struct {
	cfg config.Ingestion
	q   *queue.Queue
	w   *watch.Watcher
	p   *ingest.Processor
	st  *store.Store
	log *logging.Logger
	bus *events.Bus

	mu    sync.Mutex
	state State

	cancel     context.CancelFunc
	runWG      sync.WaitGroup
	snapTicker *time.Ticker
	stopped    chan struct{}
}

// New constructs a Supervisor in the "initialized" state.
func New(cfg config.Ingestion, st *store.Store, log *logging.Logger) *Supervisor {
	q := queue.New(queue.Config{
		MaxSize:         cfg.MaxQueueSize,
		PersistenceFile: cfg.PersistenceFile,
		PriorityByAge:   cfg.PriorityByAge,
		PriorityBySize:  cfg.PriorityBySize,
	}, log)

	w := watch.New(watch.Config{
		Directory:         cfg.WatchDirectory,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxFileSizeBytes:  cfg.MaxFileSizeBytes,
		MinStablePeriod:   time.Duration(cfg.MinStablePeriodMs) * time.Millisecond,
	}, log)

	p := ingest.New(cfg, q, st, log)
	p.SetNotifier(notify.New(cfg.NotifyWebhookURL))
	bus := events.NewBus()
	p.SetBus(bus)

	sup := &Supervisor{
		cfg:     cfg,
		q:       q,
		w:       w,
		p:       p,
		st:      st,
		log:     log,
		bus:     bus,
		state:   StateInitialized,
		stopped: make(chan struct{}),
	}
	p.SetPauseGate(func() bool { return sup.State() == StatePaused })
	return sup
}

func (s *Supervisor) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, to)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs the start sequence: restore snapshot, start the watcher, start
// processor workers, start the snapshot timer, then mark running (spec
// §4.6 "Start sequence").
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}

	s.q.Restore()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, err := s.w.Start(runCtx)
	if err != nil {
		return fmt.Errorf("supervisor: start watcher: %w", err)
	}

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.consumeWatcherEvents(runCtx, events)
	}()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.p.Run(runCtx)
	}()

	if err := s.reconcileStartup(runCtx); err != nil {
		s.log.Warn("startup reconciliation failed", "error", err)
	}

	s.snapTicker = time.NewTicker(snapshotInterval)
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.snapshotLoop(runCtx)
	}()

	if err := s.transition(StateRunning); err != nil {
		return err
	}
	s.log.Info("ingestion supervisor running", "watch_directory", s.cfg.WatchDirectory)
	return nil
}

// consumeWatcherEvents enqueues every event the watcher emits into the
// priority queue, skipping full-queue entries with a logged warning.
func (s *Supervisor) consumeWatcherEvents(ctx context.Context, events <-chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := s.q.Enqueue(ev.Path, ev.SizeBytes, ev.ModTime, queue.FileMetadata{Symlink: ev.Symlink}); err != nil {
				s.log.Warn("failed to enqueue watcher event", "path", ev.Path, "error", err)
			}
		}
	}
}

// reconcileStartup compares the watcher's non-recursive startup scan
// against the store to enqueue any files missed by a prior crash (spec
// §9 crash recovery; SUPPLEMENTED FEATURES #4).
func (s *Supervisor) reconcileStartup(ctx context.Context) error {
	scanned, err := s.w.ScanExisting()
	if err != nil {
		return err
	}
	candidates := make([]reconcile.Candidate, 0, len(scanned))
	for _, ev := range scanned {
		candidates = append(candidates, reconcile.Candidate{Path: ev.Path, ModTime: ev.ModTime, SizeBytes: ev.SizeBytes})
	}
	enqueued, err := reconcile.Run(ctx, candidates, s.st, func(path string) error {
		for _, ev := range scanned {
			if ev.Path == path {
				_, enqErr := s.q.Enqueue(ev.Path, ev.SizeBytes, ev.ModTime, queue.FileMetadata{Symlink: ev.Symlink})
				return enqErr
			}
		}
		return nil
	}, 0, s.log)
	if err != nil {
		return err
	}
	if enqueued > 0 {
		s.log.Info("startup reconciliation enqueued missed files", "count", enqueued)
	}
	return nil
}

func (s *Supervisor) snapshotLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.snapTicker.C:
			s.q.Snapshot()
		}
	}
}

// Pause halts dequeue from the queue; the watcher keeps enqueuing (spec
// §4.6 "Pause").
func (s *Supervisor) Pause() error {
	return s.transition(StatePaused)
}

// Resume re-enables dequeue.
func (s *Supervisor) Resume() error {
	return s.transition(StateRunning)
}

// AddFile manually enqueues path with empty file metadata.
func (s *Supervisor) AddFile(path string, sizeBytes int64, modTime time.Time) (string, error) {
	return s.q.Enqueue(path, sizeBytes, modTime, queue.FileMetadata{})
}

// RetryFailed moves a failed-partition entry back to pending.
func (s *Supervisor) RetryFailed(id string) error {
	return s.q.RetryFailed(id)
}

// Metrics returns a snapshot of operational state.
func (s *Supervisor) Metrics() Metrics {
	return Metrics{State: s.State(), QueueStats: s.q.Stats()}
}

// Stop runs the stop sequence: mark stopping, stop the watcher, drain
// in-flight work with a bounded grace period, snapshot, mark stopped (spec
// §4.6 "Stop sequence").
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.transition(StateStopping); err != nil {
		return err
	}

	if s.snapTicker != nil {
		s.snapTicker.Stop()
	}
	if err := s.w.Stop(); err != nil {
		s.log.Warn("watcher stop error", "error", err)
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		s.log.Warn("grace period elapsed, abandoning in-flight ingestion work")
	case <-ctx.Done():
	}

	s.q.Snapshot()

	if err := s.transition(StateStopped); err != nil {
		return err
	}
	close(s.stopped)
	s.log.Info("ingestion supervisor stopped")
	return nil
}

// WaitForShutdown blocks until Stop has completed.
func (s *Supervisor) WaitForShutdown() {
	<-s.stopped
}

// Queue exposes the underlying queue.
func (s *Supervisor) Queue() *queue.Queue { return s.q }

// Bus exposes the shared event bus so the transcription dispatcher (and any
// external subscriber) can publish/observe alongside the ingestion
// processor.
func (s *Supervisor) Bus() *events.Bus { return s.bus }
