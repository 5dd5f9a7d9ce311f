// Package watch implements the Directory Watcher (C2): it observes a watch
// directory for newly closed audio files and emits candidate paths once
// they have been quiescent for a configured stable period (spec §4.2).
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sdrtrunk-monitor/internal/logging"
)

// Event is a candidate file the watcher believes is closed and ready for
// ingestion.
type Event struct {
	Path      string
	SizeBytes int64
	ModTime   time.Time
	Symlink   bool
}

// Config controls filtering and debounce behavior.
type Config struct {
	Directory         string
	AllowedExtensions []string
	MaxFileSizeBytes  int64
	MinStablePeriod   time.Duration
}

// Watcher observes Directory for new, stable files.
type Watcher struct {
	cfg       Config
	allowed   map[string]bool
	log       *logging.Logger
	fsw       *fsnotify.Watcher
	events    chan Event
	timersMu  sync.Mutex
	timers    map[string]*time.Timer
	stableCheck map[string]stableState
}

type stableState struct {
	size    int64
	modTime time.Time
}

// New constructs a Watcher. Call Start to begin emitting events.
func New(cfg Config, log *logging.Logger) *Watcher {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Watcher{
		cfg:         cfg,
		allowed:     allowed,
		log:         log,
		events:      make(chan Event, 64),
		timers:      make(map[string]*time.Timer),
		stableCheck: make(map[string]stableState),
	}
}

// Start launches the fsnotify watch for the directory. It does not itself
// emit the startup-scan candidates onto the returned channel: the
// supervisor (C6) reconciles ScanExisting's results against the store
// before re-enqueuing, so a crash-restart never double-ingests a file this
// process already committed (spec §4.6 start sequence). The returned
// channel is closed when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) (<-chan Event, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw
	if err := fsw.Add(w.cfg.Directory); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop(ctx)

	return w.events, nil
}

// ScanExisting synchronously enumerates the watch directory (non-recursive)
// and returns one candidate per matching file, independent of Start — used
// by reconciliation and the CLI's "scan" subcommand.
func (w *Watcher) ScanExisting() ([]Event, error) {
	return w.scanDirectory()
}

func (w *Watcher) scanDirectory() ([]Event, error) {
	entries, err := os.ReadDir(w.cfg.Directory)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, entry := range entries {
		path := filepath.Join(w.cfg.Directory, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		symlink := info.Mode()&os.ModeSymlink != 0
		if ev, ok := w.toEvent(path, info.Size(), info.ModTime(), symlink); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.scheduleDebounce(ctx, ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// scheduleDebounce (re)starts the per-path quiescence timer. On expiry the
// watcher rechecks size & mtime; if unchanged since the last event, the
// file is emitted as closed.
func (w *Watcher) scheduleDebounce(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.stableCheck[path] = stableState{size: info.Size(), modTime: info.ModTime()}

	w.timers[path] = time.AfterFunc(w.cfg.MinStablePeriod, func() {
		w.checkStable(ctx, path)
	})
}

func (w *Watcher) checkStable(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.timersMu.Lock()
		delete(w.timers, path)
		delete(w.stableCheck, path)
		w.timersMu.Unlock()
		return
	}

	w.timersMu.Lock()
	prev, tracked := w.stableCheck[path]
	delete(w.timers, path)
	delete(w.stableCheck, path)
	w.timersMu.Unlock()

	if !tracked || prev.size != info.Size() || !prev.modTime.Equal(info.ModTime()) {
		// Changed since the timer was scheduled; a later event will
		// re-debounce it.
		return
	}

	// os.Stat follows links, so the symlink label needs an Lstat.
	symlink := false
	if linfo, err := os.Lstat(path); err == nil {
		symlink = linfo.Mode()&os.ModeSymlink != 0
	}
	if ev, ok := w.toEvent(path, info.Size(), info.ModTime(), symlink); ok {
		select {
		case w.events <- ev:
		case <-ctx.Done():
		}
	}
}

// toEvent applies the extension and size filters (spec §4.2 "Filtering").
// Symlinks are labeled but not rejected here; the processor decides.
func (w *Watcher) toEvent(path string, size int64, modTime time.Time, symlink bool) (Event, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if len(w.allowed) > 0 && !w.allowed[ext] {
		return Event{}, false
	}
	if w.cfg.MaxFileSizeBytes > 0 && size > w.cfg.MaxFileSizeBytes {
		return Event{}, false
	}
	return Event{Path: path, SizeBytes: size, ModTime: modTime, Symlink: symlink}, true
}

// Stop releases OS resources by closing the fsnotify watcher, which makes
// the event loop close the event channel. It returns at once; it does not
// wait for the caller to drain the channel.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
