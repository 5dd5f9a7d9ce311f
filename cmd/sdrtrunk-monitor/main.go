// Command sdrtrunk-monitor is the SDRTrunk audio ingestion and
// transcription-dispatch service's entrypoint. It mirrors the original
// Rust CLI's subcommands (start, scan, queue, config) over the Go
// supervisor, queue, and dispatcher packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sdrtrunk-monitor/internal/callback"
	"sdrtrunk-monitor/internal/config"
	"sdrtrunk-monitor/internal/events"
	"sdrtrunk-monitor/internal/httpapi"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/queue"
	"sdrtrunk-monitor/internal/reconcile"
	"sdrtrunk-monitor/internal/store"
	"sdrtrunk-monitor/internal/supervisor"
	"sdrtrunk-monitor/internal/transcribe"
	"sdrtrunk-monitor/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file overlay")
	development := flag.Bool("dev", false, "use human-readable (pretty) logging instead of JSON")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(*development)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logger.Sync()

	args := flag.Args()
	cmd := "start"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var runErr error
	switch cmd {
	case "start":
		runErr = runStart(cfg, logger)
	case "scan":
		runErr = runScan(cfg, logger, args)
	case "queue":
		runErr = runQueue(cfg, logger, args)
	case "config":
		runErr = runConfig(cfg, args)
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		logger.Error("command failed", "command", cmd, "error", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `sdrtrunk-monitor: watch a directory for SDRTrunk audio exports and dispatch them for transcription

Usage:
  sdrtrunk-monitor [flags] [command]

Commands:
  start               run the ingestion service in the foreground (default)
  scan [--execute]    scan the watch directory for existing files without starting the watcher
  queue status        print queue depth and partition counts
  queue list          list failed queue entries
  queue retry <id>    move a failed entry back to pending
  queue clear         clear the failed partition
  config show         print the resolved configuration

Flags:
`)
	flag.PrintDefaults()
}

// runStart wires every component together and serves until the process
// receives SIGINT/SIGTERM, then runs the supervisor's bounded stop sequence.
func runStart(cfg config.Config, logger *logging.Logger) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sup := supervisor.New(cfg.Ingestion, st, logger)
	disp := transcribe.New(cfg.Transcription, st, logger)
	disp.SetBus(sup.Bus())
	cb := callback.New(st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe before starting the supervisor so no CallIngested event
	// published by the ingestion workers is missed.
	go dispatchIngestedCalls(ctx, sup.Bus().Subscribe(), disp, cfg.Transcription.CallbackURL, logger)

	disp.Start(ctx)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	mux := http.NewServeMux()
	router := httpapi.NewRouter(st, sup, disp, cb, logger)
	router.Register(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20_000_000_000)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := sup.Stop(shutdownCtx); err != nil {
			logger.Warn("supervisor stop error", "error", err)
		}
	}()

	logger.Info("sdrtrunk-monitor listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	sup.WaitForShutdown()
	return nil
}

// dispatchIngestedCalls bridges the ingestion processor's CallIngested
// events to the transcription dispatcher, closing the gap between C3 and
// C4: without it, every ingested file would sit at transcription.status
// pending forever.
func dispatchIngestedCalls(ctx context.Context, sub <-chan any, disp *transcribe.Dispatcher, callbackURL string, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			ci, ok := ev.(events.CallIngested)
			if !ok {
				continue
			}
			req := transcribe.Request{
				RequestID:   transcribe.NewRequestID(),
				CallID:      ci.CallID,
				AudioPath:   ci.Path,
				RequestedAt: time.Now().UTC(),
				CallbackURL: callbackURL,
			}
			if err := disp.TrySubmit(req); err != nil {
				logger.Warn("failed to submit transcription request", "call_id", ci.CallID, "error", err)
			}
		}
	}
}

// runScan performs a one-shot non-recursive scan of the watch directory,
// reconciling candidates against the store's ingested-file check. Without
// --execute it only reports what would be enqueued.
func runScan(cfg config.Config, logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	execute := fs.Bool("execute", false, "enqueue the files found instead of a dry run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	w := watch.New(watch.Config{
		Directory:         cfg.Ingestion.WatchDirectory,
		AllowedExtensions: cfg.Ingestion.AllowedExtensions,
		MaxFileSizeBytes:  cfg.Ingestion.MaxFileSizeBytes,
	}, logger)

	scanned, err := w.ScanExisting()
	if err != nil {
		return fmt.Errorf("scan %s: %w", cfg.Ingestion.WatchDirectory, err)
	}

	candidates := make([]reconcile.Candidate, 0, len(scanned))
	for _, ev := range scanned {
		candidates = append(candidates, reconcile.Candidate{Path: ev.Path, ModTime: ev.ModTime, SizeBytes: ev.SizeBytes})
	}

	if !*execute {
		pending, err := reconcile.SelectPending(context.Background(), candidates, st, 0)
		if err != nil {
			return err
		}
		for _, c := range pending {
			fmt.Println(c.Path)
		}
		fmt.Printf("%d file(s) would be enqueued (dry run; pass --execute to enqueue)\n", len(pending))
		return nil
	}

	q := queue.New(queue.Config{
		MaxSize:         cfg.Ingestion.MaxQueueSize,
		PersistenceFile: cfg.Ingestion.PersistenceFile,
		PriorityByAge:   cfg.Ingestion.PriorityByAge,
		PriorityBySize:  cfg.Ingestion.PriorityBySize,
	}, logger)
	q.Restore()

	enqueued, err := reconcile.Run(context.Background(), candidates, st, func(path string) error {
		for _, ev := range scanned {
			if ev.Path == path {
				_, enqErr := q.Enqueue(ev.Path, ev.SizeBytes, ev.ModTime, queue.FileMetadata{Symlink: ev.Symlink})
				return enqErr
			}
		}
		return nil
	}, 0, logger)
	if err != nil {
		return err
	}
	q.Snapshot()
	fmt.Printf("enqueued %d file(s)\n", enqueued)
	return nil
}

func runQueue(cfg config.Config, logger *logging.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("queue: expected a subcommand (status, list, retry, clear)")
	}

	q := queue.New(queue.Config{
		MaxSize:         cfg.Ingestion.MaxQueueSize,
		PersistenceFile: cfg.Ingestion.PersistenceFile,
		PriorityByAge:   cfg.Ingestion.PriorityByAge,
		PriorityBySize:  cfg.Ingestion.PriorityBySize,
	}, logger)
	q.Restore()

	switch args[0] {
	case "status":
		stats := q.Stats()
		fmt.Printf("pending=%d in_flight=%d failed=%d total_enqueued=%d\n",
			stats.Pending, stats.InFlight, stats.Failed, stats.TotalEnqueued)
	case "list":
		for _, f := range q.ListFailed() {
			fmt.Printf("%s\t%s\t%s\n", f.ID, f.Path, f.LastError)
		}
	case "retry":
		if len(args) < 2 {
			return fmt.Errorf("queue retry: expected a file id")
		}
		if err := q.RetryFailed(args[1]); err != nil {
			return err
		}
		q.Snapshot()
		fmt.Printf("retried %s\n", args[1])
	case "clear":
		n := q.ClearFailed()
		q.Snapshot()
		fmt.Printf("cleared %d failed entries\n", n)
	default:
		return fmt.Errorf("queue: unknown subcommand %q", args[0])
	}
	return nil
}

func runConfig(cfg config.Config, args []string) error {
	if len(args) > 0 && args[0] != "show" {
		return fmt.Errorf("config: unknown subcommand %q", args[0])
	}
	fmt.Printf("watch_directory: %s\n", cfg.Ingestion.WatchDirectory)
	fmt.Printf("archive_directory: %s\n", cfg.Ingestion.ArchiveDirectory)
	fmt.Printf("failed_directory: %s\n", cfg.Ingestion.FailedDirectory)
	fmt.Printf("max_file_size_bytes: %d\n", cfg.Ingestion.MaxFileSizeBytes)
	fmt.Printf("processing_workers: %d\n", cfg.Ingestion.ProcessingWorkers)
	fmt.Printf("max_queue_size: %d\n", cfg.Ingestion.MaxQueueSize)
	fmt.Printf("transcription.base_url: %s\n", cfg.Transcription.BaseURL)
	fmt.Printf("transcription.workers: %d\n", cfg.Transcription.Workers)
	fmt.Printf("db_path: %s\n", cfg.DBPath)
	fmt.Printf("http_addr: %s\n", cfg.HTTPAddr)
	return nil
}
