// Package daemon wires the escalation queue: store, priority index,
// assignment coordinator, presence tracker, estimator, broadcaster,
// intake watcher, and the UDS serving surface.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/havenline/dispatch/internal/estimate"
	"github.com/havenline/dispatch/internal/events"
	"github.com/havenline/dispatch/internal/lock"
	"github.com/havenline/dispatch/internal/model"
	"github.com/havenline/dispatch/internal/presence"
	"github.com/havenline/dispatch/internal/queue"
	"github.com/havenline/dispatch/internal/store"
	"github.com/havenline/dispatch/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the single serving node for the escalation task queue.
type Daemon struct {
	workDir  string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store       *store.Store
	index       *queue.Index
	tracker     *presence.Tracker
	estimator   *estimate.Estimator
	broadcaster *events.Broadcaster
	coordinator *Coordinator
	metrics     *MetricsHandler
	intake      *IntakeHandler

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon logging to logs/daemon.log under workDir.
func New(workDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(workDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(workDir, cfg, logFile, logFile, nil)
}

// newDaemon is the internal constructor for testing. eligible may be
// nil (admit all mentors).
func newDaemon(workDir string, cfg model.Config, w io.Writer, closer io.Closer, eligible EligibilityFunc) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	logger := log.New(w, "", 0)
	logLevel := parseLogLevel(cfg.Logging.Level)

	d := &Daemon{
		workDir:  workDir,
		config:   cfg,
		logLevel: logLevel,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(workDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(workDir, uds.DefaultSocketName)),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}

	d.store = store.New(filepath.Join(workDir, "tasks.yaml"))
	d.index = queue.New()
	d.estimator = estimate.New(cfg.Estimator)

	if eligible == nil {
		eligible = func(string, *model.TaskRecord) bool { return true }
	}
	d.broadcaster = events.NewBroadcaster(cfg.Limits.EventBufferSize, eligible)

	// Tracker and coordinator reference each other: abandonment flows
	// tracker → coordinator.Requeue → tracker.ClearAssignment.
	d.tracker = presence.NewTracker(cfg.Assignment, func(taskID, mentorID string) {
		if d.coordinator == nil {
			return
		}
		if _, err := d.coordinator.Requeue(taskID, mentorID); err != nil {
			d.log(LogLevelWarn, "abandon_requeue_failed task=%s mentor=%s error=%v", taskID, mentorID, err)
		}
	})
	d.broadcaster.SetOnEvict(func(mentorID string) {
		d.log(LogLevelWarn, "session_evicted mentor=%s (event buffer overflow)", mentorID)
		d.tracker.Disconnect(mentorID)
	})

	d.coordinator = NewCoordinator(d.store, d.index, d.tracker, d.estimator,
		d.broadcaster, eligible, cfg, logger, logLevel)
	d.metrics = NewMetricsHandler(workDir, logger, logLevel)
	d.intake = NewIntakeHandler(workDir, cfg, d.coordinator, logger, logLevel)

	return d, nil
}

// Coordinator exposes the assignment engine for in-process callers
// (tests, embedded transports).
func (d *Daemon) Coordinator() *Coordinator {
	return d.coordinator
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Single-instance lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Restore the task snapshot and reconcile pre-crash state
	if err := d.store.Load(); err != nil {
		d.cleanup()
		return err
	}
	repairs := d.Reconcile()
	for _, rep := range repairs {
		d.log(LogLevelWarn, "reconcile pattern=%s task=%s detail=%s", rep.Pattern, rep.TaskID, rep.Detail)
	}

	// Step 3: Intake drop directory watcher
	if d.config.Intake.Enabled {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		d.watcher = watcher

		intakeDir := filepath.Join(d.workDir, "intake")
		if err := os.MkdirAll(intakeDir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", intakeDir, err)
		}
		if err := watcher.Add(intakeDir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", intakeDir, err)
		}
	}

	// Step 4: Register UDS handlers and start serving
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.workDir, uds.DefaultSocketName))

	// Step 5: Background loops
	g, ctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return d.tickerLoop(ctx) })
	if d.watcher != nil {
		g.Go(func() error { return d.fsnotifyLoop(ctx) })
	}

	// Step 6: Initial scan picks up intake files dropped while down
	d.periodicScan()
	d.log(LogLevelInfo, "daemon ready")

	// Step 7: Wait for signals
	d.waitSignals()

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// fsnotifyLoop reacts to escalation request files appearing in intake/.
func (d *Daemon) fsnotifyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.intake.HandleFileEvent(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop triggers periodic scans at the configured interval.
func (d *Daemon) tickerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic scan triggered")
			d.periodicScan()
		}
	}
}

// periodicScan runs the recurring maintenance pass: expire tasks past
// the waiting ceiling, disconnect silent mentors, drop aged terminal
// records, rescan intake (fsnotify backstop), and refresh metrics.
func (d *Daemon) periodicScan() {
	now := time.Now().UTC()

	if n := d.coordinator.ExpireSweep(now); n > 0 {
		d.log(LogLevelInfo, "expire_sweep expired=%d", n)
	}
	if stale := d.tracker.StaleSweep(now); len(stale) > 0 {
		d.log(LogLevelWarn, "stale_sweep disconnected=%v", stale)
	}
	if n := d.coordinator.PurgeTerminal(now); n > 0 {
		d.log(LogLevelDebug, "purge_terminal removed=%d", n)
	}
	if d.config.Intake.Enabled {
		d.intake.Scan()
	}

	if err := d.metrics.Update(d.store.ListOpen(), d.coordinator.counters.drain(), now); err != nil {
		d.log(LogLevelError, "metrics_update error=%v", err)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		d.broadcaster.Close()
		d.tracker.Close()

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.workDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
