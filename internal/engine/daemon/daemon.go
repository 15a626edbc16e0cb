// Package daemon provides the sync daemon that orchestrates pushing, the
// realtime stream, and connectivity tracking.
//
// The daemon:
// 1. Watches backend reachability and connects the stream when online
// 2. Pushes pending operations on an interval and after local changes
// 3. Tears the stream down cleanly when connectivity drops
// 4. Handles graceful shutdown
//
// Local edits keep queueing while disconnected; reconnecting drains the
// backlog and reconciles whatever the stream missed.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/strideapp/stride/internal/engine/db"
	"github.com/strideapp/stride/internal/engine/netmon"
	"github.com/strideapp/stride/internal/engine/push"
)

// State is the daemon's connection lifecycle phase.
type State int

const (
	// Disconnected: offline or not yet connected. Local edits queue up.
	Disconnected State = iota

	// Connecting: reachability confirmed, stream being established.
	Connecting

	// Syncing: stream live, pushes and ingest both running.
	Syncing

	// ShutDown: terminal, entered from any state on stop.
	ShutDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case ShutDown:
		return "shut-down"
	default:
		return "unknown"
	}
}

// Monitor is the connectivity source, usually *netmon.Monitor.
type Monitor interface {
	Run(ctx context.Context)
	Current() netmon.Status
	Changes() <-chan netmon.Status
}

// Pusher drains the pending queue, usually *push.Coordinator.
type Pusher interface {
	RunCycle(ctx context.Context) (push.CycleStats, error)
}

// Ingestor consumes the realtime stream, usually *ingest.Ingestor.
type Ingestor interface {
	Run(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// PushInterval is how often to run a push cycle regardless of local
	// activity, catching ops whose backoff has elapsed.
	PushInterval time.Duration

	// DebounceInterval is how long to wait after a local change before
	// pushing. This batches rapid edits together.
	DebounceInterval time.Duration

	// ConfigFile, when set, is watched for changes; the stream reconnects
	// so new credentials or subscription settings take effect.
	ConfigFile string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushInterval:     15 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the sync engine's moving parts.
type Daemon struct {
	db       *db.DB
	monitor  Monitor
	pusher   Pusher
	ingestor Ingestor
	config   *Config

	stateMu sync.Mutex
	state   State

	// streamCancel tears down the current subscription, nil when none.
	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	pushNow  chan struct{}
	resubNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance. Use Start() to begin syncing.
func New(database *db.DB, monitor Monitor, pusher Pusher, ingestor Ingestor, config *Config) (*Daemon, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher cannot be nil")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PushInterval <= 0 {
		config.PushInterval = 15 * time.Second
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		db:       database,
		monitor:  monitor,
		pusher:   pusher,
		ingestor: ingestor,
		config:   config,
		state:    Disconnected,
		pushNow:  make(chan struct{}, 1),
		resubNow: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// State returns the current lifecycle phase.
func (d *Daemon) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.stateMu.Lock()
	prev := d.state
	d.state = s
	d.stateMu.Unlock()
	if prev != s {
		d.config.Logger.Printf("State: %s -> %s", prev, s)
	}
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Release operations a previous process left claimed
// 2. Track backend reachability and connect the stream when online
// 3. Push pending operations on an interval and after local edits
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// Ops claimed by a crashed run would otherwise stay invisible forever.
	if err := d.db.ReleaseInFlight(ctx); err != nil {
		return fmt.Errorf("failed to recover in-flight ops: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.ctx)
	}()

	d.wg.Add(2)
	go d.connectionLoop()
	go d.pushLoop()

	if d.config.ConfigFile != "" {
		if err := d.watchConfig(); err != nil {
			d.config.Logger.Printf("Warning: config watch disabled: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. The pending queue is left exactly
// as it is; the next run picks it up.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.setState(ShutDown)
	d.disconnectStream()
	d.cancel()
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// connectionLoop drives the lifecycle state machine off monitor transitions.
func (d *Daemon) connectionLoop() {
	defer d.wg.Done()

	if d.monitor.Current() == netmon.Online {
		d.connect()
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case status := <-d.monitor.Changes():
			if d.State() == ShutDown {
				return
			}
			if status == netmon.Online {
				d.connect()
			} else {
				d.disconnect()
			}

		case <-d.resubNow:
			if d.State() != Syncing {
				continue
			}
			d.config.Logger.Println("Re-establishing stream")
			d.disconnectStream()
			d.connect()
		}
	}
}

// connect establishes the stream and kicks off a push to drain the backlog.
func (d *Daemon) connect() {
	d.setState(Connecting)

	streamCtx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})

	d.streamMu.Lock()
	d.streamCancel = cancel
	d.streamDone = done
	d.streamMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		if err := d.ingestor.Run(streamCtx); err != nil && streamCtx.Err() == nil {
			d.config.Logger.Printf("Ingest stopped: %v", err)
		}
	}()

	d.setState(Syncing)
	d.triggerPush()
}

// disconnect tears the stream down and returns to Disconnected. Pending
// operations stay queued untouched.
func (d *Daemon) disconnect() {
	d.disconnectStream()
	d.setState(Disconnected)
}

func (d *Daemon) disconnectStream() {
	d.streamMu.Lock()
	cancel := d.streamCancel
	done := d.streamDone
	d.streamCancel = nil
	d.streamDone = nil
	d.streamMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pushLoop runs push cycles on the interval, debounced after local changes,
// and immediately on demand after connecting.
func (d *Daemon) pushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PushInterval)
	defer ticker.Stop()

	// Stopped debounce timer; armed by local change notifications.
	debounce := time.NewTimer(d.config.DebounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runPush()

		case <-d.db.Changes():
			debounce.Reset(d.config.DebounceInterval)

		case <-debounce.C:
			d.runPush()

		case <-d.pushNow:
			d.runPush()
		}
	}
}

// triggerPush requests an immediate push cycle without blocking.
func (d *Daemon) triggerPush() {
	select {
	case d.pushNow <- struct{}{}:
	default:
	}
}

// runPush executes one push cycle if the daemon is in a state to send.
func (d *Daemon) runPush() {
	if d.State() != Syncing {
		return
	}
	if _, err := d.pusher.RunCycle(d.ctx); err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Push cycle failed: %v", err)
	}
}

// watchConfig reconnects the stream when the config file changes, so edits
// to credentials or subscriptions take effect without a restart.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(d.config.ConfigFile)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	d.config.Logger.Printf("Watching config: %s", d.config.ConfigFile)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(d.config.ConfigFile) {
					continue
				}
				d.config.Logger.Printf("Config changed: %s", event.Name)
				select {
				case d.resubNow <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.config.Logger.Printf("Watcher error: %v", err)
			}
		}
	}()

	return nil
}
