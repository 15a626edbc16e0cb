// Package netmon watches backend reachability.
//
// The monitor probes the backend health endpoint on an interval and publishes
// only transitions, so the orchestrator reacts to "went offline" and "came
// back" rather than to every probe. Reachability here means the backend
// answered, not merely that an interface has an address.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Status is the monitor's view of backend reachability.
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Pinger is the health probe, usually the remote client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds monitor configuration.
type Config struct {
	// Interval between probes (default: 30s).
	Interval time.Duration

	// Logger for transition events (default: stderr logger).
	Logger *log.Logger
}

// Monitor probes the backend and reports reachability transitions.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	current Status
	changes chan Status
}

// New creates a monitor. The status starts Offline until the first probe
// says otherwise.
func New(pinger Pinger, cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger,
		current:  Offline,
		changes:  make(chan Status, 4),
	}
}

// Current returns the last observed status.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Changes delivers status transitions. Steady-state probes emit nothing.
func (m *Monitor) Changes() <-chan Status {
	return m.changes
}

// Run probes until the context is cancelled. The first probe fires
// immediately so startup does not wait a full interval to learn it is online.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Poke triggers an immediate probe, for callers that just saw a request fail
// and want the status refreshed ahead of the next tick.
func (m *Monitor) Poke(ctx context.Context) {
	m.probe(ctx)
}

func (m *Monitor) probe(ctx context.Context) {
	status := Online
	if err := m.pinger.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		status = Offline
	}

	m.mu.Lock()
	prev := m.current
	m.current = status
	m.mu.Unlock()

	if status == prev {
		return
	}
	m.logger.Printf("Backend is %s", status)
	select {
	case m.changes <- status:
	default:
		// A slow consumer misses intermediate flaps, never the call to
		// Current() that follows the ones it does see.
	}
}
