// Package monitor tracks whether the remote service is reachable.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/taskdeck/internal/logging"
)

// Prober checks reachability of the remote service.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener is called on every online/offline transition.
type Listener func(online bool)

// Config holds monitor configuration.
type Config struct {
	Online        bool          // Initial state, used until the first probe answers
	ProbeInterval time.Duration // How often to probe (0 disables probing)
	ProbeTimeout  time.Duration // Per-probe timeout (default: 5 seconds)
}

// Monitor is a two-state online/offline machine. Transitions are edge triggered:
// repeated identical signals do not notify listeners.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration

	mu        sync.RWMutex
	online    bool
	listeners []Listener
	changedAt time.Time
	// pinned is set by Override; reachability checks leave the state alone while it holds.
	pinned bool

	// transition serializes state changes so listeners observe them in order.
	transition sync.Mutex

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a new Monitor. prober may be nil when only SetOnline drives the state.
func New(prober Prober, cfg Config) *Monitor {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:       prober,
		interval:     cfg.ProbeInterval,
		probeTimeout: timeout,
		online:       cfg.Online,
		changedAt:    time.Now(),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ChangedAt returns when the state last changed.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// OnChange registers a listener for transitions.
func (m *Monitor) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline applies a platform connectivity signal.
// Returns true when the signal caused a transition.
func (m *Monitor) SetOnline(online bool) bool {
	return m.set(online, false)
}

// Override pins the state to online until ClearOverride. Probe results are
// ignored meanwhile. Returns true when the override caused a transition.
func (m *Monitor) Override(online bool) bool {
	m.mu.Lock()
	m.pinned = true
	m.mu.Unlock()

	logging.Info("Connectivity overridden", map[string]interface{}{"online": online})
	return m.set(online, false)
}

// ClearOverride lets Probe drive the state again.
func (m *Monitor) ClearOverride() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned {
		m.pinned = false
		logging.Info("Connectivity override cleared", nil)
	}
}

// Overridden reports whether the state is pinned by Override.
func (m *Monitor) Overridden() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned
}

func (m *Monitor) set(online, probed bool) bool {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if (probed && m.pinned) || m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.changedAt = time.Now()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": !online,
		"is_online":  online,
	})

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Probe asks the prober once and applies the result unless the state is overridden.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil || m.Overridden() {
		return m.Online()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Shutting down, not a connectivity signal.
		return m.Online()
	}
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.set(err == nil, true)
	return m.Online()
}

// Start probes once to read the initial state, then keeps probing in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	if m.prober == nil {
		return
	}
	m.Probe(ctx)

	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.probeLoop(ctx, m.stopCh)

	logging.Info("Connectivity monitor started", map[string]interface{}{
		"probe_interval_seconds": m.interval.Seconds(),
	})
}

// Stop stops background probing.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
