package fieldsync

import (
	"context"
	"log"
	"sync"
	"time"
)

// ============================================================================
// ConnectivityMonitor
// ============================================================================

// DefaultProbeInterval is how often the background probe checks the network.
const DefaultProbeInterval = 30 * time.Second

// ConnectivityMonitor is the single source of truth for "is the network
// reachable". Components observe transitions through Subscribe rather than
// installing ambient global listeners.
//
// The current state can be driven two ways: the host pushes explicit signals
// via SetOnline, or the background probe loop (Start) polls a lightweight
// endpoint and derives the state itself.
type ConnectivityMonitor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool
	subs   []func(online bool)
	cancel context.CancelFunc
}

// MonitorOption configures a ConnectivityMonitor.
type MonitorOption func(*ConnectivityMonitor)

// WithProbeInterval sets the background probe period.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *ConnectivityMonitor) { m.interval = d }
}

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(logger *log.Logger) MonitorOption {
	return func(m *ConnectivityMonitor) { m.logger = logger }
}

// NewConnectivityMonitor creates a monitor. probe may be nil when the host
// drives the state exclusively through SetOnline. The monitor starts in the
// online state, matching a freshly launched client that has not yet observed
// a failure.
func NewConnectivityMonitor(probe func(ctx context.Context) error, opts ...MonitorOption) *ConnectivityMonitor {
	m := &ConnectivityMonitor{
		probe:    probe,
		interval: DefaultProbeInterval,
		logger:   discardLogger(),
		online:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current network state.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a host connectivity signal. Subscribers are notified
// exactly once per transition; repeated signals with the same value are
// ignored.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]func(bool){}, m.subs...)
	m.mu.Unlock()

	if online {
		m.logger.Println("connectivity: online")
	} else {
		m.logger.Println("connectivity: offline")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers an observer for online/offline transitions. The
// observer is called synchronously from the transition, in registration
// order.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Start launches the background probe loop. It is a no-op when the monitor
// has no probe or a loop is already running.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.probe == nil || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.probeLoop(loopCtx)
}

// Stop cancels the background probe loop.
func (m *ConnectivityMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *ConnectivityMonitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.interval/2)
			err := m.probe(probeCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			m.SetOnline(err == nil)
		}
	}
}
