// Package connectivity maintains the single authoritative online/offline flag
// for the sync pipeline. The platform's own network signal is not trusted on
// its own: a device can stay associated with a local network while the
// backend is unreachable (server outage, DNS blackhole, captive portal). The
// oracle therefore reconciles three signals: network-classified failures from
// real calls, an active reachability probe while offline, and any external
// "online" hint.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultProbeInterval is how often the backend is probed while offline.
	DefaultProbeInterval = 10 * time.Second
	// DefaultProbeTimeout bounds a single probe attempt so a hung probe
	// cannot block the next interval from firing.
	DefaultProbeTimeout = 5 * time.Second
)

// ProbeFunc checks backend reachability, returning nil when reachable.
type ProbeFunc func(ctx context.Context) error

// Classifier reports whether an error is a transport failure.
type Classifier func(error) bool

// Config tunes the probe loop.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Oracle is the process-wide connectivity state machine. Construct one at
// startup and inject it everywhere; there is deliberately no package-level
// instance.
type Oracle struct {
	probe    ProbeFunc
	classify Classifier
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	stopProbe chan struct{} // non-nil exactly while the probe loop runs
	wg        sync.WaitGroup
	listeners []func(online bool)
}

// New creates an oracle that starts in the Online state.
func New(probe ProbeFunc, classify Classifier, cfg Config, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	return &Oracle{
		probe:    probe,
		classify: classify,
		cfg:      cfg,
		logger:   logger.With("component", "connectivity"),
		online:   true,
	}
}

// IsOnline returns the current state.
func (o *Oracle) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Probing reports whether the interval probe loop is currently active. It is
// active exactly while the state is Offline.
func (o *Oracle) Probing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopProbe != nil
}

// Subscribe registers a listener invoked on every state transition. Listeners
// run outside the oracle's lock and must not block for long.
func (o *Oracle) Subscribe(fn func(online bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// ReportFailure feeds a failed remote call into the oracle. Only a
// network-classified failure flips the state to Offline and starts the probe
// loop; application errors mean the server was reached and leave the state
// alone. Returns whether err was classified as a network failure.
func (o *Oracle) ReportFailure(err error) bool {
	if err == nil || !o.classify(err) {
		return false
	}

	o.mu.Lock()
	if !o.online {
		o.mu.Unlock()
		return true
	}
	o.online = false
	o.startProbeLocked()
	listeners := append([]func(bool){}, o.listeners...)
	o.mu.Unlock()

	o.logger.Warn("backend unreachable, entering offline mode", "error", err)
	for _, fn := range listeners {
		fn(false)
	}
	return true
}

// SetOnline forces the Online state. Called by a successful probe and by any
// external online hint (platform network event, realtime socket connecting).
// Any active probe loop is cancelled unconditionally.
func (o *Oracle) SetOnline() {
	o.mu.Lock()
	if o.online {
		// Still cancel a stray probe loop; only one may ever be active.
		o.stopProbeLocked()
		o.mu.Unlock()
		return
	}
	o.online = true
	o.stopProbeLocked()
	listeners := append([]func(bool){}, o.listeners...)
	o.mu.Unlock()

	o.logger.Info("backend reachable again, back online")
	for _, fn := range listeners {
		fn(true)
	}
}

// Close stops any running probe loop and waits for it to exit.
func (o *Oracle) Close() {
	o.mu.Lock()
	o.stopProbeLocked()
	o.mu.Unlock()
	o.wg.Wait()
}

// startProbeLocked launches the interval probe if not already running.
func (o *Oracle) startProbeLocked() {
	if o.stopProbe != nil {
		return
	}
	stop := make(chan struct{})
	o.stopProbe = stop
	o.wg.Add(1)
	go o.probeLoop(stop)
}

func (o *Oracle) stopProbeLocked() {
	if o.stopProbe != nil {
		close(o.stopProbe)
		o.stopProbe = nil
	}
}

// probeLoop polls the backend on a fixed interval until it answers or the
// loop is cancelled by a transition to Online.
func (o *Oracle) probeLoop(stop chan struct{}) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ProbeTimeout)
			err := o.probe(ctx)
			cancel()

			if err != nil {
				o.logger.Debug("reachability probe failed", "error", err)
				continue
			}
			o.SetOnline()
			return
		}
	}
}
