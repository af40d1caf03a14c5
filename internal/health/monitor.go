// Package health keeps a cluster's remote daemon reachable.
//
// EnsureHealthy probes the daemon and, on a connectivity failure, escalates
// in a fixed order:
//   - reconnect, bringing the node back up first if it is no longer up
//   - restart the daemon and re-probe with a fixed backoff
//   - give up with ServerUnreachableError
//
// Errors that are not connectivity failures are returned as they are.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/metrics"
)

const (
	DefaultProbes  = 5
	DefaultBackoff = 5 * time.Second
)

// Target is the cluster as seen by the monitor.
type Target interface {
	Name() string
	HasAddress() bool
	// BringUp provisions the node or finds its address. It returns
	// errors.ErrNoProvisioner when the cluster has no way to do that.
	BringUp(ctx context.Context) error
	IsUp(ctx context.Context) bool
	HasClient() bool
	Connect(ctx context.Context, force bool) error
	Probe(ctx context.Context) error
	Restart(ctx context.Context) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Config struct {
	Probes  int
	Backoff time.Duration
	Sleep   SleepFunc
	Tracker *Tracker
}

type Monitor struct {
	mu      sync.Mutex
	target  Target
	probes  int
	backoff time.Duration
	sleep   SleepFunc
	tracker *Tracker
}

func NewMonitor(target Target, cfg Config) *Monitor {
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker()
	}
	return &Monitor{
		target:  target,
		probes:  cfg.Probes,
		backoff: cfg.Backoff,
		sleep:   cfg.Sleep,
		tracker: cfg.Tracker,
	}
}

func (m *Monitor) State() State {
	return m.tracker.Get(m.target.Name())
}

func (m *Monitor) Tracker() *Tracker {
	return m.tracker
}

func (m *Monitor) set(s State) {
	name := m.target.Name()
	if prev := m.tracker.Set(name, s); prev != s {
		metrics.StateTransitions.WithLabelValues(name, string(s)).Inc()
		logging.Debugf("[health] %s: %s -> %s", name, prev, s)
	}
}

// check connects when there is no client yet and runs one liveness probe.
func (m *Monitor) check(ctx context.Context) error {
	if !m.target.HasClient() {
		if err := m.target.Connect(ctx, false); err != nil {
			return err
		}
	}
	err := m.target.Probe(ctx)
	metrics.ProbesTotal.WithLabelValues(m.target.Name(), metrics.Result(err)).Inc()
	return err
}

// reconnect replaces the client and, for tunnel types, the tunnel.
func (m *Monitor) reconnect(ctx context.Context) error {
	err := m.target.Connect(ctx, true)
	if err != nil {
		logging.Debugf("[health] %s: reconnect failed: %v", m.target.Name(), err)
	}
	return err
}

// EnsureHealthy returns nil once the daemon answers a probe. When the daemon
// is already healthy this costs exactly one probe.
func (m *Monitor) EnsureHealthy(ctx context.Context, allowRestart bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.target.Name()
	if !m.target.HasAddress() {
		logging.Infof("[health] %s has no address, bringing it up", name)
		if err := m.target.BringUp(ctx); err != nil {
			m.set(StateDown)
			return &clerrors.NoAddressError{Cluster: name, Err: err}
		}
		if !m.target.HasAddress() {
			m.set(StateDown)
			return &clerrors.NoAddressError{Cluster: name}
		}
	}

	if m.State() != StateHealthy {
		m.set(StateChecking)
	}

	broughtUp, reconnected := false, false
	for {
		err := m.check(ctx)
		if err == nil {
			m.set(StateHealthy)
			return nil
		}
		if !clerrors.IsConnectivity(err) {
			return err
		}
		logging.Warnf("[health] %s: daemon check failed: %v", name, err)

		if !broughtUp && !m.target.IsUp(ctx) {
			m.set(StateDown)
			logging.Infof("[health] %s is down, bringing it up", name)
			if upErr := m.target.BringUp(ctx); upErr != nil {
				if errors.Is(upErr, clerrors.ErrNoProvisioner) {
					return &clerrors.NoAddressError{Cluster: name, Err: upErr}
				}
				return upErr
			}
			broughtUp, reconnected = true, true
			if err := m.reconnect(ctx); err != nil && !clerrors.IsConnectivity(err) {
				return err
			}
			continue
		}

		// The node is up, so the client or its tunnel may be stale.
		if !reconnected {
			reconnected = true
			logging.Infof("[health] %s: reconnecting", name)
			if err := m.reconnect(ctx); err != nil && !clerrors.IsConnectivity(err) {
				return err
			}
			continue
		}

		if !allowRestart {
			m.set(StateUnreachable)
			return &clerrors.ServerUnreachableError{Cluster: name, Attempts: 1, Err: err}
		}
		return m.restartAndWait(ctx)
	}
}

func (m *Monitor) restartAndWait(ctx context.Context) error {
	name := m.target.Name()
	m.set(StateRestarting)
	logging.Infof("[health] %s: daemon may be down, restarting it", name)

	err := m.target.Restart(ctx)
	metrics.RestartsTotal.WithLabelValues(name, metrics.Result(err)).Inc()
	if err != nil {
		m.set(StateUnreachable)
		return err
	}

	var lastErr error
	for i := 0; i < m.probes; i++ {
		if err := m.sleep(ctx, m.backoff); err != nil {
			m.set(StateUnreachable)
			return err
		}
		logging.Infof("[health] checking %s again [%d/%d]", name, i+1, m.probes)
		if i > 0 {
			if err := m.reconnect(ctx); err != nil {
				if !clerrors.IsConnectivity(err) {
					m.set(StateUnreachable)
					return err
				}
				lastErr = err
				continue
			}
		}
		lastErr = m.check(ctx)
		if lastErr == nil {
			m.set(StateHealthy)
			return nil
		}
		if !clerrors.IsConnectivity(lastErr) {
			return lastErr
		}
	}

	m.set(StateUnreachable)
	logging.Errorf("[health] %s: daemon unreachable after %d attempts: %v", name, m.probes, lastErr)
	return &clerrors.ServerUnreachableError{Cluster: name, Attempts: m.probes, Err: lastErr}
}
