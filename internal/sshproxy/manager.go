// Package sshproxy provides the SSH layer between the controller and cluster
// nodes.
//
// It covers four concerns:
//   - Authentication (auth.go, keys.go): key-based or password credentials and
//     the dial path shared by every consumer.
//   - Connection pooling (manager.go): one multiplexed SSH client per node,
//     kept alive with keepalive@openssh.com requests.
//   - Forward tunnels (tunnel.go): a local port forwarded to a remote port,
//     with a deterministic search over candidate local ports.
//   - Command execution (exec.go, interactive.go, pty.go): ordered command
//     batches per node, fan-out across nodes, and a prompt-driven mode for
//     password logins.
package sshproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
)

const (
	// defaultKeepaliveInterval is how often we send keepalive requests.
	defaultKeepaliveInterval = 30 * time.Second

	// defaultConnectTimeout bounds dial plus handshake.
	defaultConnectTimeout = 10 * time.Second
)

// keepaliveTimeout bounds one keepalive round trip.
var keepaliveTimeout = 5 * time.Second

// sendKeepalive sends keepalive@openssh.com and waits at most timeout for the
// reply. On timeout the request goroutine exits once the client is closed.
func sendKeepalive(client *ssh.Client, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("keepalive: no reply within %s", timeout)
	}
}

// ManagerConfig tunes a Manager. Zero values fall back to defaults.
type ManagerConfig struct {
	Port              int
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	Dial              DialFunc
}

// Manager keeps one SSH client per node address. SSH multiplexes sessions
// over a single TCP connection, so one client per node suffices.
type Manager struct {
	creds Credentials
	cfg   ManagerConfig

	mu     sync.RWMutex
	conns  map[string]*managedConn
	closed bool
}

type managedConn struct {
	client      *ssh.Client
	cancel      context.CancelFunc
	connectedAt time.Time
}

func NewManager(creds Credentials, cfg ManagerConfig) *Manager {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	return &Manager{
		creds: creds,
		cfg:   cfg,
		conns: make(map[string]*managedConn),
	}
}

// Credentials returns the credentials this manager authenticates with.
func (m *Manager) Credentials() Credentials {
	return m.creds
}

// Port returns the SSH port used for every node.
func (m *Manager) Port() int {
	return m.cfg.Port
}

// Connect dials host and replaces any existing client for it.
func (m *Manager) Connect(ctx context.Context, host string) (*ssh.Client, error) {
	client, err := Dial(ctx, host, m.cfg.Port, m.creds, m.cfg.Dial, m.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Close()
		return nil, clerrors.ErrClosed
	}
	if existing, ok := m.conns[host]; ok {
		existing.cancel()
		existing.client.Close()
	}
	keepCtx, keepCancel := context.WithCancel(context.Background())
	m.conns[host] = &managedConn{
		client:      client,
		cancel:      keepCancel,
		connectedAt: time.Now(),
	}
	m.mu.Unlock()

	go m.keepalive(keepCtx, host, client)

	logging.Debugf("[ssh] connected to %s:%d as %s", host, m.cfg.Port, client.User())
	return client, nil
}

// IsConnected sends a keepalive to verify the pooled client still answers.
func (m *Manager) IsConnected(host string) bool {
	m.mu.RLock()
	mc, ok := m.conns[host]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return sendKeepalive(mc.client, keepaliveTimeout) == nil
}

// EnsureConnected returns a healthy pooled client, dialing if needed.
func (m *Manager) EnsureConnected(ctx context.Context, host string) (*ssh.Client, error) {
	if m.IsConnected(host) {
		m.mu.RLock()
		mc := m.conns[host]
		m.mu.RUnlock()
		if mc != nil {
			return mc.client, nil
		}
	}
	return m.Connect(ctx, host)
}

// Close drops the client for host. Closing an unknown host is a no-op.
func (m *Manager) Close(host string) error {
	m.mu.Lock()
	mc, ok := m.conns[host]
	if ok {
		delete(m.conns, host)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	mc.cancel()
	if err := mc.client.Close(); err != nil {
		return fmt.Errorf("close ssh connection to %s: %w", host, err)
	}
	return nil
}

// CloseAll closes every pooled client. The manager refuses new connections
// afterwards.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managedConn)
	m.closed = true
	m.mu.Unlock()

	var err error
	for host, mc := range conns {
		mc.cancel()
		if cerr := mc.client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close ssh connection to %s: %w", host, cerr))
		}
	}
	return err
}

func (m *Manager) keepalive(ctx context.Context, host string, client *ssh.Client) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendKeepalive(client, keepaliveTimeout); err != nil {
				logging.Warnf("[ssh] keepalive failed for %s: %v, removing connection", host, err)
				m.mu.Lock()
				if mc, ok := m.conns[host]; ok && mc.client == client {
					delete(m.conns, host)
				}
				m.mu.Unlock()
				client.Close()
				return
			}
		}
	}
}
