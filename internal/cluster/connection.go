package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/rpc"
	"github.com/gluk-w/clusterlink/internal/sshproxy"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// ConnectionManager owns the single RPC client of a cluster and, for tunnel
// types, the tunnel it runs over. Both are replaced together under mu.
type ConnectionManager struct {
	mu       sync.Mutex
	cfg      *Config
	settings *config.Settings
	fs       afero.Fs
	dial     sshproxy.DialFunc

	client *rpc.Client
	tunnel *sshproxy.Tunnel
}

func newConnectionManager(cfg *Config, settings *config.Settings, fs afero.Fs, dial sshproxy.DialFunc) *ConnectionManager {
	return &ConnectionManager{cfg: cfg, settings: settings, fs: fs, dial: dial}
}

func (m *ConnectionManager) scheme() string {
	if m.cfg.ConnectionType.UsesHTTPS() {
		return "https"
	}
	return "http"
}

// hasCustomCert reports whether a custom certificate is configured and
// present on disk.
func (m *ConnectionManager) hasCustomCert() bool {
	return m.exists(m.cfg.CertPath)
}

// hasCustomKey is hasCustomCert for the private key.
func (m *ConnectionManager) hasCustomKey() bool {
	return m.exists(m.cfg.KeyPath)
}

func (m *ConnectionManager) exists(p string) bool {
	if p == "" {
		return false
	}
	ok, err := afero.Exists(m.fs, p)
	return err == nil && ok
}

// Endpoint returns the daemon URL. For tunnel types an external caller gets
// "" since the forwarded port only exists on this machine; an internal caller
// gets the tunnel's local address, opening the tunnel if needed.
func (m *ConnectionManager) Endpoint(ctx context.Context, external bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.cfg.Head()
	if addr == "" {
		return "", nil
	}

	switch m.cfg.ConnectionType {
	case ConnNone, ConnTLS:
		return fmt.Sprintf("%s://%s", m.scheme(), net.JoinHostPort(addr, strconv.Itoa(m.cfg.ServerPort))), nil
	case ConnSSH, ConnSSM:
		if external {
			return "", nil
		}
		if m.tunnel == nil || !m.tunnel.Alive() {
			if err := m.connectLocked(ctx, true); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%s://localhost:%d", m.scheme(), m.tunnel.LocalPort), nil
	default:
		return "", fmt.Errorf("unhandled connection type %v", m.cfg.ConnectionType)
	}
}

// Connect builds the RPC client. Without force an existing client is kept
// unless the tunnel it runs over is dead, in which case both are replaced.
func (m *ConnectionManager) Connect(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !force && m.client != nil {
		if !m.cfg.ConnectionType.RequiresTunnel() || (m.tunnel != nil && m.tunnel.Alive()) {
			return nil
		}
		logging.Infof("[cluster] %s: tunnel is gone, reconnecting", m.cfg.Name)
		force = true
	}
	return m.connectLocked(ctx, force)
}

func (m *ConnectionManager) connectLocked(ctx context.Context, force bool) error {
	if force {
		m.closeLocked()
	}

	addr := m.cfg.Head()
	if addr == "" {
		return fmt.Errorf("cluster %s has no address", m.cfg.Name)
	}

	opts := rpc.Options{Timeout: m.settings.ProbeTimeout}
	switch m.cfg.ConnectionType {
	case ConnSSH, ConnSSM:
		if m.tunnel == nil || !m.tunnel.Alive() {
			if m.tunnel != nil {
				m.tunnel.Close()
				m.tunnel = nil
			}
			tun, err := m.openTunnel(ctx, addr)
			if err != nil {
				return err
			}
			m.tunnel = tun
		}
		opts.BaseURL = fmt.Sprintf("%s://localhost:%d", m.scheme(), m.tunnel.LocalPort)
		if creds := m.cfg.Credentials; creds.User != "" && creds.Password != "" {
			opts.AuthUser, opts.AuthPassword = creds.User, creds.Password
		}
	case ConnNone, ConnTLS:
		opts.BaseURL = fmt.Sprintf("%s://%s", m.scheme(), net.JoinHostPort(addr, strconv.Itoa(m.cfg.ServerPort)))
	}
	if m.cfg.ConnectionType.UsesHTTPS() && m.hasCustomCert() {
		opts.CACertPath = m.cfg.CertPath
	}

	client, err := rpc.New(opts)
	if err != nil {
		return err
	}
	old := m.client
	m.client = client
	if old != nil {
		old.Close()
	}
	logging.Debugf("[cluster] %s: client connected to %s", m.cfg.Name, opts.BaseURL)
	return nil
}

func (m *ConnectionManager) openTunnel(ctx context.Context, addr string) (*sshproxy.Tunnel, error) {
	dial := m.dial
	if dial == nil && m.cfg.ConnectionType == ConnSSM {
		target := m.cfg.SSMTarget
		if target == "" {
			target = addr
		}
		dial = sshproxy.SSMDial(target, "")
	}
	return sshproxy.OpenTunnel(ctx, sshproxy.TunnelOptions{
		Host:            addr,
		SSHPort:         m.cfg.SSHPort,
		Credentials:     m.cfg.Credentials,
		LocalPort:       m.cfg.ServerPort,
		RemotePort:      m.cfg.ServerPort,
		MaxPortAttempts: m.settings.TunnelPortAttempts,
		ConnectTimeout:  m.settings.ConnectTimeout,
		Dial:            dial,
	})
}

// Client returns the live client or nil.
func (m *ConnectionManager) Client() *rpc.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Tunnel returns the live tunnel or nil.
func (m *ConnectionManager) Tunnel() *sshproxy.Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnel
}

// RefreshTLS switches the live client to https in place. It returns false
// when there is no client to refresh.
func (m *ConnectionManager) RefreshTLS() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return false, nil
	}
	caCert := ""
	if m.hasCustomCert() {
		caCert = m.cfg.CertPath
	}
	return true, m.client.SetTLS(true, caCert)
}

func (m *ConnectionManager) setIPs(ips []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.IPs = append([]string(nil), ips...)
}

func (m *ConnectionManager) closeLocked() error {
	var err error
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	if m.tunnel != nil {
		err = multierr.Append(err, m.tunnel.Close())
		m.tunnel = nil
	}
	return err
}

// Disconnect drops the client and closes the tunnel.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *ConnectionManager) setDenAuth(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.DenAuth = enabled
}

// snapshot copies the configuration under mu.
func (m *ConnectionManager) snapshot() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := *m.cfg
	cfg.IPs = append([]string(nil), m.cfg.IPs...)
	cfg.EnvPrefixes = make(map[string]string, len(m.cfg.EnvPrefixes))
	for k, v := range m.cfg.EnvPrefixes {
		cfg.EnvPrefixes[k] = v
	}
	return cfg
}

func (m *ConnectionManager) ips() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cfg.IPs...)
}
