// tunnel.go implements forward tunnels (ssh -L equivalent).
//
// OpenTunnel binds a local port, trying the preferred port first and then
// each following port in order, and forwards every accepted connection to a
// port on the remote node's loopback interface. A Tunnel owns its own SSH
// client so tearing it down never disturbs pooled executor connections.

package sshproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/metrics"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
)

// TunnelOptions describes a forward tunnel to open.
type TunnelOptions struct {
	Host        string
	SSHPort     int
	Credentials Credentials
	// LocalPort is the first candidate. Zero lets the OS choose.
	LocalPort  int
	RemotePort int
	// MaxPortAttempts is how many further candidates follow LocalPort.
	MaxPortAttempts int
	ConnectTimeout  time.Duration
	Dial            DialFunc
	// BindHost defaults to 127.0.0.1.
	BindHost string
}

// Tunnel is a live forwarded port.
type Tunnel struct {
	Host       string
	LocalPort  int
	RemotePort int
	OpenedAt   time.Time

	listener net.Listener
	client   *ssh.Client
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// OpenTunnel binds a local port and forwards it to RemotePort on Host.
func OpenTunnel(ctx context.Context, opts TunnelOptions) (*Tunnel, error) {
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BindHost == "" {
		opts.BindHost = "127.0.0.1"
	}

	listener, port, err := bindLocal(opts.BindHost, opts.LocalPort, opts.MaxPortAttempts)
	if err != nil {
		return nil, err
	}

	client, err := Dial(ctx, opts.Host, opts.SSHPort, opts.Credentials, opts.Dial, opts.ConnectTimeout)
	if err != nil {
		listener.Close()
		return nil, err
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		Host:       opts.Host,
		LocalPort:  port,
		RemotePort: opts.RemotePort,
		OpenedAt:   time.Now(),
		listener:   listener,
		client:     client,
		cancel:     cancel,
	}

	t.wg.Add(1)
	go t.acceptLoop(tctx)

	metrics.TunnelsOpened.Inc()
	logging.Infof("[tunnel] localhost:%d -> %s:%d", port, opts.Host, opts.RemotePort)
	return t, nil
}

// bindLocal tries start, start+1, ... start+attempts and returns the first
// listener that binds.
func bindLocal(host string, start, attempts int) (net.Listener, int, error) {
	if start == 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, &clerrors.TunnelBindError{StartPort: 0, Attempts: 0, Err: err}
		}
		return l, l.Addr().(*net.TCPAddr).Port, nil
	}

	var lastErr error
	for i := 0; i <= attempts; i++ {
		port := start + i
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return l, port, nil
		}
		logging.Debugf("[tunnel] local port %d unavailable: %v", port, err)
		lastErr = err
	}
	return nil, 0, &clerrors.TunnelBindError{StartPort: start, Attempts: attempts, Err: lastErr}
}

// Addr returns the local address clients should connect to.
func (t *Tunnel) Addr() string {
	return net.JoinHostPort("localhost", strconv.Itoa(t.LocalPort))
}

// Alive reports whether the tunnel is open and its SSH client answers a
// keepalive within keepaliveTimeout.
func (t *Tunnel) Alive() bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	return sendKeepalive(t.client, keepaliveTimeout) == nil
}

// Close tears the tunnel down. Closing an already-closed tunnel is a no-op.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	err := multierr.Combine(
		ignoreClosed(t.listener.Close()),
		ignoreClosed(t.client.Close()),
	)
	t.wg.Wait()
	logging.Debugf("[tunnel] closed localhost:%d -> %s:%d", t.LocalPort, t.Host, t.RemotePort)
	if err != nil {
		return fmt.Errorf("close tunnel on port %d: %w", t.LocalPort, err)
	}
	return nil
}

func (t *Tunnel) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	remoteAddr := net.JoinHostPort("localhost", strconv.Itoa(t.RemotePort))

	for {
		local, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logging.Debugf("[tunnel] accept on %d stopped: %v", t.LocalPort, err)
			}
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			remote, err := t.client.Dial("tcp", remoteAddr)
			if err != nil {
				logging.Warnf("[tunnel] dial %s via %s: %v", remoteAddr, t.Host, err)
				local.Close()
				return
			}
			bidirectionalCopy(ctx, local, remote)
		}()
	}
}

// bidirectionalCopy copies data between two connections until one side
// closes or the context is cancelled.
func bidirectionalCopy(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	<-done
}

func ignoreClosed(err error) error {
	if err == nil || clerrors.IsClosedNetwork(err) {
		return nil
	}
	return err
}
