package cluster

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/objstore"
	"github.com/gluk-w/clusterlink/internal/server"
	"github.com/gluk-w/clusterlink/internal/sshproxy"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	return &config.Settings{
		ConfigDir:          filepath.Join(dir, "local"),
		SSHPort:            22,
		ServerPort:         32300,
		HTTPPort:           80,
		HTTPSPort:          443,
		ProbeTimeout:       2 * time.Second,
		ConnectTimeout:     2 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		TunnelPortAttempts: 10,
		RestartProbes:      5,
		RestartBackoff:     5 * time.Second,
		RestartCommand:     "clusterlinkd restart",
		StopCommand:        "clusterlinkd stop",
		JoinCommand:        "ray start --address=%s:6379",
		RemoteConfigPath:   filepath.Join(dir, "remote", ".clusterlink", "cluster_config.json"),
		RemoteCertDir:      filepath.Join(dir, "remote", ".clusterlink", "certs"),
		RemoteKeyDir:       filepath.Join(dir, "remote", ".clusterlink", "keys"),
		RemotePayloadPath:  filepath.Join(dir, "remote", ".clusterlink", "bin", "clusterlinkd"),
	}
}

// startDaemon serves the real control protocol over plain HTTP on 127.0.0.1.
func startDaemon(t *testing.T, reg *server.Registry) (*httptest.Server, int) {
	t.Helper()
	store, err := objstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := httptest.NewServer(server.New(server.Options{Name: "daemon", Store: store, Registry: reg}).Handler())
	t.Cleanup(ts.Close)
	return ts, ts.Listener.Addr().(*net.TCPAddr).Port
}

func shellHandler(s gliderssh.Session) {
	cmd := exec.Command("sh", "-c", s.RawCommand())
	cmd.Stdin = s
	cmd.Stdout = s
	cmd.Stderr = s.Stderr()
	err := cmd.Run()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = 127
	}
	s.Exit(code)
}

type sshNode struct {
	addr string
	port int
}

// startSSHNode runs an in-process SSH server that accepts pub, runs commands
// with sh and permits local forwarding.
func startSSHNode(t *testing.T, pub gossh.PublicKey, handler gliderssh.Handler) sshNode {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if handler == nil {
		handler = shellHandler
	}
	srv := &gliderssh.Server{
		Handler: handler,
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, pub)
		},
		LocalPortForwardingCallback: func(ctx gliderssh.Context, host string, port uint32) bool {
			return true
		},
		ChannelHandlers: map[string]gliderssh.ChannelHandler{
			"session":      gliderssh.DefaultSessionHandler,
			"direct-tcpip": gliderssh.DirectTCPIPHandler,
		},
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	port := l.Addr().(*net.TCPAddr).Port
	return sshNode{addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), port: port}
}

func testKey(t *testing.T) (string, gossh.PublicKey) {
	t.Helper()
	privPath, err := sshproxy.WriteKeyPair(filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)
	pubBytes, err := os.ReadFile(privPath + ".pub")
	require.NoError(t, err)
	pub, _, _, _, err := gossh.ParseAuthorizedKey(pubBytes)
	require.NoError(t, err)
	return privPath, pub
}

// routeDial maps node names to SSH servers.
func routeDial(routes map[string]sshNode) sshproxy.DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		node, ok := routes[host]
		if !ok {
			return nil, errors.New("no route to host " + host)
		}
		d := net.Dialer{Timeout: 2 * time.Second}
		return d.DialContext(ctx, "tcp", node.addr)
	}
}

type fakeProvisioner struct {
	ips   []string
	up    bool
	calls int
}

func (p *fakeProvisioner) Address(ctx context.Context, name string) ([]string, error) {
	if !p.up {
		return nil, nil
	}
	return p.ips, nil
}

func (p *fakeProvisioner) Up(ctx context.Context, name string) ([]string, error) {
	p.calls++
	p.up = true
	return p.ips, nil
}

func (p *fakeProvisioner) IsUp(ctx context.Context, name string) (bool, error) {
	return p.up, nil
}
