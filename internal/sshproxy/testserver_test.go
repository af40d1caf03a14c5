package sshproxy

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

type testServer struct {
	host string
	port int
	srv  *gliderssh.Server
}

func (s *testServer) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// shellHandler runs the requested command with the local sh and reports its
// exit status, so tests can use ordinary shell commands.
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

// newTestSSHServer starts an in-process SSH server on 127.0.0.1 that accepts
// the given public key and/or password and allows local port forwarding.
func newTestSSHServer(t *testing.T, authorized gossh.PublicKey, password string, handler gliderssh.Handler) *testServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if handler == nil {
		handler = shellHandler
	}
	srv := &gliderssh.Server{
		Handler: handler,
		LocalPortForwardingCallback: func(ctx gliderssh.Context, host string, port uint32) bool {
			return true
		},
		ChannelHandlers: map[string]gliderssh.ChannelHandler{
			"session":      gliderssh.DefaultSessionHandler,
			"direct-tcpip": gliderssh.DirectTCPIPHandler,
		},
	}
	if authorized != nil {
		srv.PublicKeyHandler = func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, authorized)
		}
	}
	if password != "" {
		srv.PasswordHandler = func(ctx gliderssh.Context, pass string) bool {
			return pass == password
		}
	}

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return &testServer{
		host: "127.0.0.1",
		port: l.Addr().(*net.TCPAddr).Port,
		srv:  srv,
	}
}

// newTestKey writes a fresh key pair under a temp dir and returns the private
// key path with the parsed public key.
func newTestKey(t *testing.T) (string, gossh.PublicKey) {
	t.Helper()
	privPath, err := WriteKeyPair(filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)

	pubBytes, err := os.ReadFile(privPath + ".pub")
	require.NoError(t, err)
	pub, _, _, _, err := gossh.ParseAuthorizedKey(pubBytes)
	require.NoError(t, err)
	return privPath, pub
}

// routeDial sends every named host to a different test server so one
// process can stand in for a multi-node cluster.
func routeDial(routes map[string]*testServer) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		srv, ok := routes[host]
		if !ok {
			return nil, errors.New("no route to host " + host)
		}
		d := net.Dialer{Timeout: 2 * time.Second}
		return d.DialContext(ctx, "tcp", srv.addr())
	}
}
