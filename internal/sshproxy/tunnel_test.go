package sshproxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer listens on 127.0.0.1 and echoes every line back.
func startEchoServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

// occupyConsecutive binds n consecutive local ports and returns the first.
func occupyConsecutive(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		first, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		start := first.Addr().(*net.TCPAddr).Port
		held := []net.Listener{first}

		ok := true
		for i := 1; i < n; i++ {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(start+i)))
			if err != nil {
				ok = false
				break
			}
			held = append(held, l)
		}
		if ok {
			t.Cleanup(func() {
				for _, l := range held {
					l.Close()
				}
			})
			return start
		}
		for _, l := range held {
			l.Close()
		}
	}
	t.Fatal("could not reserve consecutive ports")
	return 0
}

func TestOpenTunnelForwards(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	remotePort := startEchoServer(t)

	tun, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:        srv.host,
		SSHPort:     srv.port,
		Credentials: Credentials{User: "tester", PrivateKeyPath: keyPath},
		RemotePort:  remotePort,
	})
	require.NoError(t, err)
	defer tun.Close()

	assert.NotZero(t, tun.LocalPort)
	assert.NotEqual(t, remotePort, tun.LocalPort)
	assert.True(t, tun.Alive())

	conn, err := net.DialTimeout("tcp", tun.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestOpenTunnelSkipsOccupiedPorts(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	start := occupyConsecutive(t, 3)

	tun, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:            srv.host,
		SSHPort:         srv.port,
		Credentials:     Credentials{PrivateKeyPath: keyPath},
		LocalPort:       start,
		RemotePort:      32300,
		MaxPortAttempts: 10,
	})
	require.NoError(t, err)
	defer tun.Close()

	assert.Equal(t, start+3, tun.LocalPort)
}

func TestOpenTunnelBindError(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	start := occupyConsecutive(t, 2)

	_, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:            srv.host,
		SSHPort:         srv.port,
		Credentials:     Credentials{PrivateKeyPath: keyPath},
		LocalPort:       start,
		RemotePort:      32300,
		MaxPortAttempts: 1,
	})
	var bindErr *clerrors.TunnelBindError
	require.True(t, errors.As(err, &bindErr), "got %v", err)
	assert.Equal(t, start, bindErr.StartPort)
	assert.Equal(t, 1, bindErr.Attempts)
}

func TestOpenTunnelAuthError(t *testing.T) {
	_, pub := newTestKey(t)
	otherKey, _ := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)

	_, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:        srv.host,
		SSHPort:     srv.port,
		Credentials: Credentials{User: "tester", PrivateKeyPath: otherKey},
		RemotePort:  32300,
	})
	var authErr *clerrors.TunnelAuthError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.False(t, clerrors.IsConnectivity(err))
}

func TestOpenTunnelWithPassword(t *testing.T) {
	srv := newTestSSHServer(t, nil, "hunter2", nil)
	remotePort := startEchoServer(t)

	tun, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:        srv.host,
		SSHPort:     srv.port,
		Credentials: Credentials{User: "tester", Password: "hunter2"},
		RemotePort:  remotePort,
	})
	require.NoError(t, err)
	assert.NoError(t, tun.Close())
}

func TestTunnelCloseIsIdempotent(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)

	tun, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:        srv.host,
		SSHPort:     srv.port,
		Credentials: Credentials{PrivateKeyPath: keyPath},
		RemotePort:  32300,
	})
	require.NoError(t, err)

	assert.NoError(t, tun.Close())
	assert.NoError(t, tun.Close())
	assert.False(t, tun.Alive())

	_, err = net.DialTimeout("tcp", tun.Addr(), 500*time.Millisecond)
	assert.Error(t, err)
}

// stallConn drops every write once stalled, so the peer never sees a request
// and never replies while the connection stays open.
type stallConn struct {
	net.Conn
	stalled atomic.Bool
}

func (c *stallConn) Write(b []byte) (int, error) {
	if c.stalled.Load() {
		return len(b), nil
	}
	return c.Conn.Write(b)
}

func TestTunnelAliveIsBoundedOnStalledTransport(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)

	var conn *stallConn
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: 2 * time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		conn = &stallConn{Conn: c}
		return conn, nil
	}

	tun, err := OpenTunnel(context.Background(), TunnelOptions{
		Host:        srv.host,
		SSHPort:     srv.port,
		Credentials: Credentials{PrivateKeyPath: keyPath},
		RemotePort:  32300,
		Dial:        dial,
	})
	require.NoError(t, err)
	defer tun.Close()
	require.True(t, tun.Alive())

	prev := keepaliveTimeout
	keepaliveTimeout = 200 * time.Millisecond
	t.Cleanup(func() { keepaliveTimeout = prev })

	conn.stalled.Store(true)
	start := time.Now()
	assert.False(t, tun.Alive())
	assert.Less(t, time.Since(start), 2*time.Second)
}
