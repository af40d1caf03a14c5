package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Credentials select the SSH authentication mode. A key path means key-based,
// non-interactive auth. A password without a key means password auth, which
// the executor drives through an interactive prompt.
type Credentials struct {
	User           string
	PrivateKeyPath string
	Password       string
}

// UsesKey reports whether key-based auth is configured.
func (c Credentials) UsesKey() bool {
	return c.PrivateKeyPath != ""
}

// Interactive reports whether commands must go through a password prompt.
func (c Credentials) Interactive() bool {
	return !c.UsesKey() && c.Password != ""
}

// DialFunc opens the raw transport to an SSH server. The default is TCP;
// delegated sessions substitute a proxy command.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func tcpDial(timeout time.Duration) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

func (c Credentials) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	user := c.User
	if user == "" {
		user = "root"
	}

	var auth []ssh.AuthMethod
	if c.UsesKey() {
		signer, err := LoadSigner(c.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		pw := c.Password
		auth = append(auth, ssh.Password(pw))
		auth = append(auth, ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = pw
			}
			return answers, nil
		}))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured for user %s", user)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Dial establishes an authenticated SSH client to host:port. Credential
// rejection yields *errors.TunnelAuthError; transport failures yield
// *errors.ConnectivityError.
func Dial(ctx context.Context, host string, port int, creds Credentials, dial DialFunc, timeout time.Duration) (*ssh.Client, error) {
	cfg, err := creds.clientConfig(timeout)
	if err != nil {
		return nil, err
	}
	if dial == nil {
		dial = tcpDial(timeout)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	netConn, err := dial(ctx, addr)
	if err != nil {
		return nil, &clerrors.ConnectivityError{Op: fmt.Sprintf("dial %s", addr), Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if isAuthFailure(err) {
			return nil, &clerrors.TunnelAuthError{Host: host, User: cfg.User, Err: err}
		}
		return nil, &clerrors.ConnectivityError{Op: fmt.Sprintf("ssh handshake with %s", addr), Err: err}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func isAuthFailure(err error) bool {
	var pkErr *ssh.PassphraseMissingError
	if errors.As(err, &pkErr) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// LoadSigner reads a private key file. A leading ~/ is expanded to the
// local home directory.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
