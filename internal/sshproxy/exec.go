package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/logutil"
	"github.com/gluk-w/clusterlink/internal/metrics"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// pingCommand is the cheap command used to check a node answers over SSH.
const pingCommand = `echo "hello"`

// CommandResult is the outcome of one command on one node.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Signal is set when the command was terminated by a signal.
	Signal *int
}

// NodeResult holds the ordered results of a command batch on one node. Err is
// set when the batch stopped early because the node could not be reached.
type NodeResult struct {
	Node     string
	Commands []string
	Results  []CommandResult
	Err      error
}

// Failures returns one RemoteCommandError per command that exited non-zero.
func (r NodeResult) Failures() []error {
	var errs []error
	for i, res := range r.Results {
		if res.ExitCode != 0 || res.Signal != nil {
			errs = append(errs, &clerrors.RemoteCommandError{Node: r.Node, Command: r.Commands[i], ExitCode: res.ExitCode})
		}
	}
	return errs
}

// RunOptions controls a command batch.
type RunOptions struct {
	// Prefix is prepended to every command, typically an env activation.
	Prefix string
	// Password switches to prompt-driven execution when set.
	Password string
	// Stream receives output as it is produced.
	Stream io.Writer
	// PortForward opens a tunnel per port (same local and remote port) for
	// the duration of the batch.
	PortForward []int
	// RequireOutputs keeps captured stdout/stderr in the results. Without it
	// only exit codes are kept.
	RequireOutputs bool
}

// Executor runs shell commands on cluster nodes.
type Executor struct {
	manager  *Manager
	sessions SessionFactory
}

func NewExecutor(m *Manager) *Executor {
	return &Executor{
		manager:  m,
		sessions: NewPTYSessionFactory(),
	}
}

// SetSessionFactory replaces how password-mode sessions are started.
func (e *Executor) SetSessionFactory(f SessionFactory) {
	e.sessions = f
}

// Manager returns the connection pool used for key-mode commands.
func (e *Executor) Manager() *Manager {
	return e.manager
}

// Run executes cmds in order on every host. With several hosts the nodes run
// concurrently and every node's results are returned, including nodes that
// failed. The returned error combines per-node transport failures.
func (e *Executor) Run(ctx context.Context, hosts []string, cmds []string, opts RunOptions) ([]NodeResult, error) {
	if len(hosts) == 0 {
		return nil, errors.New("no hosts to run on")
	}

	if len(hosts) == 1 {
		res, err := e.runNode(ctx, hosts[0], cmds, opts)
		return []NodeResult{{Node: hosts[0], Commands: cmds, Results: res, Err: err}}, err
	}

	results := make([]NodeResult, len(hosts))
	var g errgroup.Group
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			res, err := e.runNode(ctx, host, cmds, opts)
			results[i] = NodeResult{Node: host, Commands: cmds, Results: res, Err: err}
			return nil
		})
	}
	g.Wait()

	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Err)
	}
	return results, err
}

func (e *Executor) runNode(ctx context.Context, host string, cmds []string, opts RunOptions) ([]CommandResult, error) {
	if len(opts.PortForward) > 0 {
		tunnels, err := e.forwardPorts(ctx, host, opts.PortForward)
		if err != nil {
			return nil, err
		}
		defer func() {
			for _, t := range tunnels {
				t.Close()
			}
		}()
	}

	results := make([]CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		full := cmd
		if opts.Prefix != "" {
			full = opts.Prefix + " " + cmd
		}
		logging.Debugf("[exec] %s: %s", host, logutil.SanitizeForLog(full))

		var (
			res  CommandResult
			err  error
			mode = "key"
		)
		if opts.Password != "" {
			mode = "password"
			res, err = e.runPassword(ctx, host, full, opts.Password)
			if err == nil && opts.Stream != nil && res.Stdout != "" {
				io.WriteString(opts.Stream, res.Stdout+"\n")
			}
		} else {
			res, err = e.runKey(ctx, host, full, opts.Stream)
		}
		metrics.CommandsTotal.WithLabelValues(mode, metrics.Result(err)).Inc()
		if err != nil {
			return results, &clerrors.RemoteCommandError{Node: host, Command: cmd, ExitCode: -1, Err: err}
		}

		if !opts.RequireOutputs {
			res.Stdout, res.Stderr = "", ""
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) runKey(ctx context.Context, host, command string, stream io.Writer) (CommandResult, error) {
	client, err := e.manager.EnsureConnected(ctx, host)
	if err != nil {
		return CommandResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		e.manager.Close(host)
		return CommandResult{}, &clerrors.ConnectivityError{Op: "open ssh session on " + host, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stream != nil {
		session.Stdout = io.MultiWriter(&stdout, stream)
		session.Stderr = io.MultiWriter(&stderr, stream)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return CommandResult{}, &clerrors.ConnectivityError{Op: "run on " + host, Err: ctx.Err()}
	case err = <-done:
	}

	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		if name := exitErr.Signal(); name != "" {
			sig := signalNumber(name)
			res.Signal = &sig
		}
		return res, nil
	}
	return res, &clerrors.ConnectivityError{Op: "run on " + host, Err: err}
}

func (e *Executor) runPassword(ctx context.Context, host, command, password string) (CommandResult, error) {
	sess, err := e.sessions(ctx, host, e.manager.Port(), e.manager.Credentials().User, command)
	if err != nil {
		return CommandResult{}, err
	}
	return runInteractive(ctx, sess, password)
}

func (e *Executor) forwardPorts(ctx context.Context, host string, ports []int) ([]*Tunnel, error) {
	var tunnels []*Tunnel
	for _, p := range ports {
		t, err := OpenTunnel(ctx, TunnelOptions{
			Host:           host,
			SSHPort:        e.manager.Port(),
			Credentials:    e.manager.Credentials(),
			LocalPort:      p,
			RemotePort:     p,
			ConnectTimeout: e.manager.cfg.ConnectTimeout,
			Dial:           e.manager.cfg.Dial,
		})
		if err != nil {
			for _, open := range tunnels {
				open.Close()
			}
			return nil, fmt.Errorf("forward port %d: %w", p, err)
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, nil
}

// Upload streams r to remotePath on host, creating the parent directory.
func (e *Executor) Upload(ctx context.Context, host string, r io.Reader, remotePath string, mode os.FileMode) error {
	client, err := e.manager.EnsureConnected(ctx, host)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return &clerrors.ConnectivityError{Op: "open ssh session on " + host, Err: err}
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = r
	session.Stderr = &stderr

	dst := QuoteRemotePath(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		QuoteRemotePath(path.Dir(remotePath)), dst, mode.Perm(), dst)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("upload to %s:%s: %w: %s", host, remotePath, err, strings.TrimSpace(stderr.String()))
	}
	logging.Debugf("[exec] uploaded %s to %s", remotePath, host)
	return nil
}

// Ping runs a trivial command on host and fails if it does not complete
// within timeout. An abandoned probe is bounded by the SSH dial timeout.
func (e *Executor) Ping(ctx context.Context, host string, timeout time.Duration, password string) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		res, err := e.Run(pctx, []string{host}, []string{pingCommand}, RunOptions{Password: password})
		if err == nil && res[0].Results[0].ExitCode != 0 {
			err = fmt.Errorf("ping exited with status %d", res[0].Results[0].ExitCode)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		return &clerrors.ConnectivityError{Op: "ping " + host, Err: pctx.Err()}
	}
}

// QuoteRemotePath shell-quotes p while leaving a leading ~/ for the remote
// shell to expand.
func QuoteRemotePath(p string) string {
	if p == "~" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		return "~/" + shellescape.Quote(p[2:])
	}
	return shellescape.Quote(p)
}

func signalNumber(name string) int {
	switch strings.TrimPrefix(name, "SIG") {
	case "HUP":
		return 1
	case "INT":
		return 2
	case "QUIT":
		return 3
	case "ABRT":
		return 6
	case "KILL":
		return 9
	case "SEGV":
		return 11
	case "PIPE":
		return 13
	case "ALRM":
		return 14
	case "TERM":
		return 15
	default:
		return -1
	}
}
