package sshproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"
)

// SSMDial returns a DialFunc that reaches the SSH server of an instance
// through an AWS SSM session instead of a direct TCP connection. It needs the
// aws CLI with the session-manager plugin on PATH.
func SSMDial(target, region string) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		args := []string{
			"ssm", "start-session",
			"--target", target,
			"--document-name", "AWS-StartSSHSession",
			"--parameters", "portNumber=" + port,
		}
		if region != "" {
			args = append(args, "--region", region)
		}
		return dialCommand(ctx, "aws", args...)
	}
}

// dialCommand runs a proxy command and exposes its stdio as a net.Conn.
func dialCommand(ctx context.Context, name string, args ...string) (net.Conn, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start proxy command %s: %w", name, err)
	}
	return &commandConn{cmd: cmd, r: stdout, w: stdin}, nil
}

type commandConn struct {
	cmd *exec.Cmd
	r   io.ReadCloser
	w   io.WriteCloser
}

func (c *commandConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *commandConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *commandConn) Close() error {
	c.w.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	return nil
}

func (c *commandConn) LocalAddr() net.Addr  { return commandAddr(c.cmd.Path) }
func (c *commandConn) RemoteAddr() net.Addr { return commandAddr(c.cmd.Path) }

func (c *commandConn) SetDeadline(time.Time) error      { return nil }
func (c *commandConn) SetReadDeadline(time.Time) error  { return nil }
func (c *commandConn) SetWriteDeadline(time.Time) error { return nil }

type commandAddr string

func (a commandAddr) Network() string { return "proxy-command" }
func (a commandAddr) String() string  { return string(a) }
