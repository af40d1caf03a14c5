package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ptySession runs a local process under a pseudo-terminal. The OpenSSH client
// only reads passwords from a terminal, which is why password mode needs one.
type ptySession struct {
	cmd *exec.Cmd
	tty *os.File

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error

	notify chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// SSHClientArgs returns the argv for the local ssh binary running command on
// host with password authentication only.
func SSHClientArgs(host string, port int, user, command string) []string {
	target := host
	if user != "" {
		target = user + "@" + host
	}
	return []string{
		"ssh",
		"-p", strconv.Itoa(port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-o", "PreferredAuthentications=password,keyboard-interactive",
		"-o", "NumberOfPasswordPrompts=1",
		target,
		command,
	}
}

// NewPTYSessionFactory returns a SessionFactory that spawns the local ssh
// client under a pty.
func NewPTYSessionFactory() SessionFactory {
	return func(ctx context.Context, host string, port int, user, command string) (InteractiveSession, error) {
		return StartPTY(ctx, SSHClientArgs(host, port, user, command))
	}
}

// StartPTY starts argv under a new pty.
func StartPTY(ctx context.Context, argv []string) (InteractiveSession, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", argv[0], err)
	}

	s := &ptySession{
		cmd:    cmd,
		tty:    tty,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *ptySession) readLoop() {
	defer close(s.done)
	b := make([]byte, 4096)
	for {
		n, err := s.tty.Read(b)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(b[:n])
			s.mu.Unlock()
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			// Linux reports EIO on the master once the child side closes.
			if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
				err = io.EOF
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *ptySession) Expect(ctx context.Context, patterns ...string) (int, error) {
	for {
		s.mu.Lock()
		data := s.buf.Bytes()
		best, bestAt := -1, -1
		for i, p := range patterns {
			if at := bytes.Index(data, []byte(p)); at >= 0 && (bestAt < 0 || at < bestAt) {
				best, bestAt = i, at
			}
		}
		if best >= 0 {
			s.buf.Next(bestAt + len(patterns[best]))
			s.mu.Unlock()
			return best, nil
		}
		readErr := s.readErr
		s.mu.Unlock()

		if readErr != nil {
			return -1, io.EOF
		}
		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

func (s *ptySession) Send(str string) error {
	_, err := io.WriteString(s.tty, str)
	return err
}

func (s *ptySession) Wait(ctx context.Context) (string, int, *int, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return "", -1, nil, ctx.Err()
	}

	err := s.cmd.Wait()
	s.mu.Lock()
	out := s.buf.String()
	s.buf.Reset()
	s.mu.Unlock()

	if err == nil {
		return out, 0, nil, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return out, -1, nil, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int(ws.Signal())
		return out, -1, &sig, nil
	}
	// ssh exits 255 on its own errors, such as rejected credentials.
	if exitErr.ExitCode() == 255 && strings.Contains(out, "Permission denied") {
		return out, 255, nil, fmt.Errorf("ssh login rejected: %s", strings.TrimSpace(out))
	}
	return out, exitErr.ExitCode(), nil, nil
}

func (s *ptySession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.ProcessState == nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
			go s.cmd.Wait()
		}
		err = s.tty.Close()
	})
	return err
}
