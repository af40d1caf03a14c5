package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/gluk-w/clusterlink/internal/logutil"
)

// passwordPrompt matches both "Password:" and "user@host's password:".
const passwordPrompt = "assword:"

var colorCodes = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// InteractiveSession is a running remote command whose output can be matched
// against prompts and answered. All pty and process handling stays behind
// this interface.
type InteractiveSession interface {
	// Expect consumes output up to and including the first pattern found and
	// returns its index. It returns io.EOF if the stream ends first, leaving
	// unmatched output for Wait.
	Expect(ctx context.Context, patterns ...string) (int, error)
	// Send writes s to the session's input.
	Send(s string) error
	// Wait drains remaining output and returns it with the exit status. A
	// non-nil signal means the command was killed by that signal.
	Wait(ctx context.Context) (output string, exitCode int, signal *int, err error)
	Close() error
}

// SessionFactory starts command on host in a new interactive session.
type SessionFactory func(ctx context.Context, host string, port int, user, command string) (InteractiveSession, error)

// runInteractive answers at most one password prompt and collects the result.
func runInteractive(ctx context.Context, sess InteractiveSession, password string) (CommandResult, error) {
	defer sess.Close()

	_, err := sess.Expect(ctx, passwordPrompt)
	switch {
	case err == nil:
		if err := sess.Send(password + "\n"); err != nil {
			return CommandResult{}, fmt.Errorf("send password: %w", err)
		}
	case errors.Is(err, io.EOF):
		// no prompt before end of stream
	default:
		return CommandResult{}, err
	}

	out, code, signal, err := sess.Wait(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{
		ExitCode: code,
		Stdout:   cleanOutput(out, password),
		Signal:   signal,
	}, nil
}

// cleanOutput strips color codes and surrounding whitespace and masks the
// password if the remote side echoed it.
func cleanOutput(out, password string) string {
	out = colorCodes.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "\r\n", "\n")
	return strings.TrimSpace(logutil.Redact(out, password))
}
