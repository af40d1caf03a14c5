package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectivity(t *testing.T) {
	var tests = []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "plain", err: errors.New("invalid argument"), expected: false},
		{name: "connectivity-wrapper", err: &ConnectivityError{Op: "probe", Err: errors.New("boom")}, expected: true},
		{name: "wrapped-connectivity", err: fmt.Errorf("check: %w", &ConnectivityError{Op: "probe", Err: io.EOF}), expected: true},
		{name: "bind", err: &TunnelBindError{StartPort: 32300, Attempts: 10, Err: errors.New("in use")}, expected: true},
		{name: "op-error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, expected: true},
		{name: "unexpected-eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), expected: true},
		{name: "deadline", err: fmt.Errorf("probe: %w", context.DeadlineExceeded), expected: true},
		{name: "refused-message", err: errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), expected: true},
		{name: "timeout-message", err: errors.New("Get \"http://x\": Client.Timeout exceeded while awaiting headers"), expected: true},
		{name: "auth", err: &TunnelAuthError{Host: "h", User: "u", Err: errors.New("connection refused")}, expected: false},
		{name: "daemon-4xx", err: &DaemonError{Method: "GET", Path: "/check", StatusCode: 401, Message: "EOF"}, expected: false},
		{name: "daemon-502", err: &DaemonError{Method: "GET", Path: "/check", StatusCode: 502}, expected: true},
		{name: "unknown-type", err: &UnknownConnectionTypeError{Value: "ftp"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsConnectivity(tt.err))
		})
	}
}

func TestKeyNotFoundIsMarker(t *testing.T) {
	err := fmt.Errorf("get: %w", &KeyNotFoundError{Key: "k", Env: "base"})
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	var knf *KeyNotFoundError
	assert.True(t, errors.As(err, &knf))
	assert.Equal(t, "k", knf.Key)
}

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, (&TunnelBindError{StartPort: 100, Attempts: 10, Err: io.EOF}).Error(), "100..110")
	assert.Contains(t, (&ServerUnreachableError{Cluster: "c", Attempts: 5, Err: io.EOF}).Error(), "could not connect to server")
	assert.Contains(t, (&RemoteCommandError{Node: "n", Command: "ls", ExitCode: 2}).Error(), "exited with status 2")
	assert.Equal(t, "hint me", UserError{E: io.EOF, Hint: "hint me"}.Hint)
}
