// Package errors defines the failure kinds surfaced by cluster operations and
// the classifier that decides which of them trigger recovery.
//
// Only errors classified by IsConnectivity escalate to a reconnect or a daemon
// restart. Everything else propagates to the caller unchanged.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrKeyNotFound is the not-found marker for object-store lookups.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoProvisioner is raised when a cluster has no address and no way to bring one up
	ErrNoProvisioner = errors.New("cluster has no address and no provisioner to bring it up")

	// ErrClosed is returned by operations on a closed tunnel or manager
	ErrClosed = errors.New("use of closed connection")
)

// UserError is meant for errors displayed to the user. It can include a message and a hint
type UserError struct {
	E    error
	Hint string
}

func (u UserError) Error() string { return u.E.Error() }
func (u UserError) Unwrap() error { return u.E }

// NoAddressError means the cluster has no reachable address and cannot be brought up.
type NoAddressError struct {
	Cluster string
	Err     error
}

func (e *NoAddressError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cluster %q has no address: %v", e.Cluster, e.Err)
	}
	return fmt.Sprintf("cluster %q has no address", e.Cluster)
}

func (e *NoAddressError) Unwrap() error { return e.Err }

// TunnelBindError means no local port in the attempted range could be bound.
type TunnelBindError struct {
	StartPort int
	Attempts  int
	Err       error
}

func (e *TunnelBindError) Error() string {
	return fmt.Sprintf("no free local port in %d..%d: %v", e.StartPort, e.StartPort+e.Attempts, e.Err)
}

func (e *TunnelBindError) Unwrap() error { return e.Err }

// TunnelAuthError means the SSH server rejected the supplied credentials.
type TunnelAuthError struct {
	Host string
	User string
	Err  error
}

func (e *TunnelAuthError) Error() string {
	return fmt.Sprintf("ssh authentication failed for %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *TunnelAuthError) Unwrap() error { return e.Err }

// ConnectivityError wraps a failure to reach the remote daemon or node.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ServerUnreachableError is returned once the recovery escalation is exhausted.
// The cluster stays usable and a later call may succeed.
type ServerUnreachableError struct {
	Cluster  string
	Attempts int
	Err      error
}

func (e *ServerUnreachableError) Error() string {
	return fmt.Sprintf("could not connect to server on cluster %q after %d attempts: %v", e.Cluster, e.Attempts, e.Err)
}

func (e *ServerUnreachableError) Unwrap() error { return e.Err }

// RestartFailedError is returned when the daemon restart command exits non-zero.
type RestartFailedError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *RestartFailedError) Error() string {
	return fmt.Sprintf("failed to restart server (exit %d): %s", e.ExitCode, e.Output)
}

// RemoteCommandError records a failed command on one node. It is collected per
// node and does not abort a fan-out batch.
type RemoteCommandError struct {
	Node     string
	Command  string
	ExitCode int
	Err      error
}

func (e *RemoteCommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s: %q: %v", e.Node, e.Command, e.Err)
	}
	return fmt.Sprintf("node %s: %q exited with status %d", e.Node, e.Command, e.ExitCode)
}

func (e *RemoteCommandError) Unwrap() error { return e.Err }

// UnknownConnectionTypeError is a configuration error and is never retried.
type UnknownConnectionTypeError struct {
	Value string
}

func (e *UnknownConnectionTypeError) Error() string {
	return fmt.Sprintf("unknown server connection type %q", e.Value)
}

// KeyNotFoundError is returned by object-store reads of a missing key.
type KeyNotFoundError struct {
	Key string
	Env string
}

func (e *KeyNotFoundError) Error() string {
	if e.Env != "" {
		return fmt.Sprintf("key %q not found in env %q", e.Key, e.Env)
	}
	return fmt.Sprintf("key %q not found", e.Key)
}

func (e *KeyNotFoundError) Unwrap() error { return ErrKeyNotFound }

// DaemonError is a non-2xx response from the remote daemon.
type DaemonError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsConnectivity reports whether err is a network-level failure that should
// trigger reconnect or restart escalation.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}

	var authErr *TunnelAuthError
	if errors.As(err, &authErr) {
		return false
	}
	var daemonErr *DaemonError
	if errors.As(err, &daemonErr) {
		return daemonErr.StatusCode >= 502 && daemonErr.StatusCode <= 504
	}

	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	var bindErr *TunnelBindError
	if errors.As(err, &bindErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return isTransientMessage(err.Error())
}

func isTransientMessage(msg string) bool {
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset by peer"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "operation timed out"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected EOF"),
		strings.Contains(msg, "TLS handshake timeout"),
		strings.Contains(msg, "Client.Timeout exceeded while awaiting headers"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "EOF"):
		return true
	default:
		return false
	}
}

// IsClosedNetwork returns true if the error is caused by a closed network connection
func IsClosedNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
