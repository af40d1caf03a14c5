package cluster

import (
	"strings"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
)

// ConnectionType is how the controller reaches a cluster's daemon.
type ConnectionType int

const (
	// ConnSSH forwards the daemon port through an SSH tunnel.
	ConnSSH ConnectionType = iota
	// ConnNone talks plain HTTP to the node's address.
	ConnNone
	// ConnTLS talks HTTPS to the node's address.
	ConnTLS
	// ConnSSM tunnels like ConnSSH, with the SSH connection carried by an
	// AWS SSM session.
	ConnSSM
)

const (
	DefaultHTTPPort   = 80
	DefaultHTTPSPort  = 443
	DefaultServerPort = 32300
)

// ParseConnectionType accepts "ssh", "none", "tls" and "aws_ssm". An empty
// string selects ConnSSH.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ssh":
		return ConnSSH, nil
	case "none":
		return ConnNone, nil
	case "tls":
		return ConnTLS, nil
	case "aws_ssm":
		return ConnSSM, nil
	default:
		return 0, &clerrors.UnknownConnectionTypeError{Value: s}
	}
}

func (t ConnectionType) String() string {
	switch t {
	case ConnNone:
		return "none"
	case ConnTLS:
		return "tls"
	case ConnSSM:
		return "aws_ssm"
	default:
		return "ssh"
	}
}

// RequiresTunnel reports whether the daemon is only reachable through a
// local forwarded port.
func (t ConnectionType) RequiresTunnel() bool {
	switch t {
	case ConnSSH, ConnSSM:
		return true
	default:
		return false
	}
}

func (t ConnectionType) UsesHTTPS() bool {
	return t == ConnTLS
}

// DefaultServerPort is the daemon port used when none is configured.
func (t ConnectionType) DefaultServerPort() int {
	switch t {
	case ConnTLS:
		return DefaultHTTPSPort
	case ConnNone:
		return DefaultHTTPPort
	default:
		return DefaultServerPort
	}
}

func (t ConnectionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ConnectionType) UnmarshalText(b []byte) error {
	v, err := ParseConnectionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
