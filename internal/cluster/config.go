package cluster

import (
	"fmt"

	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/crypto"
	"github.com/gluk-w/clusterlink/internal/sshproxy"
)

// Config is a cluster's identity and connection settings. Credentials are
// never serialized.
type Config struct {
	Name           string            `json:"name"`
	Namespace      string            `json:"namespace,omitempty"`
	IPs            []string          `json:"ips,omitempty"`
	ConnectionType ConnectionType    `json:"server_connection_type"`
	ServerPort     int               `json:"server_port"`
	SSHPort        int               `json:"ssh_port,omitempty"`
	ServerHost     string            `json:"server_host,omitempty"`
	CertPath       string            `json:"cert_path,omitempty"`
	KeyPath        string            `json:"key_path,omitempty"`
	DenAuth        bool              `json:"den_auth"`
	Telemetry      bool              `json:"use_local_telemetry"`
	EnvPrefixes    map[string]string `json:"env_prefixes,omitempty"`
	DefaultEnv     string            `json:"default_env,omitempty"`
	SSMTarget      string            `json:"ssm_target,omitempty"`
	Provider       string            `json:"provider,omitempty"`

	Credentials sshproxy.Credentials `json:"-"`
}

// Head returns the head node address, or "" when the cluster has none.
func (c *Config) Head() string {
	if len(c.IPs) == 0 {
		return ""
	}
	return c.IPs[0]
}

// FullName is namespace/name, or just the name without a namespace.
func (c *Config) FullName() string {
	if c.Namespace == "" {
		return c.Name
	}
	return c.Namespace + "/" + c.Name
}

// UseNginx is inferred from the daemon sitting on a standard web port.
func (c *Config) UseNginx() bool {
	return c.ServerPort == DefaultHTTPPort || c.ServerPort == DefaultHTTPSPort
}

func (c *Config) applyDefaults(s *config.Settings) {
	if c.ServerPort == 0 {
		switch c.ConnectionType {
		case ConnTLS:
			c.ServerPort = s.HTTPSPort
		case ConnNone:
			c.ServerPort = s.HTTPPort
		default:
			c.ServerPort = s.ServerPort
		}
		if c.ServerPort == 0 {
			c.ServerPort = c.ConnectionType.DefaultServerPort()
		}
	}
	if c.SSHPort == 0 {
		c.SSHPort = s.SSHPort
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
}

// ConfigFromEntry converts a cluster file entry, decrypting the password with
// fernetKey when it is stored encrypted.
func ConfigFromEntry(e config.ClusterEntry, fernetKey string) (Config, error) {
	ct, err := ParseConnectionType(e.ConnectionType)
	if err != nil {
		return Config{}, err
	}

	password := e.Password
	if e.PasswordEncrypted != "" {
		if fernetKey == "" {
			return Config{}, fmt.Errorf("cluster %s: password_encrypted set but no fernet key configured", e.Name)
		}
		password, err = crypto.Decrypt(fernetKey, e.PasswordEncrypted)
		if err != nil {
			return Config{}, fmt.Errorf("cluster %s: %w", e.Name, err)
		}
	}

	return Config{
		Name:           e.Name,
		Namespace:      e.Namespace,
		IPs:            append([]string(nil), e.IPs...),
		ConnectionType: ct,
		ServerPort:     e.ServerPort,
		SSHPort:        e.SSHPort,
		ServerHost:     e.ServerHost,
		CertPath:       e.CertPath,
		KeyPath:        e.KeyPath,
		DenAuth:        e.DenAuth,
		Telemetry:      e.Telemetry,
		EnvPrefixes:    e.EnvPrefixes,
		DefaultEnv:     e.DefaultEnv,
		SSMTarget:      e.SSMTarget,
		Provider:       e.Provider,
		Credentials: sshproxy.Credentials{
			User:           e.SSHUser,
			PrivateKeyPath: e.SSHPrivateKey,
			Password:       password,
		},
	}, nil
}
