package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ConfigDir string `envconfig:"CONFIG_DIR" default:""`
	LogPath   string `envconfig:"LOG_PATH" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Cluster file read by the CLI
	ClustersPath string `envconfig:"CLUSTERS_FILE" default:""`

	// Connection defaults
	SSHPort           int           `envconfig:"SSH_PORT" default:"22"`
	ServerPort        int           `envconfig:"SERVER_PORT" default:"32300"`
	HTTPPort          int           `envconfig:"HTTP_PORT" default:"80"`
	HTTPSPort         int           `envconfig:"HTTPS_PORT" default:"443"`
	ProbeTimeout      time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	// Recovery
	TunnelPortAttempts int           `envconfig:"TUNNEL_PORT_ATTEMPTS" default:"10"`
	RestartProbes      int           `envconfig:"RESTART_PROBES" default:"5"`
	RestartBackoff     time.Duration `envconfig:"RESTART_BACKOFF" default:"5s"`

	// Remote node layout. Paths starting with ~/ are expanded by the remote shell.
	RestartCommand    string `envconfig:"RESTART_COMMAND" default:"clusterlinkd restart"`
	StopCommand       string `envconfig:"STOP_COMMAND" default:"clusterlinkd stop"`
	JoinCommand       string `envconfig:"JOIN_COMMAND" default:"ray start --address=%s:6379"`
	RemoteConfigPath  string `envconfig:"REMOTE_CONFIG_PATH" default:"~/.clusterlink/cluster_config.json"`
	RemoteCertDir     string `envconfig:"REMOTE_CERT_DIR" default:"~/.clusterlink/certs"`
	RemoteKeyDir      string `envconfig:"REMOTE_KEY_DIR" default:"~/.clusterlink/keys"`
	PayloadPath       string `envconfig:"PAYLOAD_PATH" default:""`
	RemotePayloadPath string `envconfig:"REMOTE_PAYLOAD_PATH" default:"~/.clusterlink/bin/clusterlinkd"`

	// Docker provisioner
	DockerHost    string `envconfig:"DOCKER_HOST" default:""`
	DockerImage   string `envconfig:"DOCKER_IMAGE" default:"clusterlink/node:latest"`
	DockerNetwork string `envconfig:"DOCKER_NETWORK" default:"clusterlink"`

	// Key used to decrypt password_encrypted entries in cluster files
	FernetKey string `envconfig:"FERNET_KEY" default:""`

	// Node daemon settings
	DatabasePath    string `envconfig:"DATABASE_PATH" default:""`
	AuthUser        string `envconfig:"AUTH_USER" default:""`
	AuthPassword    string `envconfig:"AUTH_PASSWORD" default:""`
	Telemetry       bool   `envconfig:"TELEMETRY" default:"false"`
	AuxRestartCmd   string `envconfig:"AUX_RESTART_COMMAND" default:"ray stop && ray start --head"`
	AuxStopCmd      string `envconfig:"AUX_STOP_COMMAND" default:"ray stop"`
	ProxyRestartCmd string `envconfig:"PROXY_RESTART_COMMAND" default:""`
}

var Cfg Settings

func Load() error {
	if err := envconfig.Process("CLUSTERLINK", &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

// Dir returns the local state directory, ~/.clusterlink unless overridden.
func (s *Settings) Dir() string {
	if s.ConfigDir != "" {
		return s.ConfigDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clusterlink"
	}
	return filepath.Join(home, ".clusterlink")
}

// LocalClusterConfigPath is where a node keeps the configuration written to it
// by the restart sequence.
func (s *Settings) LocalClusterConfigPath() string {
	return filepath.Join(s.Dir(), "cluster_config.json")
}

func (s *Settings) ClusterFilePath() string {
	if s.ClustersPath != "" {
		return s.ClustersPath
	}
	return filepath.Join(s.Dir(), "clusters.yaml")
}

// PIDFile is where the node daemon records its process id.
func (s *Settings) PIDFile() string {
	return filepath.Join(s.Dir(), "clusterlinkd.pid")
}

func (s *Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.Dir(), "clusterlink.log")
}

func (s *Settings) DatabaseFile() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.Dir(), "objects.db")
}

func Dir() string                    { return Cfg.Dir() }
func LocalClusterConfigPath() string { return Cfg.LocalClusterConfigPath() }
func LogFile() string                { return Cfg.LogFile() }
func DatabaseFile() string           { return Cfg.DatabaseFile() }
