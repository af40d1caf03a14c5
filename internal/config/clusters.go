package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClusterFile is the on-disk list of clusters known to the controller.
type ClusterFile struct {
	Clusters []ClusterEntry `yaml:"clusters"`
}

// ClusterEntry describes one cluster. Passwords may be stored either in clear
// (password) or encrypted with the configured fernet key (password_encrypted).
type ClusterEntry struct {
	Name              string            `yaml:"name"`
	Namespace         string            `yaml:"namespace,omitempty"`
	IPs               []string          `yaml:"ips,omitempty"`
	ConnectionType    string            `yaml:"connection_type,omitempty"`
	ServerPort        int               `yaml:"server_port,omitempty"`
	SSHPort           int               `yaml:"ssh_port,omitempty"`
	ServerHost        string            `yaml:"server_host,omitempty"`
	SSHUser           string            `yaml:"ssh_user,omitempty"`
	SSHPrivateKey     string            `yaml:"ssh_private_key,omitempty"`
	Password          string            `yaml:"password,omitempty"`
	PasswordEncrypted string            `yaml:"password_encrypted,omitempty"`
	CertPath          string            `yaml:"cert_path,omitempty"`
	KeyPath           string            `yaml:"key_path,omitempty"`
	DenAuth           bool              `yaml:"den_auth,omitempty"`
	Telemetry         bool              `yaml:"use_local_telemetry,omitempty"`
	EnvPrefixes       map[string]string `yaml:"env_prefixes,omitempty"`
	DefaultEnv        string            `yaml:"default_env,omitempty"`
	SSMTarget         string            `yaml:"ssm_target,omitempty"`
	Provider          string            `yaml:"provider,omitempty"`
	// Nodes is the node count a provider brings up.
	Nodes             int               `yaml:"nodes,omitempty"`
}

// LoadClusterFile parses a YAML cluster file.
func LoadClusterFile(path string) (*ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster file: %w", err)
	}
	var f ClusterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cluster file %s: %w", path, err)
	}
	for i, c := range f.Clusters {
		if c.Name == "" {
			return nil, fmt.Errorf("cluster file %s: entry %d has no name", path, i)
		}
	}
	return &f, nil
}

// Find returns the entry with the given name.
func (f *ClusterFile) Find(name string) (*ClusterEntry, error) {
	for i := range f.Clusters {
		if f.Clusters[i].Name == name {
			return &f.Clusters[i], nil
		}
	}
	return nil, fmt.Errorf("cluster %q not found", name)
}

// Save writes the file back with 0600 permissions since it may hold credentials.
func (f *ClusterFile) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal cluster file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write cluster file: %w", err)
	}
	return nil
}
