package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gluk-w/clusterlink/internal/cluster"
	"github.com/gluk-w/clusterlink/internal/config"
	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/health"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/objstore"
	"github.com/gluk-w/clusterlink/internal/orchestrator"
)

// openCluster builds a cluster from its entry in the cluster file. tracker
// may be nil.
func openCluster(ctx context.Context, name string, tracker *health.Tracker) (*cluster.Cluster, error) {
	path := config.Cfg.ClusterFilePath()
	file, err := config.LoadClusterFile(path)
	if err != nil {
		return nil, clerrors.UserError{E: err, Hint: "Create it or point --clusters at an existing file"}
	}
	entry, err := file.Find(name)
	if err != nil {
		return nil, clerrors.UserError{E: err, Hint: fmt.Sprintf("Add an entry named %q to %s", name, path)}
	}
	cfg, err := cluster.ConfigFromEntry(*entry, config.Cfg.FernetKey)
	if err != nil {
		return nil, err
	}

	opts := cluster.Options{Settings: &config.Cfg, Tracker: tracker}
	switch cfg.Provider {
	case "":
	case "docker":
		prov, err := orchestrator.NewDockerProvisioner(ctx, &config.Cfg, entry.Nodes, readPublicKey(cfg.Credentials.PrivateKeyPath))
		if err != nil {
			return nil, err
		}
		opts.Provisioner = prov
	default:
		return nil, fmt.Errorf("cluster %s: unknown provider %q", name, cfg.Provider)
	}

	// On a node of this cluster the daemon's own store is used directly.
	if _, err := os.Stat(config.Cfg.LocalClusterConfigPath()); err == nil {
		store, err := objstore.Open(config.Cfg.DatabaseFile())
		if err != nil {
			logging.Warnf("[cli] local object store unavailable: %v", err)
		} else {
			opts.LocalStore = store
		}
	}

	return cluster.New(cfg, opts)
}

func readPublicKey(privateKeyPath string) string {
	if privateKeyPath == "" {
		return ""
	}
	if strings.HasPrefix(privateKeyPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			privateKeyPath = home + privateKeyPath[1:]
		}
	}
	data, err := os.ReadFile(privateKeyPath + ".pub")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
