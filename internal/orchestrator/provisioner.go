// Package orchestrator brings clusters up on demand. A cluster is a set of
// containers, one per node, sharing a bridge network; node 0 is the head.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/clusterlink/internal/logging"
)

const (
	labelManagedBy = "clusterlink"
	labelCluster   = "clusterlink.cluster"
	labelNode      = "clusterlink.node"
)

// ErrNotFound is returned by an Engine when a node container does not exist.
var ErrNotFound = errors.New("node not found")

// NodeState is what an Engine reports about one node container.
type NodeState struct {
	Name    string
	Status  string
	Running bool
	// IP on the cluster network, empty until the container is running.
	IP string
}

// NodeSpec describes a node container to create.
type NodeSpec struct {
	Name         string
	Cluster      string
	Index        int
	Image        string
	Network      string
	SSHPublicKey string
	ServerPort   int
	NanoCPUs     int64
	MemoryBytes  int64
}

// Engine is the container runtime under a Provisioner.
type Engine interface {
	Ping(ctx context.Context) error
	EnsureNetwork(ctx context.Context, name string) error
	EnsureImage(ctx context.Context, image string) error
	Inspect(ctx context.Context, name string) (NodeState, error)
	Create(ctx context.Context, spec NodeSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Options configure a Provisioner.
type Options struct {
	Image        string
	Network      string
	Nodes        int
	ServerPort   int
	SSHPublicKey string
	CPULimit     string
	MemoryLimit  string

	// ReadyTimeout bounds how long Up waits for every node to get an address.
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// Provisioner implements on-demand cluster bring-up on top of an Engine.
type Provisioner struct {
	engine Engine
	opts   Options

	mu sync.Mutex // serializes Up per process
}

func NewProvisioner(engine Engine, opts Options) *Provisioner {
	if opts.Nodes <= 0 {
		opts.Nodes = 1
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Provisioner{engine: engine, opts: opts}
}

// NodeName is the container name of node i of a cluster.
func NodeName(cluster string, i int) string {
	return fmt.Sprintf("clusterlink-%s-%d", cluster, i)
}

// Address returns the node IPs, head first, or nil if any node is missing or
// not running.
func (p *Provisioner) Address(ctx context.Context, name string) ([]string, error) {
	ips := make([]string, 0, p.opts.Nodes)
	for i := 0; i < p.opts.Nodes; i++ {
		st, err := p.engine.Inspect(ctx, NodeName(name, i))
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !st.Running || st.IP == "" {
			return nil, nil
		}
		ips = append(ips, st.IP)
	}
	return ips, nil
}

// IsUp reports whether every node container is running.
func (p *Provisioner) IsUp(ctx context.Context, name string) (bool, error) {
	for i := 0; i < p.opts.Nodes; i++ {
		st, err := p.engine.Inspect(ctx, NodeName(name, i))
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !st.Running {
			return false, nil
		}
	}
	return true, nil
}

// Up creates or starts every node of the cluster and waits until each one
// has an address.
func (p *Provisioner) Up(ctx context.Context, name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.engine.EnsureNetwork(ctx, p.opts.Network); err != nil {
		return nil, fmt.Errorf("network %s: %w", p.opts.Network, err)
	}
	if err := p.engine.EnsureImage(ctx, p.opts.Image); err != nil {
		return nil, err
	}

	nanoCPUs := parseCPUToNanoCPUs(p.opts.CPULimit)
	mem, err := parseMemoryToBytes(p.opts.MemoryLimit)
	if err != nil {
		return nil, err
	}

	for i := 0; i < p.opts.Nodes; i++ {
		node := NodeName(name, i)
		st, err := p.engine.Inspect(ctx, node)
		switch {
		case errors.Is(err, ErrNotFound):
			logging.Infof("[orchestrator] creating node %s", node)
			spec := NodeSpec{
				Name:         node,
				Cluster:      name,
				Index:        i,
				Image:        p.opts.Image,
				Network:      p.opts.Network,
				SSHPublicKey: p.opts.SSHPublicKey,
				ServerPort:   p.opts.ServerPort,
				NanoCPUs:     nanoCPUs,
				MemoryBytes:  mem,
			}
			if err := p.engine.Create(ctx, spec); err != nil {
				return nil, fmt.Errorf("create node %s: %w", node, err)
			}
			if err := p.engine.Start(ctx, node); err != nil {
				return nil, fmt.Errorf("start node %s: %w", node, err)
			}
		case err != nil:
			return nil, err
		case !st.Running:
			logging.Infof("[orchestrator] starting node %s (was %s)", node, st.Status)
			if err := p.engine.Start(ctx, node); err != nil {
				return nil, fmt.Errorf("start node %s: %w", node, err)
			}
		}
	}
	return p.waitReady(ctx, name)
}

func (p *Provisioner) waitReady(ctx context.Context, name string) ([]string, error) {
	deadline := time.Now().Add(p.opts.ReadyTimeout)
	for {
		ips, err := p.Address(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(ips) == p.opts.Nodes {
			logging.Infof("[orchestrator] cluster %s up: %v", name, ips)
			return ips, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cluster %s: nodes not ready after %s", name, p.opts.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// Down stops and removes every node. Missing nodes are ignored.
func (p *Provisioner) Down(ctx context.Context, name string) error {
	for i := 0; i < p.opts.Nodes; i++ {
		node := NodeName(name, i)
		if err := p.engine.Remove(ctx, node); err != nil && !errors.Is(err, ErrNotFound) {
			logging.Warnf("[orchestrator] remove node %s: %v", node, err)
		}
	}
	return nil
}
