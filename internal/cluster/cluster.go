// Package cluster is the controller's handle on one remote cluster. A Cluster
// owns the connection to the node daemon, the health monitor that keeps it
// reachable, and the SSH executor used for shell commands, and dispatches
// every public operation through them.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gluk-w/clusterlink/internal/config"
	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/health"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/rpc"
	"github.com/gluk-w/clusterlink/internal/server"
	"github.com/gluk-w/clusterlink/internal/sshproxy"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// AllNodes selects every node in Run.
const AllNodes = "all"

// Provisioner is the capability to find or bring up a cluster's nodes.
type Provisioner interface {
	// Address returns the current node addresses, head first, or none.
	Address(ctx context.Context, name string) ([]string, error)
	// Up brings the cluster up if needed and returns its addresses.
	Up(ctx context.Context, name string) ([]string, error)
	IsUp(ctx context.Context, name string) (bool, error)
}

// ObjectStore is the key/value surface shared by the daemon client and the
// node-local store.
type ObjectStore interface {
	Get(ctx context.Context, key, env string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, env string) error
	Delete(ctx context.Context, keys []string, env string) error
	Keys(ctx context.Context, env string) ([]string, error)
	Rename(ctx context.Context, oldKey, newKey, env string) error
	Clear(ctx context.Context, env string) error
}

type Options struct {
	Settings    *config.Settings
	Provisioner Provisioner
	// LocalStore and LocalRegistry serve operations issued on the cluster's
	// own head node.
	LocalStore    ObjectStore
	LocalRegistry *server.Registry
	Fs            afero.Fs
	// Dial overrides how SSH connections reach nodes.
	Dial           sshproxy.DialFunc
	SessionFactory sshproxy.SessionFactory
	Sleep          health.SleepFunc
	Tracker        *health.Tracker
}

type Cluster struct {
	cfg      Config
	settings *config.Settings
	fs       afero.Fs

	provisioner   Provisioner
	localStore    ObjectStore
	localRegistry *server.Registry

	conn     *ConnectionManager
	monitor  *health.Monitor
	ssh      *sshproxy.Manager
	executor *sshproxy.Executor

	mu      sync.Mutex
	tunnels []*sshproxy.Tunnel
}

func New(cfg Config, opts Options) (*Cluster, error) {
	if cfg.Name == "" {
		return nil, errors.New("cluster name is required")
	}
	if opts.Settings == nil {
		opts.Settings = &config.Cfg
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	cfg.applyDefaults(opts.Settings)

	c := &Cluster{
		cfg:           cfg,
		settings:      opts.Settings,
		fs:            opts.Fs,
		provisioner:   opts.Provisioner,
		localStore:    opts.LocalStore,
		localRegistry: opts.LocalRegistry,
	}

	dial := opts.Dial
	if dial == nil && cfg.ConnectionType == ConnSSM {
		target := cfg.SSMTarget
		if target == "" {
			target = cfg.Head()
		}
		dial = sshproxy.SSMDial(target, "")
	}

	c.conn = newConnectionManager(&c.cfg, c.settings, c.fs, dial)
	c.ssh = sshproxy.NewManager(cfg.Credentials, sshproxy.ManagerConfig{
		Port:              cfg.SSHPort,
		ConnectTimeout:    c.settings.ConnectTimeout,
		KeepaliveInterval: c.settings.KeepaliveInterval,
		Dial:              dial,
	})
	c.executor = sshproxy.NewExecutor(c.ssh)
	if opts.SessionFactory != nil {
		c.executor.SetSessionFactory(opts.SessionFactory)
	}
	c.monitor = health.NewMonitor(&target{c: c}, health.Config{
		Probes:  c.settings.RestartProbes,
		Backoff: c.settings.RestartBackoff,
		Sleep:   opts.Sleep,
		Tracker: opts.Tracker,
	})
	return c, nil
}

func (c *Cluster) Name() string { return c.cfg.Name }

// Config returns a copy of the cluster configuration with the current IPs.
func (c *Cluster) Config() Config {
	return c.conn.snapshot()
}

// Address returns the head node address or "".
func (c *Cluster) Address() string {
	ips := c.conn.ips()
	if len(ips) == 0 {
		return ""
	}
	return ips[0]
}

// SSHCreds returns the credentials used for SSH.
func (c *Cluster) SSHCreds() sshproxy.Credentials {
	return c.cfg.Credentials
}

// State is the last observed daemon health.
func (c *Cluster) State() health.State {
	return c.monitor.State()
}

func (c *Cluster) EnsureHealthy(ctx context.Context, allowRestart bool) error {
	return c.monitor.EnsureHealthy(ctx, allowRestart)
}

func (c *Cluster) Endpoint(ctx context.Context, external bool) (string, error) {
	return c.conn.Endpoint(ctx, external)
}

// IsUp asks the provisioner, or pings the head over SSH when there is none.
func (c *Cluster) IsUp(ctx context.Context) bool {
	if c.provisioner != nil {
		up, err := c.provisioner.IsUp(ctx, c.cfg.Name)
		if err != nil {
			logging.Warnf("[cluster] %s: provisioner status: %v", c.cfg.Name, err)
			return false
		}
		return up
	}
	head := c.Address()
	if head == "" {
		return false
	}
	return c.executor.Ping(ctx, head, c.settings.ConnectTimeout, c.password()) == nil
}

// IsConnected reports whether a client exists and its daemon answers.
func (c *Cluster) IsConnected(ctx context.Context) bool {
	client := c.conn.Client()
	if client == nil {
		return false
	}
	return client.Check(ctx, c.settings.ProbeTimeout) == nil
}

func (c *Cluster) Disconnect() error {
	return c.conn.Disconnect()
}

// Close releases the daemon connection, user tunnels and pooled SSH
// connections.
func (c *Cluster) Close() error {
	err := c.conn.Disconnect()
	c.mu.Lock()
	for _, t := range c.tunnels {
		err = multierr.Append(err, t.Close())
	}
	c.tunnels = nil
	c.mu.Unlock()
	return multierr.Append(err, c.ssh.CloseAll())
}

func (c *Cluster) password() string {
	if c.cfg.Credentials.UsesKey() {
		return ""
	}
	return c.cfg.Credentials.Password
}

// envPrefix returns the activation command for env, falling back to the
// default env.
func (c *Cluster) envPrefix(env string) string {
	if env == "" {
		env = c.cfg.DefaultEnv
	}
	if env == "" {
		return ""
	}
	return c.cfg.EnvPrefixes[env]
}

type localConfig struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// OnThisCluster reports whether the process runs on this cluster's node,
// based on the configuration the restart sequence leaves there.
func (c *Cluster) OnThisCluster() bool {
	data, err := afero.ReadFile(c.fs, c.settings.LocalClusterConfigPath())
	if err != nil {
		return false
	}
	var lc localConfig
	if err := json.Unmarshal(data, &lc); err != nil {
		return false
	}
	return lc.Name == c.cfg.Name && lc.Namespace == c.cfg.Namespace
}

// store picks the local store on the node itself and the healthy daemon
// client everywhere else.
func (c *Cluster) store(ctx context.Context) (ObjectStore, error) {
	if c.localStore != nil && c.OnThisCluster() {
		return c.localStore, nil
	}
	return c.client(ctx)
}

func (c *Cluster) client(ctx context.Context) (*rpc.Client, error) {
	if err := c.monitor.EnsureHealthy(ctx, true); err != nil {
		return nil, err
	}
	client := c.conn.Client()
	if client == nil {
		return nil, &clerrors.ConnectivityError{Op: "connect " + c.cfg.Name, Err: clerrors.ErrClosed}
	}
	return client, nil
}

// RunOptions controls Run.
type RunOptions struct {
	// Node is "" for the head, AllNodes, or one of the cluster's IPs.
	Node           string
	Env            string
	Stream         io.Writer
	PortForward    []int
	RequireOutputs bool
}

// ensureAddress brings the cluster up when it has no address yet.
func (c *Cluster) ensureAddress(ctx context.Context) error {
	if c.Address() != "" {
		return nil
	}
	t := &target{c: c}
	if err := t.BringUp(ctx); err != nil {
		return &clerrors.NoAddressError{Cluster: c.cfg.Name, Err: err}
	}
	return nil
}

func (c *Cluster) resolveNodes(node string) ([]string, error) {
	ips := c.conn.ips()
	if len(ips) == 0 {
		return nil, &clerrors.NoAddressError{Cluster: c.cfg.Name}
	}
	switch node {
	case "":
		return ips[:1], nil
	case AllNodes:
		return ips, nil
	default:
		if !slices.Contains(ips, node) {
			return nil, fmt.Errorf("node %q is not part of cluster %s (nodes: %v)", node, c.cfg.Name, ips)
		}
		return []string{node}, nil
	}
}

// Run executes cmds in order over SSH on the selected nodes. Every node's
// results are returned, including failing ones.
func (c *Cluster) Run(ctx context.Context, cmds []string, opts RunOptions) ([]sshproxy.NodeResult, error) {
	if err := c.ensureAddress(ctx); err != nil {
		return nil, err
	}
	nodes, err := c.resolveNodes(opts.Node)
	if err != nil {
		return nil, err
	}

	prefix := c.envPrefix(opts.Env)
	if prefix != "" {
		prefix += " &&"
	}
	return c.executor.Run(ctx, nodes, cmds, sshproxy.RunOptions{
		Prefix:         prefix,
		Password:       c.password(),
		Stream:         opts.Stream,
		PortForward:    opts.PortForward,
		RequireOutputs: opts.RequireOutputs,
	})
}

// runHead runs one command on the head and returns its result, turning a
// transport failure into an error.
func (c *Cluster) runHead(ctx context.Context, cmd string) (sshproxy.CommandResult, error) {
	res, err := c.Run(ctx, []string{cmd}, RunOptions{RequireOutputs: true})
	if err != nil {
		return sshproxy.CommandResult{}, err
	}
	if res[0].Err != nil {
		return sshproxy.CommandResult{}, res[0].Err
	}
	return res[0].Results[0], nil
}

// CallOptions mirrors the daemon call flags.
type CallOptions struct {
	Args       []any
	Kwargs     map[string]any
	StreamLogs bool
	RunName    string
	Remote     bool
	RunAsync   bool
	Save       bool
}

// Call invokes module.method on the daemon. Async calls without a run name
// get one of the form <method>_<uuid>.
func (c *Cluster) Call(ctx context.Context, module, method string, opts CallOptions) (*rpc.CallResponse, error) {
	runName := opts.RunName
	if runName == "" && opts.RunAsync {
		runName = method + "_" + uuid.NewString()
	}
	req := rpc.CallRequest{
		Args:       opts.Args,
		Kwargs:     opts.Kwargs,
		StreamLogs: opts.StreamLogs,
		RunName:    runName,
		Remote:     opts.Remote,
		RunAsync:   opts.RunAsync,
		Save:       opts.Save,
	}

	if c.localRegistry != nil && c.OnThisCluster() {
		fn, err := c.localRegistry.Lookup(module, method)
		if err != nil {
			return nil, err
		}
		result, err := fn(ctx, req.Args, req.Kwargs)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", module, method, err)
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return &rpc.CallResponse{Data: data, RunName: runName}, nil
	}

	client, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallModuleMethod(ctx, module, method, req)
}

// GetOptions controls Get. Default is returned instead of a not-found error
// unless it is nil or itself the not-found marker.
type GetOptions struct {
	Env     string
	Default any
}

func isNotFoundMarker(v any) bool {
	err, ok := v.(error)
	return ok && errors.Is(err, clerrors.ErrKeyNotFound)
}

// Get returns the stored bytes for key, or opts.Default when the key is
// missing and a usable default was given.
func (c *Cluster) Get(ctx context.Context, key string, opts GetOptions) (any, error) {
	store, err := c.store(ctx)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, key, opts.Env)
	if err != nil {
		if errors.Is(err, clerrors.ErrKeyNotFound) && opts.Default != nil && !isNotFoundMarker(opts.Default) {
			return opts.Default, nil
		}
		return nil, err
	}
	return data, nil
}

func (c *Cluster) Put(ctx context.Context, key string, value []byte, env string) error {
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, value, env)
}

func (c *Cluster) Delete(ctx context.Context, keys []string, env string) error {
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	return store.Delete(ctx, keys, env)
}

func (c *Cluster) Keys(ctx context.Context, env string) ([]string, error) {
	store, err := c.store(ctx)
	if err != nil {
		return nil, err
	}
	return store.Keys(ctx, env)
}

func (c *Cluster) Rename(ctx context.Context, oldKey, newKey, env string) error {
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	return store.Rename(ctx, oldKey, newKey, env)
}

func (c *Cluster) Clear(ctx context.Context, env string) error {
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	return store.Clear(ctx, env)
}

// Status returns the daemon status document. On the node itself it is built
// from the local store.
func (c *Cluster) Status(ctx context.Context) (*rpc.StatusResponse, error) {
	if c.localStore != nil && c.OnThisCluster() {
		keys, err := c.localStore.Keys(ctx, "")
		if err != nil {
			return nil, err
		}
		return &rpc.StatusResponse{Name: c.cfg.Name, DenAuth: c.conn.snapshot().DenAuth, Keys: int64(len(keys))}, nil
	}
	client, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Status(ctx)
}

// DownloadCert fetches the daemon certificate and writes it to path.
func (c *Cluster) DownloadCert(ctx context.Context, path string) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	pem, err := client.GetCert(ctx)
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	if err := afero.WriteFile(c.fs, path, pem, 0644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	logging.Infof("[cluster] %s: certificate saved to %s", c.cfg.Name, path)
	return nil
}

func (c *Cluster) EnableAuth(ctx context.Context, flushCache bool) error {
	return c.setAuth(ctx, true, flushCache)
}

func (c *Cluster) DisableAuth(ctx context.Context) error {
	return c.setAuth(ctx, false, false)
}

func (c *Cluster) setAuth(ctx context.Context, enabled, flush bool) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := client.SetSettings(ctx, rpc.SettingsRequest{DenAuth: enabled, FlushAuthCache: flush}); err != nil {
		return err
	}
	c.conn.setDenAuth(enabled)
	return nil
}

// SSHTunnel opens an extra forward tunnel to the head node. The cluster
// closes it on Close.
func (c *Cluster) SSHTunnel(ctx context.Context, localPort, remotePort, attempts int) (*sshproxy.Tunnel, error) {
	if err := c.ensureAddress(ctx); err != nil {
		return nil, err
	}
	if remotePort == 0 {
		remotePort = c.cfg.ServerPort
	}
	tun, err := sshproxy.OpenTunnel(ctx, sshproxy.TunnelOptions{
		Host:            c.Address(),
		SSHPort:         c.cfg.SSHPort,
		Credentials:     c.cfg.Credentials,
		LocalPort:       localPort,
		RemotePort:      remotePort,
		MaxPortAttempts: attempts,
		ConnectTimeout:  c.settings.ConnectTimeout,
		Dial:            c.conn.dial,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tunnels = append(c.tunnels, tun)
	c.mu.Unlock()
	return tun, nil
}

// target adapts a Cluster to health.Target.
type target struct {
	c *Cluster
}

func (t *target) Name() string                  { return t.c.cfg.FullName() }
func (t *target) HasAddress() bool              { return t.c.Address() != "" }
func (t *target) IsUp(ctx context.Context) bool { return t.c.IsUp(ctx) }
func (t *target) HasClient() bool               { return t.c.conn.Client() != nil }
func (t *target) Connect(ctx context.Context, force bool) error {
	return t.c.conn.Connect(ctx, force)
}

func (t *target) BringUp(ctx context.Context) error {
	if t.c.provisioner == nil {
		return clerrors.ErrNoProvisioner
	}
	ips, err := t.c.provisioner.Up(ctx, t.c.cfg.Name)
	if err != nil {
		return fmt.Errorf("bring up %s: %w", t.c.cfg.Name, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("bring up %s: provisioner returned no address", t.c.cfg.Name)
	}
	t.c.conn.setIPs(ips)
	return nil
}

func (t *target) Probe(ctx context.Context) error {
	client := t.c.conn.Client()
	if client == nil {
		return &clerrors.ConnectivityError{Op: "check", Err: clerrors.ErrClosed}
	}
	return client.Check(ctx, t.c.settings.ProbeTimeout)
}

func (t *target) Restart(ctx context.Context) error {
	return t.c.RestartServer(ctx, RestartOptions{
		Resync: t.c.settings.PayloadPath != "",
	})
}

var _ health.Target = (*target)(nil)

func (c *Cluster) readLocal(p string) ([]byte, error) {
	data, err := afero.ReadFile(c.fs, p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}
