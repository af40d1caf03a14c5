package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/clusterlink/internal/cluster"
	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/crypto"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/objstore"
	"github.com/gluk-w/clusterlink/internal/server"
	"github.com/spf13/cobra"
)

// serveFlags are shared by start and restart.
type serveFlags struct {
	host      string
	port      int
	useHTTPS  bool
	certFile  string
	keyFile   string
	telemetry bool
	useNginx  bool
	denAuth   bool
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "0.0.0.0", "address to listen on")
	cmd.Flags().IntVar(&f.port, "port", cluster.DefaultServerPort, "port to listen on")
	cmd.Flags().BoolVar(&f.useHTTPS, "use-https", false, "serve TLS")
	cmd.Flags().StringVar(&f.certFile, "ssl-certfile", "", "TLS certificate (generated when missing)")
	cmd.Flags().StringVar(&f.keyFile, "ssl-keyfile", "", "TLS private key (generated when missing)")
	cmd.Flags().BoolVar(&f.telemetry, "use-local-telemetry", false, "expose /metrics")
	cmd.Flags().BoolVar(&f.useNginx, "use-nginx", false, "a reverse proxy fronts the daemon")
	cmd.Flags().BoolVar(&f.denAuth, "den-auth", false, "require basic auth")
}

// args renders the flags back into a start command line.
func (f *serveFlags) args() []string {
	args := []string{"start", "--host", f.host, "--port", strconv.Itoa(f.port)}
	if f.useHTTPS {
		args = append(args, "--use-https")
	}
	if f.certFile != "" {
		args = append(args, "--ssl-certfile", f.certFile)
	}
	if f.keyFile != "" {
		args = append(args, "--ssl-keyfile", f.keyFile)
	}
	if f.telemetry {
		args = append(args, "--use-local-telemetry")
	}
	if f.useNginx {
		args = append(args, "--use-nginx")
	}
	if f.denAuth {
		args = append(args, "--den-auth")
	}
	return args
}

// resolveCerts fills in default cert paths and generates a self-signed pair
// when the files do not exist.
func (f *serveFlags) resolveCerts(s *config.Settings, name string) error {
	if !f.useHTTPS {
		return nil
	}
	if f.certFile == "" {
		f.certFile = filepath.Join(s.Dir(), "certs", "server.crt")
	}
	if f.keyFile == "" {
		f.keyFile = filepath.Join(s.Dir(), "keys", "server.key")
	}
	hosts := []string{}
	if h, err := os.Hostname(); err == nil {
		hosts = append(hosts, h)
	}
	return crypto.EnsureServerCertPair(name, f.certFile, f.keyFile, hosts...)
}

// loadLocalConfig reads the cluster config written by the client's restart
// sequence. A node that was never configured runs under its hostname.
func loadLocalConfig(s *config.Settings) cluster.Config {
	var cfg cluster.Config
	data, err := os.ReadFile(s.LocalClusterConfigPath())
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			logging.Warnf("[daemon] ignoring unreadable %s: %v", s.LocalClusterConfigPath(), err)
		}
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	return cfg
}

// Start runs the daemon in the foreground until it is signalled
func Start() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), &config.Cfg, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func serve(ctx context.Context, s *config.Settings, flags *serveFlags) error {
	local := loadLocalConfig(s)
	if err := flags.resolveCerts(s, local.Name); err != nil {
		return err
	}

	store, err := objstore.Open(s.DatabaseFile())
	if err != nil {
		return err
	}
	defer store.Close()

	reg := server.NewRegistry()
	server.RegisterSystemModule(reg, time.Now())

	srv := server.New(server.Options{
		Name:         local.Name,
		Version:      version,
		Store:        store,
		Registry:     reg,
		AuthUser:     s.AuthUser,
		AuthPassword: s.AuthPassword,
		DenAuth:      flags.denAuth || local.DenAuth,
		Telemetry:    flags.telemetry || s.Telemetry,
		CertPath:     flags.certFile,
	})

	if err := writePID(s.PIDFile(), os.Getpid()); err != nil {
		return err
	}
	defer removePID(s.PIDFile(), os.Getpid())

	var certFile, keyFile string
	if flags.useHTTPS {
		certFile, keyFile = flags.certFile, flags.keyFile
	}
	logging.Infof("[daemon] %s starting (pid %d)", local.Name, os.Getpid())
	return srv.Serve(ctx, net.JoinHostPort(flags.host, strconv.Itoa(flags.port)), certFile, keyFile)
}

func writePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// removePID deletes the pid file only while it still names pid.
func removePID(path string, pid int) {
	if cur, err := readPID(path); err == nil && cur == pid {
		os.Remove(path)
	}
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}
