package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/sshproxy"
)

// RestartOptions controls RestartServer.
type RestartOptions struct {
	// Resync uploads the daemon payload to every node first.
	Resync bool
	// RestartAux restarts the auxiliary runtime and rejoins worker nodes.
	RestartAux bool
	// RestartProxy restarts the reverse proxy; only meaningful with nginx.
	RestartProxy bool
	Env          string
}

// restartCommand composes the daemon restart command. Flag order is fixed.
func (c *Cluster) restartCommand(opts RestartOptions, certFile, keyFile string) string {
	parts := []string{c.settings.RestartCommand}
	if opts.RestartAux {
		parts = append(parts, "--restart-ray")
	}
	https := c.cfg.ConnectionType.UsesHTTPS()
	if https {
		parts = append(parts, "--use-https")
	}
	if c.cfg.UseNginx() {
		parts = append(parts, "--use-nginx")
		if opts.RestartProxy {
			parts = append(parts, "--restart-proxy")
		}
	}
	if certFile != "" {
		parts = append(parts, "--ssl-certfile", sshproxy.QuoteRemotePath(certFile))
	}
	if keyFile != "" {
		parts = append(parts, "--ssl-keyfile", sshproxy.QuoteRemotePath(keyFile))
	}
	if c.cfg.Telemetry {
		parts = append(parts, "--use-local-telemetry")
	}
	parts = append(parts, "--port", strconv.Itoa(c.cfg.ServerPort))

	cmd := strings.Join(parts, " ")
	if prefix := c.envPrefix(opts.Env); prefix != "" {
		cmd = prefix + " && " + cmd
	}
	return cmd
}

// RestartServer restarts the node daemon:
//  1. optionally resync the payload to every node
//  2. write the cluster config onto the head
//  3. upload a custom certificate and key
//  4. run the composed restart command on the head
//  5. refresh TLS on a live client
//  6. rejoin worker nodes
func (c *Cluster) RestartServer(ctx context.Context, opts RestartOptions) error {
	if err := c.ensureAddress(ctx); err != nil {
		return err
	}
	name := c.cfg.Name

	if opts.Resync {
		if err := c.resyncPayload(ctx); err != nil {
			return err
		}
	}

	if err := c.SaveConfigToCluster(ctx); err != nil {
		return err
	}

	var certFile, keyFile string
	if c.conn.hasCustomCert() {
		certFile = path.Join(c.settings.RemoteCertDir, path.Base(c.cfg.CertPath))
		if err := c.uploadLocal(ctx, c.cfg.CertPath, certFile, 0644); err != nil {
			return fmt.Errorf("upload certificate: %w", err)
		}
	}
	if c.conn.hasCustomKey() {
		keyFile = path.Join(c.settings.RemoteKeyDir, path.Base(c.cfg.KeyPath))
		if err := c.uploadLocal(ctx, c.cfg.KeyPath, keyFile, 0600); err != nil {
			return fmt.Errorf("upload key: %w", err)
		}
	}

	cmd := c.restartCommand(opts, certFile, keyFile)
	logging.Infof("[cluster] %s: restarting server", name)
	res, err := c.runHead(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || res.Signal != nil {
		out := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
		return &clerrors.RestartFailedError{Command: cmd, ExitCode: res.ExitCode, Output: out}
	}

	if c.cfg.ConnectionType.UsesHTTPS() {
		refreshed, err := c.conn.RefreshTLS()
		if err != nil {
			return fmt.Errorf("refresh client TLS: %w", err)
		}
		if !refreshed {
			if err := c.conn.Connect(ctx, false); err != nil {
				return err
			}
		}
	}

	ips := c.conn.ips()
	if opts.RestartAux && len(ips) > 1 {
		join := fmt.Sprintf(c.settings.JoinCommand, ips[0])
		for _, worker := range ips[1:] {
			res, err := c.Run(ctx, []string{join}, RunOptions{Node: worker, Env: opts.Env, RequireOutputs: true})
			switch {
			case err != nil:
				logging.Warnf("[cluster] %s: join worker %s: %v", name, worker, err)
			case res[0].Err != nil:
				logging.Warnf("[cluster] %s: join worker %s: %v", name, worker, res[0].Err)
			case res[0].Results[0].ExitCode != 0:
				logging.Warnf("[cluster] %s: join worker %s exited %d: %s", name, worker,
					res[0].Results[0].ExitCode, strings.TrimSpace(res[0].Results[0].Stderr))
			}
		}
	}
	return nil
}

// StopServer stops the node daemon. Unless stopAux is set the auxiliary
// runtime keeps running.
func (c *Cluster) StopServer(ctx context.Context, stopAux bool) error {
	cmd := c.settings.StopCommand
	if !stopAux {
		cmd += " --no-stop-ray"
	}
	if prefix := c.envPrefix(""); prefix != "" {
		cmd = prefix + " && " + cmd
	}
	res, err := c.runHead(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &clerrors.RemoteCommandError{Node: c.Address(), Command: cmd, ExitCode: res.ExitCode}
	}
	return nil
}

// SaveConfigToCluster writes the cluster config, without credentials, to the
// head node so the node can recognize itself.
func (c *Cluster) SaveConfigToCluster(ctx context.Context) error {
	cfg := c.Config()
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal cluster config: %w", err)
	}

	dst := c.settings.RemoteConfigPath
	cmd := fmt.Sprintf("mkdir -p %s && echo %s > %s",
		sshproxy.QuoteRemotePath(path.Dir(dst)),
		shellescape.Quote(string(data)),
		sshproxy.QuoteRemotePath(dst))

	res, err := c.runHead(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &clerrors.RemoteCommandError{Node: c.Address(), Command: "save cluster config", ExitCode: res.ExitCode}
	}
	return nil
}

// uploadLocal copies a local file to dst on the head node.
func (c *Cluster) uploadLocal(ctx context.Context, src, dst string, mode os.FileMode) error {
	data, err := c.readLocal(src)
	if err != nil {
		return err
	}
	return c.executor.Upload(ctx, c.Address(), bytes.NewReader(data), dst, mode)
}

func (c *Cluster) resyncPayload(ctx context.Context) error {
	if c.settings.PayloadPath == "" {
		return nil
	}
	data, err := c.readLocal(c.settings.PayloadPath)
	if err != nil {
		return err
	}
	for _, ip := range c.conn.ips() {
		if err := c.executor.Upload(ctx, ip, bytes.NewReader(data), c.settings.RemotePayloadPath, 0755); err != nil {
			return fmt.Errorf("sync payload to %s: %w", ip, err)
		}
	}
	logging.Infof("[cluster] %s: payload synced to %d node(s)", c.cfg.Name, len(c.conn.ips()))
	return nil
}
