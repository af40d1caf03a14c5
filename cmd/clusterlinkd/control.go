package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/rpc"
	"github.com/spf13/cobra"
)

const (
	stopTimeout  = 10 * time.Second
	readyTimeout = 15 * time.Second
)

// Restart stops a running daemon and starts a new one in the background
func Restart() *cobra.Command {
	var flags serveFlags
	var restartAux, restartProxy bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := &config.Cfg
			if err := stopDaemon(s.PIDFile(), stopTimeout); err != nil {
				return err
			}
			if restartAux && s.AuxRestartCmd != "" {
				if err := runShell(ctx, s.AuxRestartCmd); err != nil {
					return fmt.Errorf("restart auxiliary runtime: %w", err)
				}
			}
			if flags.useNginx && restartProxy && s.ProxyRestartCmd != "" {
				if err := runShell(ctx, s.ProxyRestartCmd); err != nil {
					return fmt.Errorf("restart proxy: %w", err)
				}
			}
			if err := flags.resolveCerts(s, loadLocalConfig(s).Name); err != nil {
				return err
			}
			if err := spawnDaemon(s, flags.args()); err != nil {
				return err
			}
			return waitReady(ctx, &flags, readyTimeout)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&restartAux, "restart-ray", false, "restart the auxiliary runtime")
	cmd.Flags().BoolVar(&restartProxy, "restart-proxy", false, "restart the reverse proxy")
	return cmd
}

// Stop stops the daemon and, unless told otherwise, the auxiliary runtime
func Stop() *cobra.Command {
	var noStopAux bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &config.Cfg
			if err := stopDaemon(s.PIDFile(), stopTimeout); err != nil {
				return err
			}
			if !noStopAux && s.AuxStopCmd != "" {
				return runShell(cmd.Context(), s.AuxStopCmd)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noStopAux, "no-stop-ray", false, "leave the auxiliary runtime running")
	return cmd
}

// stopDaemon signals the process in the pid file and waits for it to exit.
// A missing pid file or a dead process is not an error.
func stopDaemon(pidFile string, timeout time.Duration) error {
	pid, err := readPID(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidFile)
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logging.Debugf("[daemon] pid %d already gone: %v", pid, err)
		os.Remove(pidFile)
		return nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			os.Remove(pidFile)
			logging.Infof("[daemon] stopped pid %d", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	logging.Warnf("[daemon] pid %d ignored SIGTERM, killing", pid)
	proc.Kill()
	os.Remove(pidFile)
	return nil
}

func spawnDaemon(s *config.Settings, args []string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(s.Dir(), "clusterlinkd.out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open daemon output: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(self, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	logging.Infof("[daemon] started pid %d: %v", child.Process.Pid, args)
	return child.Process.Release()
}

// waitReady polls /check on the new daemon until it answers.
func waitReady(ctx context.Context, flags *serveFlags, timeout time.Duration) error {
	scheme, ca := "http", ""
	if flags.useHTTPS {
		scheme, ca = "https", flags.certFile
	}
	client, err := rpc.New(rpc.Options{
		BaseURL:    fmt.Sprintf("%s://%s", scheme, net.JoinHostPort("127.0.0.1", strconv.Itoa(flags.port))),
		Timeout:    2 * time.Second,
		CACertPath: ca,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	deadline := time.Now().Add(timeout)
	for {
		err := client.Check(ctx, time.Second)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not answer within %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func runShell(ctx context.Context, command string) error {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if len(out) > 0 {
		logging.Infof("[daemon] %s: %s", command, out)
	}
	return err
}
