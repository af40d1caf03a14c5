package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluk-w/clusterlink/internal/config"
	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(config.Cfg.LogLevel, config.LogFile())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "x %s\n", err)
		var uErr clerrors.UserError
		if errors.As(err, &uErr) && uErr.Hint != "" {
			fmt.Fprintf(os.Stderr, "    %s\n", uErr.Hint)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "clusterlink COMMAND [ARG...]",
		Short:         "Reach and operate remote compute clusters",
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				logging.SetLevel(logLevel)
			}
			cmd.SilenceUsage = true
		},
	}

	root.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", "", "amount of information outputted (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&config.Cfg.ClustersPath, "clusters", config.Cfg.ClustersPath, "path to the cluster file")

	root.AddCommand(Up())
	root.AddCommand(Run())
	root.AddCommand(Call())
	root.AddCommand(Get())
	root.AddCommand(Put())
	root.AddCommand(Keys())
	root.AddCommand(Delete())
	root.AddCommand(Rename())
	root.AddCommand(Clear())
	root.AddCommand(Status())
	root.AddCommand(Restart())
	root.AddCommand(Stop())
	root.AddCommand(Cert())
	root.AddCommand(Auth())
	root.AddCommand(Tunnel())
	root.AddCommand(Watch())
	root.AddCommand(Logs())
	root.AddCommand(EncryptPassword())
	return root
}
