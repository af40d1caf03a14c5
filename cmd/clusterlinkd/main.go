// Command clusterlinkd is the node daemon. It serves the control protocol
// on the head node and is started, restarted and stopped over SSH by the
// clusterlink client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(config.Cfg.LogLevel, config.Cfg.LogFile())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logging.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "x %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clusterlinkd COMMAND",
		Short:         "clusterlink node daemon",
		Version:       version,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	root.AddCommand(Start())
	root.AddCommand(Restart())
	root.AddCommand(Stop())
	return root
}
