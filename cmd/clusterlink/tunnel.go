package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Tunnel forwards a local port to a port on the head node until interrupted
func Tunnel() *cobra.Command {
	var localPort, remotePort, attempts int
	cmd := &cobra.Command{
		Use:   "tunnel CLUSTER",
		Short: "Forward a local port to the head node over SSH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCluster(ctx, args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()

			tun, err := c.SSHTunnel(ctx, localPort, remotePort, attempts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s -> %s:%d (ctrl-c to stop)\n", tun.Addr(), c.Address(), tun.RemotePort)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&localPort, "local-port", 0, "first local port to try (0 picks a free one)")
	cmd.Flags().IntVar(&remotePort, "remote-port", 0, "remote port (default: the daemon port)")
	cmd.Flags().IntVar(&attempts, "attempts", 10, "how many consecutive local ports to try")
	return cmd
}
