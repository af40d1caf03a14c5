package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gluk-w/clusterlink/internal/cluster"
	"github.com/spf13/cobra"
)

// Run executes shell commands on cluster nodes
func Run() *cobra.Command {
	var node, env string
	var ports []int
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run CLUSTER -- COMMAND...",
		Short: "Run shell commands on the head node, one node, or all nodes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCluster(ctx, args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return runCommands(ctx, c, args[1:], cluster.RunOptions{
				Node:        node,
				Env:         env,
				PortForward: ports,
			}, quiet, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&node, "node", "", `node to run on, or "all" (default: head node)`)
	cmd.Flags().StringVar(&env, "env", "", "env whose shell prefix is applied")
	cmd.Flags().IntSliceVar(&ports, "port-forward", nil, "remote ports to forward for the duration of the commands")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print output only after each node finishes")
	return cmd
}

func runCommands(ctx context.Context, c *cluster.Cluster, cmds []string, opts cluster.RunOptions, quiet bool, stdout, stderr io.Writer) error {
	opts.RequireOutputs = true
	if !quiet && opts.Node != cluster.AllNodes {
		opts.Stream = stdout
	}
	results, err := c.Run(ctx, cmds, opts)
	if err != nil && len(results) == 0 {
		return err
	}

	failed := 0
	for _, nr := range results {
		prefix := ""
		if len(results) > 1 {
			prefix = "[" + nr.Node + "] "
		}
		if nr.Err != nil {
			fmt.Fprintf(stderr, "%s%v\n", prefix, nr.Err)
			failed++
			continue
		}
		for _, r := range nr.Results {
			if opts.Stream == nil {
				writePrefixed(stdout, prefix, r.Stdout)
			}
			writePrefixed(stderr, prefix, r.Stderr)
		}
		failed += len(nr.Failures())
	}
	if failed > 0 {
		return fmt.Errorf("%d command(s) failed", failed)
	}
	return nil
}

func writePrefixed(w io.Writer, prefix, text string) {
	if text == "" {
		return
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line != "" {
			fmt.Fprint(w, prefix+line)
		}
	}
}
