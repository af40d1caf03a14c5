package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gluk-w/clusterlink/internal/cluster"
	"github.com/spf13/cobra"
)

// Up makes sure the cluster has an address and a healthy daemon
func Up() *cobra.Command {
	var noRestart bool
	cmd := &cobra.Command{
		Use:   "up CLUSTER",
		Short: "Bring the cluster up and make sure its daemon answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.EnsureHealthy(cmd.Context(), !noRestart); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s at %s\n", c.Name(), c.State(), c.Address())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "fail instead of restarting an unresponsive daemon")
	return cmd
}

func Status() *cobra.Command {
	return &cobra.Command{
		Use:   "status CLUSTER",
		Short: "Show the daemon status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

// Call invokes a module method on the daemon. Positional arguments are
// decoded as JSON when they parse, and passed as strings otherwise.
func Call() *cobra.Command {
	var opts cluster.CallOptions
	var kwargs []string
	cmd := &cobra.Command{
		Use:   "call CLUSTER MODULE METHOD [ARG...]",
		Short: "Call a module method on the cluster",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Args = parseCallArgs(args[3:])
			kw, err := parseKwargs(kwargs)
			if err != nil {
				return err
			}
			opts.Kwargs = kw

			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.Call(cmd.Context(), args[1], args[2], opts)
			if err != nil {
				return err
			}
			if resp.RunName != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "run: %s\n", resp.RunName)
			}
			if len(resp.Data) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), string(resp.Data))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&kwargs, "kwarg", nil, "keyword argument as name=value (repeatable)")
	cmd.Flags().StringVar(&opts.RunName, "run-name", "", "name under which the run is tracked")
	cmd.Flags().BoolVar(&opts.RunAsync, "async", false, "return immediately and run in the background")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "save the result under the run name")
	cmd.Flags().BoolVar(&opts.StreamLogs, "stream-logs", false, "stream the method's logs")
	return cmd
}

func parseCallArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		args = append(args, parseValue(a))
	}
	return args
}

func parseKwargs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kw := make(map[string]any, len(raw))
	for _, pair := range raw {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --kwarg %q, expected name=value", pair)
		}
		kw[k] = parseValue(v)
	}
	return kw, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func Restart() *cobra.Command {
	var opts cluster.RestartOptions
	cmd := &cobra.Command{
		Use:   "restart CLUSTER",
		Short: "Restart the cluster's daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.RestartServer(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Resync, "resync", false, "upload the daemon payload to every node first")
	cmd.Flags().BoolVar(&opts.RestartAux, "restart-ray", false, "restart the auxiliary runtime and rejoin workers")
	cmd.Flags().BoolVar(&opts.RestartProxy, "restart-proxy", false, "restart the reverse proxy")
	cmd.Flags().StringVar(&opts.Env, "env", "", "env whose shell prefix is applied")
	return cmd
}

func Stop() *cobra.Command {
	var stopAux bool
	cmd := &cobra.Command{
		Use:   "stop CLUSTER",
		Short: "Stop the cluster's daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.StopServer(cmd.Context(), stopAux)
		},
	}
	cmd.Flags().BoolVar(&stopAux, "stop-ray", false, "also stop the auxiliary runtime")
	return cmd
}

func Cert() *cobra.Command {
	return &cobra.Command{
		Use:   "cert CLUSTER PATH",
		Short: "Download the daemon's TLS certificate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DownloadCert(cmd.Context(), args[1])
		},
	}
}

func Auth() *cobra.Command {
	var flush bool
	cmd := &cobra.Command{
		Use:       "auth CLUSTER on|off",
		Short:     "Turn daemon basic auth on or off",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			switch args[1] {
			case "on":
				return c.EnableAuth(cmd.Context(), flush)
			case "off":
				return c.DisableAuth(cmd.Context())
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
		},
	}
	cmd.Flags().BoolVar(&flush, "flush", false, "drop cached credentials on the daemon")
	return cmd
}
