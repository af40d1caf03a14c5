package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/clusterlink/internal/cluster"
	"github.com/gluk-w/clusterlink/internal/health"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// Watch periodically checks the health of clusters, restarting daemons that
// stopped answering, and prints every state change.
func Watch() *cobra.Command {
	var every time.Duration
	var schedule string
	var noRestart bool
	cmd := &cobra.Command{
		Use:   "watch CLUSTER...",
		Short: "Keep clusters healthy on a schedule",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if schedule == "" {
				schedule = "@every " + every.String()
			}

			tracker := health.NewTracker()
			out := &lockedWriter{w: cmd.OutOrStdout()}
			tracker.OnChange(func(name string, from, to health.State) {
				fmt.Fprintf(out, "%s %s: %s -> %s\n", time.Now().Format(time.RFC3339), name, from, to)
			})

			clusters := make([]*cluster.Cluster, 0, len(args))
			for _, name := range args {
				c, err := openCluster(ctx, name, tracker)
				if err != nil {
					return err
				}
				defer c.Close()
				clusters = append(clusters, c)
			}

			return watchClusters(ctx, schedule, clusters, !noRestart, out)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 30*time.Second, "check interval")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule, overrides --every")
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "only report, never restart daemons")
	return cmd
}

func watchClusters(ctx context.Context, schedule string, clusters []*cluster.Cluster, allowRestart bool, out io.Writer) error {
	var running sync.Mutex
	check := func() {
		// skip a tick while the previous one is still restarting something
		if !running.TryLock() {
			return
		}
		defer running.Unlock()

		var wg sync.WaitGroup
		for _, c := range clusters {
			wg.Add(1)
			go func(c *cluster.Cluster) {
				defer wg.Done()
				if err := c.EnsureHealthy(ctx, allowRestart); err != nil {
					logging.Warnf("[watch] %s: %v", c.Name(), err)
					fmt.Fprintf(out, "%s %s: %v\n", time.Now().Format(time.RFC3339), c.Name(), err)
				}
			}(c)
		}
		wg.Wait()
	}

	sched := cron.New()
	if _, err := sched.AddFunc(schedule, check); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	check()
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return nil
}

// lockedWriter serializes writes from concurrent checks and state callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
