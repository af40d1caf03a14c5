package main

import (
	"fmt"

	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/spf13/cobra"
)

func Logs() *cobra.Command {
	var tail int
	var truncate bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or clear the local debug log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if truncate {
				return logging.Clear()
			}
			text, err := logging.ReadTail(tail)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "number of lines")
	cmd.Flags().BoolVar(&truncate, "clear", false, "truncate the log")
	return cmd
}
