package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gluk-w/clusterlink/internal/cluster"
	"github.com/spf13/cobra"
)

// Get prints an object from the cluster's store
func Get() *cobra.Command {
	var env, def string
	cmd := &cobra.Command{
		Use:   "get CLUSTER KEY",
		Short: "Print an object from the cluster's object store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()

			opts := cluster.GetOptions{Env: env}
			if cmd.Flags().Changed("default") {
				opts.Default = []byte(def)
			}
			v, err := c.Get(cmd.Context(), args[1], opts)
			if err != nil {
				return err
			}
			data, _ := v.([]byte)
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "object env")
	cmd.Flags().StringVar(&def, "default", "", "value printed when the key does not exist")
	return cmd
}

// Put stores an object read from an argument, a file, or stdin
func Put() *cobra.Command {
	var env, file string
	cmd := &cobra.Command{
		Use:   "put CLUSTER KEY [VALUE]",
		Short: "Store an object in the cluster's object store",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			switch {
			case len(args) == 3:
				data = []byte(args[2])
			case file != "":
				data, err = os.ReadFile(file)
			default:
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Put(cmd.Context(), args[1], data, env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "object env")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file")
	return cmd
}

// Keys lists object keys
func Keys() *cobra.Command {
	var env string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "keys CLUSTER",
		Short: "List the keys in the cluster's object store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			keys, err := c.Keys(cmd.Context(), env)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(keys)
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "object env")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as a JSON array")
	return cmd
}

// Delete removes objects
func Delete() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "delete CLUSTER KEY...",
		Short: "Delete objects from the cluster's object store",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Delete(cmd.Context(), args[1:], env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "object env")
	return cmd
}

func Rename() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "rename CLUSTER KEY NEW_KEY",
		Short: "Rename an object, replacing any object already at NEW_KEY",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Rename(cmd.Context(), args[1], args[2], env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "object env")
	return cmd
}

func Clear() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "clear CLUSTER",
		Short: "Delete every object in an env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Clear(cmd.Context(), env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "object env")
	return cmd
}
