package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/shardxa/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the shardxa version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if verbose && info.GoVersion != "" {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", info.Module, info.Version, info.GoVersion)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include the Go toolchain version")
	return cmd
}
