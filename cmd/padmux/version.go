package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/padmux/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "padmux %s\ncommit: %s\nbuilt: %s\ncore: %s\nframework: %s\n",
				version, commit, date, config.DefaultCoreVersion, config.DefaultFrameworkVersion)
			return nil
		},
	}

	return cmd
}
