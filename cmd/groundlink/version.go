package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skobkin/groundlink/internal/app"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			b := app.Build()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n", app.Name, b.Version, b.Commit, b.Date)
		},
	}
}
