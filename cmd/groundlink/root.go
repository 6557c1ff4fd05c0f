package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "groundlink",
		Short: "Ground-station telemetry and telecommand core",
		Long: `groundlink ingests MAVLink telemetry from serial, UDP and recorded sources,
records every message, tracks telecommand acknowledgements and exposes an operator API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newReplayCmd(),
		newInspectCmd(),
		newPortsCmd(),
		newRecordingsCmd(),
		newVersionCmd(),
	)

	return root
}
