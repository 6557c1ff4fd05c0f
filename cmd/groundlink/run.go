package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skobkin/groundlink/internal/app"
)

type runOptions struct {
	configPath string
	serial     []string
	udp        []string
	replay     []string
	listen     string
	noAPI      bool
	noRecord   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ground-station core",
		Long: `Start the configured sources plus any given on the command line, record every
message and serve the operator API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCore(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default is the user config dir)")
	flags.StringArrayVar(&opts.serial, "serial", nil, "serial source PATH[:BAUD], repeatable")
	flags.StringArrayVar(&opts.udp, "udp", nil, "udp source LOCAL[,PEER], repeatable")
	flags.StringArrayVar(&opts.replay, "replay", nil, "paced replay of a recorded segment, repeatable")
	flags.StringVar(&opts.listen, "listen", "", "operator API listen address")
	flags.BoolVar(&opts.noAPI, "no-api", false, "do not serve the operator API")
	flags.BoolVar(&opts.noRecord, "no-record", false, "do not record messages")

	return cmd
}

func runCore(cmd *cobra.Command, opts runOptions) error {
	extra, err := sourcesFromFlags(opts.serial, opts.udp, opts.replay)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := app.Initialize(ctx, app.Options{
		ConfigPath:      opts.configPath,
		ExtraSources:    extra,
		DisableAPI:      opts.noAPI,
		DisableRecorder: opts.noRecord,
		Listen:          opts.listen,
	})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	if len(rt.Config.Sources) == 0 {
		rt.LogManager.Logger("cli").Warn("no sources configured; add them with --serial, --udp or the API")
	}

	return rt.Run(ctx)
}
