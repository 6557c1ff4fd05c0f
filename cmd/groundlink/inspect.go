package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/msglog"
)

type inspectOptions struct {
	profile string
	limit   int
}

func newInspectCmd() *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the entries of a recorded segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := loadProfile(opts.profile)
			if err != nil {
				return err
			}

			return inspectSegment(cmd.OutOrStdout(), profile, args[0], opts.limit)
		},
	}

	cmd.Flags().StringVar(&opts.profile, "profile", "", "protocol profile file (default is the built-in profile)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "stop after this many entries (0 means all)")

	return cmd
}

func inspectSegment(out io.Writer, profile *mavlink.Profile, path string, limit int) error {
	r, err := msglog.OpenReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	count := 0
	for limit <= 0 || count < limit {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, msglog.ErrTruncated) {
			// A torn tail is what a crash mid-write leaves behind; everything before it is intact.
			fmt.Fprintf(out, "segment ends with a partial record: %v\n", err)
			break
		}
		if err != nil {
			return fmt.Errorf("entry %d: %w", count+1, err)
		}
		fmt.Fprintln(out, formatEntry(profile, e))
		count++
	}
	fmt.Fprintf(out, "%d entries\n", count)

	return nil
}
