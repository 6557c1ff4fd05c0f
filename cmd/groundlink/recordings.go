package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/groundlink/internal/app"
	"github.com/skobkin/groundlink/internal/persistence"
)

type recordingsOptions struct {
	dbPath string
	clear  bool
}

func newRecordingsCmd() *cobra.Command {
	var opts recordingsOptions
	cmd := &cobra.Command{
		Use:   "recordings",
		Short: "List recorded segments from the catalog",
		Long: `List the segment catalog kept in the local database. --clear removes the catalog
and command history; segment files on disk are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.dbPath
			if path == "" {
				paths, err := app.ResolvePaths()
				if err != nil {
					return err
				}
				path = paths.DBFile
			}

			ctx := cmd.Context()
			db, err := persistence.Open(ctx, path)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			out := cmd.OutOrStdout()
			if opts.clear {
				if err := persistence.ClearDatabase(ctx, db); err != nil {
					return err
				}
				fmt.Fprintln(out, "history cleared")
				return nil
			}

			rows, err := persistence.NewSegmentRepo(db).List(ctx)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no recordings")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEGMENT\tSESSION\tSTARTED\tENTRIES\tSTATUS")
			for _, r := range rows {
				status := string(r.Status)
				if r.Error != "" {
					status += " (" + r.Error + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", filepath.Base(r.Path), r.Session,
					r.StartedAt.Local().Format(time.DateTime), r.Entries, status)
			}

			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "database file (default is the user data dir)")
	cmd.Flags().BoolVar(&opts.clear, "clear", false, "delete the catalog and command history")

	return cmd
}
