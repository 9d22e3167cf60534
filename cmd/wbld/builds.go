package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wbld/backend/pkg/build"
)

func newBuildsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Browse stored builds",
	}
	cmd.AddCommand(newBuildsListCmd(a))
	return cmd
}

func newBuildsListCmd(a *app) *cobra.Command {
	var (
		page     int
		pageSize int
		oldest   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 1 || pageSize < 1 {
				return fmt.Errorf("page and page-size must be positive")
			}
			order := build.SortCreatedDesc
			if oldest {
				order = build.SortCreatedAsc
			}

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tENV\tVERSION\tSTATE\tDURATION\tCREATED")
			shown := 0
			for rec := range a.catalog.List(build.ListOptions{Sort: order, Page: page, PageSize: pageSize}) {
				duration := "-"
				if d, ok := rec.Duration(); ok {
					duration = formatDuration(d)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID(), rec.Kind(), rec.Env(), rec.Version(), rec.State(), duration,
					humanize.Time(rec.CreatedAt()))
				shown++
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			total := a.catalog.Count()
			fmt.Fprintln(a.out, dimColor.Sprintf("page %d, showing %d of %d builds", page, shown, total))
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Builds per page")
	cmd.Flags().BoolVar(&oldest, "oldest", false, "List oldest builds first")
	return cmd
}
