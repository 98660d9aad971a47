package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/ir"
)

// NewHistoryCommand creates the history command group.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProjectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Shared command-input history",
	}
	cmd.PersistentFlags().StringVar(&opts.Project, "project", "", "project directory (default: working directory)")

	cmd.AddCommand(
		newHistoryAddCommand(opts),
		newHistoryListCommand(opts),
		newHistorySearchCommand(opts),
	)
	return cmd
}

func newHistoryAddCommand(opts *ProjectOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Record a command input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := opts.project()
			if err != nil {
				return err
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				entry, err := e.history.Append(args[0], sessionID, project, time.Now())
				if err != nil {
					return opError("failed to record history", err)
				}
				return opts.formatter(cmd).Emit(entry, func(w io.Writer) {
					fmt.Fprintln(w, "Recorded.")
				})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session the input was typed in")
	return cmd
}

// projectFilter returns the project to filter on, or "" for every project.
func projectFilter(opts *ProjectOptions, all bool) (string, error) {
	if all {
		return "", nil
	}
	return opts.project()
}

func newHistoryListCommand(opts *ProjectOptions) *cobra.Command {
	var limit int
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List history entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectFilter(opts, all)
			if err != nil {
				return err
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				entries := e.history.Entries(project, limit)
				return opts.formatter(cmd).Emit(entries, func(w io.Writer) {
					writeHistory(w, entries)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries (0 for all)")
	cmd.Flags().BoolVar(&all, "all", false, "include every project")
	return cmd
}

func newHistorySearchCommand(opts *ProjectOptions) *cobra.Command {
	var limit int
	var all bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find history entries containing a substring (case-insensitive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectFilter(opts, all)
			if err != nil {
				return err
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				matches := []ir.HistoryEntry{}
				for entry := range e.history.Search(args[0], project) {
					matches = append(matches, entry)
					if limit > 0 && len(matches) == limit {
						break
					}
				}
				return opts.formatter(cmd).Emit(matches, func(w io.Writer) {
					writeHistory(w, matches)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum matches (0 for all)")
	cmd.Flags().BoolVar(&all, "all", false, "search every project")
	return cmd
}

func writeHistory(w io.Writer, entries []ir.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Display)
	}
}
