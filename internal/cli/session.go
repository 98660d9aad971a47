package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/session"
)

// ProjectOptions holds the project scope shared by session and history
// subcommands.
type ProjectOptions struct {
	*RootOptions
	Project string // project directory; defaults to the working directory
}

// project returns the absolute project path sessions are scoped to.
func (o *ProjectOptions) project() (string, error) {
	p := o.Project
	if p == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", WrapExitError(ExitCommandError, "failed to resolve working directory", err)
		}
		p = wd
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid project path", err)
	}
	return abs, nil
}

// withEnv opens the environment, runs fn, and closes it.
func withEnv(opts *RootOptions, fn func(ctx context.Context, e *env) error) error {
	e, err := opts.openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(context.Background(), e)
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProjectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and reshape conversation sessions",
	}
	cmd.PersistentFlags().StringVar(&opts.Project, "project", "", "project directory (default: working directory)")

	cmd.AddCommand(
		newSessionCreateCommand(opts),
		newSessionListCommand(opts),
		newSessionShowCommand(opts),
		newSessionResumeCommand(opts),
		newSessionSwitchCommand(opts),
		newSessionAppendCommand(opts),
		newSessionForkCommand(opts),
		newSessionMergeCommand(opts),
		newSessionCherryPickCommand(opts),
		newSessionRenameCommand(opts),
		newSessionCompactCommand(opts),
		newSessionDeleteCommand(opts),
		newSessionCleanupCommand(opts),
	)
	return cmd
}

func newSessionCreateCommand(opts *ProjectOptions) *cobra.Command {
	var name, model string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := opts.project()
			if err != nil {
				return err
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				m, err := e.sessions.Create(ctx, project, model, name)
				if err != nil {
					return opError("failed to create session", err)
				}
				return opts.formatter(cmd).Emit(m, func(w io.Writer) {
					fmt.Fprintf(w, "Created session %s (%s)\n", m.ID, m.Name)
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (default "+strconv.Quote(session.DefaultName)+")")
	cmd.Flags().StringVar(&model, "model", "", "provider/model label")
	return cmd
}

func newSessionListCommand(opts *ProjectOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if !all {
				var err error
				if project, err = opts.project(); err != nil {
					return err
				}
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				list, err := e.sessions.ListSessions(ctx, project)
				if err != nil {
					return opError("failed to list sessions", err)
				}
				if list == nil {
					list = []ir.SessionSummary{}
				}
				return opts.formatter(cmd).Emit(list, func(w io.Writer) {
					writeSessionTable(w, list)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list sessions from every project")
	return cmd
}

// writeSessionTable renders session summaries as aligned columns.
func writeSessionTable(w io.Writer, list []ir.SessionSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMESSAGES\tCONTEXT\tLINEAGE\tLAST ACTIVE")
	for _, s := range list {
		var lineage []string
		if s.ForkedFrom != nil {
			lineage = append(lineage, fmt.Sprintf("fork of %s@%d", s.ForkedFrom.SourceSessionID, s.ForkedFrom.ForkIndex))
		}
		if s.MergeCount > 0 {
			lineage = append(lineage, fmt.Sprintf("%d merges", s.MergeCount))
		}
		if s.Compacted {
			lineage = append(lineage, "compacted")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.Name, s.MessageCount, s.ActiveContextLen,
			strings.Join(lineage, ", "), s.LastActiveAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

// writeLoaded renders a session and its active context.
func writeLoaded(w io.Writer, l *session.Loaded) {
	m := l.Manifest
	fmt.Fprintf(w, "Session %s: %s\n", m.ID, m.Name)
	fmt.Fprintf(w, "  project:  %s\n", m.Project)
	fmt.Fprintf(w, "  messages: %d (context %d)\n", m.Len(), len(l.Context))
	if m.ForkedFrom != nil {
		fmt.Fprintf(w, "  forked:   from %s at %d\n", m.ForkedFrom.SourceSessionID, m.ForkedFrom.ForkIndex)
	}
	if m.Compaction != nil {
		fmt.Fprintf(w, "  compacted before %d\n", m.Compaction.CompactedBeforeIndex)
	}
	for _, c := range l.Context {
		label := string(c.Role)
		if c.Summary {
			label = "summary"
		}
		fmt.Fprintf(w, "\n[%s]\n%s\n", label, c.Content)
	}
}

func newSessionShowCommand(opts *ProjectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its active context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				l, err := e.sessions.Load(ctx, args[0])
				if err != nil {
					return opError("failed to load session", err)
				}
				return opts.formatter(cmd).Emit(l, func(w io.Writer) { writeLoaded(w, l) })
			})
		},
	}
}

func newSessionResumeCommand(opts *ProjectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Load the project's most recently active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := opts.project()
			if err != nil {
				return err
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				l, err := e.sessions.ResumeLast(ctx, project)
				if err != nil {
					return opError("failed to resume", err)
				}
				return opts.formatter(cmd).Emit(l, func(w io.Writer) { writeLoaded(w, l) })
			})
		},
	}
}

func newSessionSwitchCommand(opts *ProjectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <session-id>",
		Short: "Make a session the project's active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				l, err := e.sessions.Switch(ctx, args[0])
				if err != nil {
					return opError("failed to switch session", err)
				}
				return opts.formatter(cmd).Emit(l.Manifest, func(w io.Writer) {
					fmt.Fprintf(w, "Switched to %s (%s)\n", l.Manifest.ID, l.Manifest.Name)
				})
			})
		},
	}
}

func newSessionAppendCommand(opts *ProjectOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "append <session-id> <content>",
		Short: "Append a message, creating the session if needed",
		Long: `Append a message to a session. A session id of "-" creates a new
session named after the first line of the content.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := ir.Role(role)
			if !r.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid role %q", role))
			}
			project, err := opts.project()
			if err != nil {
				return err
			}
			id := args[0]
			if id == "-" {
				id = ""
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				res, err := e.sessions.AppendMessage(ctx, id, project, r, args[1])
				if err != nil {
					return opError("failed to append message", err)
				}
				return opts.formatter(cmd).Emit(res, func(w io.Writer) {
					if res.Created {
						fmt.Fprintf(w, "Created session %s\n", res.SessionID)
					}
					fmt.Fprintf(w, "Appended message %s at index %d\n", res.Message.ID, res.Index)
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(ir.RoleUser), "message role (user|assistant|system|watcher)")
	return cmd
}

func newSessionForkCommand(opts *ProjectOptions) *cobra.Command {
	var at int
	var name string
	cmd := &cobra.Command{
		Use:   "fork <session-id>",
		Short: "Fork a session at a message index",
		Long: `Create a new session holding the first --at messages of the source.
The default fork point is the end of the source session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				index := at
				if !cmd.Flags().Changed("at") {
					src, err := e.sessions.Load(ctx, args[0])
					if err != nil {
						return opError("failed to load source session", err)
					}
					index = src.Manifest.Len()
				}
				m, err := e.sessions.Fork(ctx, args[0], index, name)
				if err != nil {
					return opError("failed to fork session", err)
				}
				return opts.formatter(cmd).Emit(m, func(w io.Writer) {
					fmt.Fprintf(w, "Forked %s at %d into %s (%s)\n", args[0], index, m.ID, m.Name)
				})
			})
		},
	}
	cmd.Flags().IntVar(&at, "at", 0, "number of messages to keep (default: all)")
	cmd.Flags().StringVar(&name, "name", "", `fork name (default "Fork of <source name>")`)
	return cmd
}

func newSessionMergeCommand(opts *ProjectOptions) *cobra.Command {
	var indices []int
	cmd := &cobra.Command{
		Use:   "merge <target-id> <source-id>",
		Short: "Append selected messages of another session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				n, err := e.sessions.Merge(ctx, args[0], args[1], indices)
				if err != nil {
					return opError("failed to merge", err)
				}
				return opts.formatter(cmd).Emit(map[string]any{"merged": len(indices), "len": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Merged %d message(s) from %s; %s now has %d\n", len(indices), args[1], args[0], n)
				})
			})
		},
	}
	cmd.Flags().IntSliceVar(&indices, "indices", nil, "source message indices, in order (required)")
	_ = cmd.MarkFlagRequired("indices")
	return cmd
}

func newSessionCherryPickCommand(opts *ProjectOptions) *cobra.Command {
	var index, contextCount int
	cmd := &cobra.Command{
		Use:   "cherry-pick <target-id> <source-id>",
		Short: "Append one message of another session with preceding context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				picked, err := e.sessions.CherryPick(ctx, args[0], args[1], index, contextCount)
				if err != nil {
					return opError("failed to cherry-pick", err)
				}
				return opts.formatter(cmd).Emit(map[string]any{"indices": picked}, func(w io.Writer) {
					fmt.Fprintf(w, "Cherry-picked %v from %s into %s\n", picked, args[1], args[0])
				})
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "source message index (required)")
	cmd.Flags().IntVar(&contextCount, "context", 0, "preceding messages to include")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func newSessionRenameCommand(opts *ProjectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				if err := e.sessions.Rename(ctx, args[0], args[1]); err != nil {
					return opError("failed to rename session", err)
				}
				return opts.formatter(cmd).Emit(map[string]string{"id": args[0], "name": args[1]}, func(w io.Writer) {
					fmt.Fprintf(w, "Renamed %s to %q\n", args[0], args[1])
				})
			})
		},
	}
}

func newSessionCompactCommand(opts *ProjectOptions) *cobra.Command {
	var summary string
	var before int
	var clearOnly bool
	cmd := &cobra.Command{
		Use:   "compact <session-id>",
		Short: "Replace the oldest context with a summary",
		Long: `Replace messages before --before with --summary in the active context.
Messages stay in the manifest. --clear removes the compaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clearOnly && !cmd.Flags().Changed("before") {
				return NewExitError(ExitCommandError, "--before is required unless --clear is set")
			}
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				var err error
				if clearOnly {
					err = e.sessions.ClearCompaction(ctx, args[0])
				} else {
					err = e.sessions.Compact(ctx, args[0], summary, before)
				}
				if err != nil {
					return opError("failed to compact session", err)
				}
				return opts.formatter(cmd).Emit(map[string]any{"id": args[0], "compacted_before": before, "cleared": clearOnly}, func(w io.Writer) {
					if clearOnly {
						fmt.Fprintf(w, "Cleared compaction on %s\n", args[0])
						return
					}
					fmt.Fprintf(w, "Compacted %s before index %d\n", args[0], before)
				})
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary text")
	cmd.Flags().IntVar(&before, "before", 0, "compaction boundary index")
	cmd.Flags().BoolVar(&clearOnly, "clear", false, "remove the session's compaction")
	return cmd
}

func newSessionDeleteCommand(opts *ProjectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session manifest",
		Long: `Delete a session manifest. Message records stay until
"convo session cleanup" removes the ones no session references.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				if err := e.sessions.Delete(ctx, args[0]); err != nil {
					return opError("failed to delete session", err)
				}
				return opts.formatter(cmd).Emit(map[string]string{"id": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s\n", args[0])
				})
			})
		},
	}
}

func newSessionCleanupCommand(opts *ProjectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove messages no session references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts.RootOptions, func(ctx context.Context, e *env) error {
				removed, err := e.sessions.CleanupOrphans(ctx)
				if err != nil {
					return opError("failed to clean up", err)
				}
				return opts.formatter(cmd).Emit(map[string]int{"removed": removed}, func(w io.Writer) {
					fmt.Fprintf(w, "Removed %d orphaned message(s)\n", removed)
				})
			})
		},
	}
}
