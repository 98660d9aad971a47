package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/convo/internal/config"
	"github.com/roach88/convo/internal/store"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration file",
	}
	cmd.AddCommand(newConfigShowCommand(opts), newConfigInitCommand(opts))
	return cmd
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to encode config", err)
			}
			return opts.formatter(cmd).Emit(cfg, func(w io.Writer) {
				w.Write(data)
			})
		},
	}
}

func newConfigInitCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the config file",
		Long: `Write the effective configuration (defaults plus environment and flag
overrides) to --config, or to config.yaml in the data directory. An existing
file is kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			path := opts.configPath(cfg)
			if !force {
				if _, err := os.Stat(path); err == nil {
					return NewExitError(ExitCommandError,
						fmt.Sprintf("config file %s already exists (use --force to overwrite)", path))
				} else if !errors.Is(err, os.ErrNotExist) {
					return WrapExitError(ExitCommandError, "failed to check config file", err)
				}
			}
			if err := cfg.Save(path); err != nil {
				return WrapExitError(ExitCommandError, "failed to write config", err)
			}
			return opts.formatter(cmd).Emit(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s\n", path)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// configPath is the file the configuration is read from and written to.
func (o *RootOptions) configPath(cfg *config.Config) string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return filepath.Join(cfg.DataDir, config.FileName)
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check stored messages and manifests for corruption",
		Long: `Re-hash every stored message, including blob content, and check that
compaction boundaries fit their sessions. Orphaned messages are reported but
are not a failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts, func(ctx context.Context, e *env) error {
				report, err := e.store.Verify(ctx)
				if err != nil {
					return opError("failed to verify store", err)
				}
				if err := opts.formatter(cmd).Emit(report, func(w io.Writer) {
					writeReport(w, report)
				}); err != nil {
					return err
				}
				if !report.OK() {
					return NewExitError(ExitFailure, "store verification found problems")
				}
				return nil
			})
		},
	}
}

func writeReport(w io.Writer, r store.IntegrityReport) {
	fmt.Fprintf(w, "Sessions: %d\nMessages: %d\nOrphans:  %d\n", r.Sessions, r.Messages, r.Orphans)
	for _, id := range r.MissingBlobs {
		fmt.Fprintf(w, "missing blob: %s\n", id)
	}
	for _, id := range r.CorruptMessages {
		fmt.Fprintf(w, "corrupt message: %s\n", id)
	}
	for _, id := range r.BadCompaction {
		fmt.Fprintf(w, "bad compaction: %s\n", id)
	}
	if r.OK() {
		fmt.Fprintln(w, "OK")
	}
}
