// Package cli implements the convo command line.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/convo/internal/blob"
	"github.com/roach88/convo/internal/config"
	"github.com/roach88/convo/internal/history"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/logging"
	"github.com/roach88/convo/internal/session"
	"github.com/roach88/convo/internal/store"
	"github.com/roach88/convo/internal/watch"
	"github.com/roach88/convo/internal/watcher"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	DataDir    string
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the convo CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "convo",
		Short: "Conversation sessions, history and watchers",
		Long: `convo stores conversations as append-only messages referenced by
session manifests, so sessions can be forked, merged, cherry-picked and
compacted without copying content.`,
		Version:       ir.ToolVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (default $CONVO_DATA_DIR or the user data dir)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default <data-dir>/config.yaml)")

	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter returns the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig resolves configuration: defaults, then the config file, then
// the environment, then flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	path := o.ConfigPath
	if path == "" && o.DataDir != "" {
		path = filepath.Join(o.DataDir, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.Verbose {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func loggerFor(cfg *config.Config) (*zap.Logger, func() error, error) {
	logger, closeLog, err := logging.New(cfg)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	return logger, closeLog, nil
}

// env is the set of components a command works against.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	sessions *session.Manager
	hub      *watcher.Hub
	history  *history.Log

	closeLog func() error
}

// openEnv loads configuration and opens the stores under the data directory.
func (o *RootOptions) openEnv() (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := loggerFor(cfg)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, closeLog: closeLog}

	blobs, err := blob.Open(cfg.BlobDir(), blob.WithLogger(logger))
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open blob store", err)
	}
	e.store, err = store.Open(cfg.DBPath(),
		store.WithDriver(cfg.Storage.Driver),
		store.WithBlobs(blobs),
		store.WithBlobThreshold(cfg.Storage.BlobThresholdBytes),
		store.WithPreviewRunes(cfg.Storage.PreviewRunes),
		store.WithLogger(logger))
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	e.sessions = session.NewManager(e.store,
		session.WithLogger(logger),
		session.WithDetacher(session.DetacherFunc(func(id string) { e.hub.Detach(id) })))
	e.hub = watcher.NewHub(context.Background(), e.sessions, watch.NewGraph(logger),
		append(cfg.HubOptions(), watcher.WithLogger(logger))...)

	e.history, err = history.Open(cfg.HistoryPath(), history.WithLogger(logger))
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open history", err)
	}
	logger.Debug("environment opened",
		zap.String("data_dir", cfg.DataDir),
		zap.String("driver", cfg.Storage.Driver))
	return e, nil
}

// Close stops watchers, releases the database and flushes the logger.
func (e *env) Close() error {
	var err error
	if e.hub != nil {
		err = e.hub.Close()
	}
	if e.store != nil {
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}
	if e.closeLog != nil {
		if cerr := e.closeLog(); err == nil {
			err = cerr
		}
	}
	return err
}
