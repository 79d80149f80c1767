// Package commands implements the borrowck CLI commands.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/borrowck/internal/cli/config"
	"github.com/leapstack-labs/borrowck/internal/cli/output"
	"github.com/leapstack-labs/borrowck/internal/state"
	"github.com/spf13/cobra"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
	// Store is nil when recording is disabled
	Store state.Store
}

// NewCommandContext creates a CommandContext with the state store open
// when recording is enabled. Returns the context and a cleanup function
// that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cmdCtx := NewCommandContextWithoutStore(cmd)
	if !cmdCtx.Cfg.Record {
		return cmdCtx, func() {}, nil
	}
	store, err := openStore(cmd, cmdCtx.Cfg, cmdCtx.Logger)
	if err != nil {
		return nil, nil, err
	}
	cmdCtx.Store = store
	return cmdCtx, func() { _ = store.Close() }, nil
}

// NewCommandContextWithoutStore creates a CommandContext without a store.
// Useful for commands that don't touch run history.
func NewCommandContextWithoutStore(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	logger := config.GetLogger(cmd.Context())
	mode := output.Mode(cfg.OutputFormat)
	r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)

	return &CommandContext{
		Cfg:      cfg,
		Logger:   logger,
		Renderer: r,
	}
}

// getConfig returns the loaded configuration, or the defaults when the
// command runs without the root command (as in tests).
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	return config.Default()
}

// openStore opens the state database regardless of the record setting.
func openStore(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*state.SQLiteStore, error) {
	store := state.NewSQLiteStore(logger)
	if err := store.Open(cmd.Context(), cfg.StatePath); err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", cfg.StatePath, err)
	}
	return store, nil
}
