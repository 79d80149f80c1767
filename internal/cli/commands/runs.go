package commands

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/borrowck/internal/cli/output"
	"github.com/leapstack-labs/borrowck/internal/state"
	"github.com/spf13/cobra"
)

// DefaultRunsLimit is how many runs `runs` lists by default.
const DefaultRunsLimit = 20

// NewRunsCommand creates the runs command and its subcommands.
func NewRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recorded check runs",
		Long: `List the check runs recorded in the state database, newest first.

Runs come from the check command, the HTTP server and watch mode.`,
		Example: `  # List recent runs
  borrowck runs

  # Show one run with its results and diagnostics
  borrowck runs show 3f2a...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRunsList(cmd, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", DefaultRunsLimit, "Maximum runs to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one run with its results and diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(cmd, args[0])
		},
	})

	return cmd
}

func runRunsList(cmd *cobra.Command, limit int) error {
	cmdCtx := NewCommandContextWithoutStore(cmd)
	store, err := openStore(cmd, cmdCtx.Cfg, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	return cmdCtx.Renderer.Runs(runs)
}

func runRunsShow(cmd *cobra.Command, id string) error {
	cmdCtx := NewCommandContextWithoutStore(cmd)
	store, err := openStore(cmd, cmdCtx.Cfg, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	detail, err := loadRunDetail(cmd, store, id)
	if err != nil {
		return err
	}
	return cmdCtx.Renderer.RunDetail(detail)
}

func loadRunDetail(cmd *cobra.Command, store state.Store, id string) (output.RunDetailOutput, error) {
	ctx := cmd.Context()
	run, err := store.GetRun(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return output.RunDetailOutput{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return output.RunDetailOutput{}, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	results, err := store.GetResults(ctx, id)
	if err != nil {
		return output.RunDetailOutput{}, fmt.Errorf("failed to load results of run %s: %w", id, err)
	}
	detail := output.RunDetailOutput{Run: run, Results: make([]output.RunResultOutput, 0, len(results))}
	for _, res := range results {
		diags, err := store.GetDiagnostics(ctx, res.ID)
		if err != nil {
			return output.RunDetailOutput{}, fmt.Errorf("failed to load diagnostics of %s: %w", res.Scenario, err)
		}
		detail.Results = append(detail.Results, output.RunResultOutput{ResultRecord: res, Diagnostics: diags})
	}
	return detail, nil
}
