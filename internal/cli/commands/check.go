package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/leapstack-labs/borrowck/internal/runner"
	"github.com/spf13/cobra"
)

// ErrCheckFailed is returned when at least one scenario fails the run.
var ErrCheckFailed = errors.New("check failed")

// CheckOptions holds options for the check command.
type CheckOptions struct {
	Builtin bool
	Watch   bool
}

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	opts := &CheckOptions{}

	cmd := &cobra.Command{
		Use:   "check [paths...]",
		Short: "Replay scenarios and scripts against the ownership engine",
		Long: `Replay scenario files (.yaml) and Starlark scripts (.star) against a fresh
ownership engine each, and report every step that did not meet its expectation.

With no paths, everything under the configured scenarios directory is checked.
Directories are searched recursively. Runs are recorded in the state database
unless --no-record is given.

Output adapts to environment:
  - Terminal: Styled, colored output
  - Piped/Scripted: Markdown format (agent-friendly)

Use --output to override: auto, text, markdown, json`,
		Example: `  # Check the scenarios directory
  borrowck check

  # Check specific files and directories
  borrowck check scenarios/moves.yaml scripts/

  # Check the built-in scenarios
  borrowck check --builtin

  # Only fail the run on dangling references
  borrowck check --fail-on Dangling

  # Re-check whenever a scenario changes
  borrowck check --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Builtin, "builtin", false, "Check the built-in scenarios")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "Re-check when scenario files or scripts change")
	cmd.Flags().Int("parallel", 0, "Maximum scenarios replayed concurrently")
	cmd.Flags().StringSlice("fail-on", nil, "Diagnostic kinds that fail the run (default: any)")
	cmd.Flags().Bool("no-record", false, "Do not record the run in the state database")

	return cmd
}

func runCheck(cmd *cobra.Command, args []string, opts *CheckOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	paths := args
	if len(paths) == 0 && !opts.Builtin {
		if err := cmdCtx.Cfg.ValidateScenariosDir(); err != nil {
			return err
		}
		paths = []string{cmdCtx.Cfg.ScenariosDir}
	}

	r := newCheckRunner(cmdCtx, runner.OriginCLI)
	filter := runner.FailFilter(cmdCtx.Cfg.FailOn)

	if !opts.Watch {
		return checkOnce(cmd.Context(), cmdCtx, r, filter, paths, opts.Builtin)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reportErr := func(err error) {
		if err != nil && !errors.Is(err, ErrCheckFailed) {
			cmdCtx.Renderer.Error(err.Error())
		}
	}
	reportErr(checkOnce(ctx, cmdCtx, r, filter, paths, opts.Builtin))

	if len(paths) == 0 {
		return errors.New("nothing to watch: pass paths or drop --builtin")
	}
	rechecks := newCheckRunner(cmdCtx, runner.OriginWatch)
	cmdCtx.Renderer.Muted("watching for changes (Ctrl+C to stop)")
	return runner.Watch(ctx, runner.WatchConfig{
		Paths:  paths,
		Logger: cmdCtx.Logger,
	}, func(ctx context.Context, file string) {
		cmdCtx.Logger.Info("change detected", slog.String("file", file))
		cmdCtx.Renderer.Println("")
		reportErr(checkOnce(ctx, cmdCtx, rechecks, filter, paths, opts.Builtin))
	})
}

// newCheckRunner builds the runner for one kind of check; origin is
// recorded with every run it persists.
func newCheckRunner(cmdCtx *CommandContext, origin string) *runner.Runner {
	return runner.New(runner.Config{
		Logger:      cmdCtx.Logger,
		Parallelism: cmdCtx.Cfg.Parallelism,
		Store:       cmdCtx.Store,
		Origin:      origin,
	})
}

// checkOnce discovers jobs, runs them and renders the report. It returns
// ErrCheckFailed when the filter lets any failure through.
func checkOnce(ctx context.Context, cmdCtx *CommandContext, r *runner.Runner, filter runner.FailFilter, paths []string, builtin bool) error {
	jobs, err := collectJobs(paths, builtin)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return errors.New("no scenarios or scripts found")
	}

	report, runErr := r.Run(ctx, jobs)
	if report == nil {
		return runErr
	}
	if err := cmdCtx.Renderer.Report(report, filter); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if failing := report.Failing(filter); len(failing) > 0 {
		return fmt.Errorf("%w: %d of %d scenarios failed", ErrCheckFailed, len(failing), report.Total())
	}
	return nil
}

func collectJobs(paths []string, builtin bool) ([]runner.Job, error) {
	var jobs []runner.Job
	if builtin {
		b, err := runner.BuiltinJobs()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, b...)
	}
	if len(paths) > 0 {
		found, err := runner.Discover(paths...)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, found...)
	}
	return jobs, nil
}
