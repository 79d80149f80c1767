// Package runner checks many scenarios and scripts concurrently, each
// against its own engine, and optionally records the run in a state store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/internal/starlark"
	"github.com/leapstack-labs/borrowck/internal/state"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent jobs when Config.Parallelism is unset.
const DefaultParallelism = 4

// Job is one unit of work: a parsed scenario or a Starlark script.
type Job struct {
	Name     string
	Scenario *scenario.Scenario
	// Script is the path of a .star file. Source, when set, is used
	// instead of reading the file.
	Script string
	Source []byte
}

// ScenarioJob wraps a parsed scenario.
func ScenarioJob(sc *scenario.Scenario) Job {
	return Job{Name: sc.Name, Scenario: sc}
}

// ScriptJob wraps a Starlark script file.
func ScriptJob(path string) Job {
	return Job{Name: starlark.ScriptName(path), Script: path}
}

// IsScript reports whether the job runs a Starlark script.
func (j Job) IsScript() bool {
	return j.Scenario == nil
}

// Outcome is the result of one job. Err is set when the job could not run
// to completion (a script error or cancellation); Result may still hold
// the steps applied before it stopped.
type Outcome struct {
	Job    Job
	Result *scenario.Result
	Err    error
}

// Passed reports whether the job ran and met every expectation.
func (o Outcome) Passed() bool {
	return o.Err == nil && o.Result != nil && o.Result.Passed
}

// Report collects the outcomes of a run in input order.
type Report struct {
	RunID    string
	Outcomes []Outcome
	Passed   int
	Failed   int
	Errored  int
	Duration time.Duration
}

// Total is the number of jobs in the report.
func (r *Report) Total() int {
	return len(r.Outcomes)
}

// OK reports whether every job passed.
func (r *Report) OK() bool {
	return r.Failed == 0 && r.Errored == 0
}

// Failing returns the outcomes that fail the run under filter.
func (r *Report) Failing(filter FailFilter) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if filter.Fails(o) {
			out = append(out, o)
		}
	}
	return out
}

// Run origins recorded with persisted runs.
const (
	OriginCLI   = "cli"
	OriginAPI   = "api"
	OriginWatch = "watch"
)

// Config configures a Runner.
type Config struct {
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// Parallelism bounds concurrent jobs (DefaultParallelism if <= 0)
	Parallelism int
	// Store records runs when set
	Store state.Store
	// Origin is recorded with persisted runs (OriginCLI if empty)
	Origin string
	// Pool is shared by every script job (a pool of Parallelism if nil)
	Pool *starlark.ThreadPool
	// EngineOptions are applied to each job's engine
	EngineOptions []ownership.Option
	// OnComplete is called with every finished report
	OnComplete func(*Report)
}

// Runner checks jobs concurrently.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	pool   *starlark.ThreadPool
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Origin == "" {
		cfg.Origin = OriginCLI
	}
	pool := cfg.Pool
	if pool == nil {
		pool = starlark.NewThreadPool(cfg.Parallelism)
	}
	return &Runner{cfg: cfg, logger: logger, pool: pool}
}

// Run checks every job and returns the report in input order. Job
// failures are part of the report; the error is non-nil only when the run
// was cancelled or could not be recorded.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Report, error) {
	start := time.Now()
	report := &Report{Outcomes: make([]Outcome, len(jobs))}

	var run *state.Run
	if r.cfg.Store != nil {
		var err error
		run, err = r.cfg.Store.CreateRun(ctx, r.cfg.Origin)
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
		report.RunID = run.ID
	}

	r.logger.Info("checking scenarios",
		slog.Int("jobs", len(jobs)),
		slog.Int("parallelism", r.cfg.Parallelism))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i, job := range jobs {
		g.Go(func() error {
			report.Outcomes[i] = r.runJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range report.Outcomes {
		switch {
		case o.Err != nil:
			report.Errored++
		case o.Passed():
			report.Passed++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(start)
	runErr := ctx.Err()

	if run != nil {
		if err := r.record(context.WithoutCancel(ctx), run.ID, report, runErr); err != nil {
			return report, err
		}
	}

	r.logger.Info("check complete",
		slog.Int("passed", report.Passed),
		slog.Int("failed", report.Failed),
		slog.Int("errored", report.Errored),
		slog.Duration("duration", report.Duration))

	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(report)
	}
	if runErr != nil {
		return report, fmt.Errorf("check interrupted: %w", runErr)
	}
	return report, nil
}

func (r *Runner) runJob(ctx context.Context, job Job) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Job: job, Err: fmt.Errorf("%s not started: %w", job.Name, err)}
	}

	if !job.IsScript() {
		res, err := scenario.Run(ctx, job.Scenario, scenario.Config{
			Logger:        r.logger,
			EngineOptions: r.cfg.EngineOptions,
		})
		return Outcome{Job: job, Result: res, Err: err}
	}

	cfg := starlark.Config{
		Logger:        r.logger,
		Pool:          r.pool,
		EngineOptions: r.cfg.EngineOptions,
	}
	var (
		res *scenario.Result
		err error
	)
	if job.Source != nil {
		res, err = starlark.RunSource(ctx, job.Script, job.Source, cfg)
	} else {
		res, err = starlark.RunScript(ctx, job.Script, cfg)
	}
	if err != nil {
		r.logger.Debug("script failed", slog.String("script", job.Script), slog.String("error", err.Error()))
	}
	return Outcome{Job: job, Result: res, Err: err}
}

// record saves every outcome in input order and completes the run.
func (r *Runner) record(ctx context.Context, runID string, report *Report, runErr error) error {
	store := r.cfg.Store
	var errs []error
	for i, o := range report.Outcomes {
		res := o.Result
		if res == nil {
			res = &scenario.Result{Scenario: o.Job.Name, Source: o.Job.Script}
		}
		if _, err := store.SaveResult(ctx, runID, i, res, o.Err); err != nil {
			errs = append(errs, err)
		}
	}

	status := state.RunStatusPassed
	var msg string
	switch {
	case runErr != nil:
		status = state.RunStatusCancelled
		msg = runErr.Error()
	case !report.OK():
		status = state.RunStatusFailed
		msg = fmt.Sprintf("%d of %d scenarios failed", report.Failed+report.Errored, report.Total())
	}
	if err := store.CompleteRun(ctx, runID, status, msg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to record run %s: %w", runID, err)
	}
	return nil
}
