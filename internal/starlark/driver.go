package starlark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// ScriptExt is the file extension of Starlark scenario scripts.
const ScriptExt = ".star"

// IsScriptFile reports whether path names a Starlark script.
func IsScriptFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ScriptExt)
}

// ScriptName derives a result name from a script path.
func ScriptName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Config configures a Driver.
type Config struct {
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// Pool supplies threads (optional, a private pool is created if nil)
	Pool *ThreadPool
	// EngineOptions are applied to every engine the driver creates
	EngineOptions []ownership.Option
	// Stdout receives print output in addition to the result log (optional)
	Stdout io.Writer
}

// Driver executes Starlark against one engine. Each operation builtin
// becomes a scenario step applied through a Replayer, so scripts and YAML
// scenarios share name resolution and judging. A Driver is not safe for
// concurrent use.
type Driver struct {
	cfg      Config
	logger   *slog.Logger
	pool     *ThreadPool
	replayer *scenario.Replayer
	result   *scenario.Result
	globals  starlark.StringDict
}

// NewDriver creates a driver with a fresh engine.
func NewDriver(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool := cfg.Pool
	if pool == nil {
		pool = NewThreadPool(1)
	}
	d := &Driver{cfg: cfg, logger: logger, pool: pool}
	d.Reset()
	return d
}

// Reset discards the engine, globals and recorded steps.
func (d *Driver) Reset() {
	opts := append([]ownership.Option{ownership.WithLogger(d.logger)}, d.cfg.EngineOptions...)
	d.replayer = scenario.NewReplayer(ownership.New(opts...), d.logger)
	d.result = &scenario.Result{Passed: true}
	d.globals = make(starlark.StringDict)
}

// Engine returns the engine scripts operate on.
func (d *Driver) Engine() *ownership.Engine {
	return d.replayer.Engine()
}

// Replayer returns the replayer resolving script names.
func (d *Driver) Replayer() *scenario.Replayer {
	return d.replayer
}

// Result returns the steps recorded so far with the current final state.
func (d *Driver) Result() *scenario.Result {
	d.result.Final = d.Engine().Snapshot()
	return d.result
}

// Globals returns the names defined by executed code.
func (d *Driver) Globals() starlark.StringDict {
	return d.globals
}

func (d *Driver) apply(s scenario.Step) scenario.StepResult {
	sr := d.replayer.Apply(s)
	d.result.Add(sr)
	return d.result.Steps[len(d.result.Steps)-1]
}

func (d *Driver) print(msg string) {
	d.result.Output = append(d.result.Output, msg)
	if d.cfg.Stdout != nil {
		fmt.Fprintln(d.cfg.Stdout, msg)
	}
}

// env returns the builtins overlaid with names defined so far.
func (d *Driver) env() starlark.StringDict {
	env := Predeclared()
	for k, v := range d.globals {
		env[k] = v
	}
	return env
}

// ExecFile executes a script. Names it defines stay visible to later calls.
func (d *Driver) ExecFile(ctx context.Context, filename string, src []byte) error {
	return d.run(ctx, filename, func(thread *starlark.Thread) error {
		globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, src, d.env())
		for k, v := range globals {
			d.globals[k] = v
		}
		return err
	})
}

// Eval evaluates one REPL input. Expressions return their value;
// statements are executed and return None.
func (d *Driver) Eval(ctx context.Context, input string) (starlark.Value, error) {
	const filename = "<repl>"
	var result starlark.Value = starlark.None
	err := d.run(ctx, filename, func(thread *starlark.Thread) error {
		v, err := starlark.EvalOptions(fileOptions, thread, filename, input, d.env())
		var se syntax.Error
		if err == nil || !errors.As(err, &se) {
			if v != nil {
				result = v
			}
			return err
		}
		globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, input, d.env())
		for k, v := range globals {
			d.globals[k] = v
		}
		return err
	})
	return result, err
}

// run executes fn on a pooled thread bound to this driver. Cancelling ctx
// cancels the thread; cancelled threads are not returned to the pool.
func (d *Driver) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("script %s not started: %w", name, err)
	}

	thread := d.pool.Get(name, d.print)
	thread.SetLocal(driverKey, d)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})

	err := fn(thread)
	if stop() {
		d.pool.Put(thread)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("script %s interrupted: %w", name, ctxErr)
		}
		return NewScriptError(name, err)
	}
	return nil
}

// RunScript executes the script at path against a fresh engine.
func RunScript(ctx context.Context, path string, cfg Config) (*scenario.Result, error) {
	src, err := os.ReadFile(path) //nolint:gosec // G304: script paths are chosen by the user
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return RunSource(ctx, path, src, cfg)
}

// RunSource executes script source against a fresh engine and returns the
// recorded steps as a scenario result. On a script error the partial
// result is returned together with the error.
func RunSource(ctx context.Context, filename string, src []byte, cfg Config) (*scenario.Result, error) {
	name := ScriptName(filename)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Logger = logger.With(slog.String("scenario", name))

	d := NewDriver(cfg)
	start := time.Now()
	err := d.ExecFile(ctx, filename, src)

	res := d.Result()
	res.Scenario = name
	res.Source = filename
	res.Duration = time.Since(start)
	if err != nil {
		res.Passed = false
		cfg.Logger.Debug("script failed", slog.String("error", err.Error()))
		return res, err
	}

	cfg.Logger.Debug("script executed",
		slog.Bool("passed", res.Passed),
		slog.Int("steps", len(res.Steps)),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// ScriptError is a Starlark syntax, resolution or runtime error with the
// script position it was raised at.
type ScriptError struct {
	File      string
	Line      int
	Col       int
	Message   string
	Backtrace string
	Err       error
}

func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// NewScriptError converts an error returned by the interpreter.
func NewScriptError(file string, err error) *ScriptError {
	se := &ScriptError{File: file, Message: err.Error(), Err: err}

	var evalErr *starlark.EvalError
	var syntaxErr syntax.Error
	var resolveErrs resolve.ErrorList

	switch {
	case errors.As(err, &evalErr):
		se.Message = evalErr.Msg
		se.Backtrace = evalErr.Backtrace()
		// innermost frame with a source position; builtins have none
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			pos := evalErr.CallStack[i].Pos
			if pos.Line > 0 {
				se.File = pos.Filename()
				se.Line = int(pos.Line)
				se.Col = int(pos.Col)
				break
			}
		}
	case errors.As(err, &syntaxErr):
		se.Message = syntaxErr.Msg
		se.Line = int(syntaxErr.Pos.Line)
		se.Col = int(syntaxErr.Pos.Col)
	case errors.As(err, &resolveErrs) && len(resolveErrs) > 0:
		first := resolveErrs[0]
		se.Message = first.Msg
		se.Line = int(first.Pos.Line)
		se.Col = int(first.Pos.Col)
	}
	return se
}
