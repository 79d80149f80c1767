package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/leapstack-labs/borrowck/internal/cli/output"
	bstarlark "github.com/leapstack-labs/borrowck/internal/starlark"
	"github.com/spf13/cobra"
	"go.starlark.net/starlark"
)

const (
	replPrompt         = "borrowck> "
	replContinuePrompt = "     ...> "
)

// NewREPLCommand creates the repl command.
func NewREPLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive Starlark session against one engine",
		Long: `Start an interactive session where every builtin (bind, move, borrow, read,
write, push_scope, ...) is applied to one long-lived ownership engine.

Expressions print their value. Blocks ending in ':' continue until an empty line.
Type .help for session commands.`,
		Example: `  borrowck repl
  borrowck> bind("v", "hello", mut=True)
  borrowck> borrow("v", "mutable", as_="m")
  borrowck> .state`,
		Args: cobra.NoArgs,
		RunE: runREPL,
	}
}

func runREPL(cmd *cobra.Command, _ []string) error {
	cmdCtx := NewCommandContextWithoutStore(cmd)

	historyFile := ""
	if cmdCtx.Cfg.StatePath != ":memory:" {
		historyFile = filepath.Join(filepath.Dir(cmdCtx.Cfg.StatePath), "repl_history")
		_ = os.MkdirAll(filepath.Dir(historyFile), 0o750)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     historyFile,
		AutoComplete:    newREPLCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "borrowck REPL: one engine for the whole session")
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(cmd.OutOrStdout())

	return newREPL(cmd, cmdCtx).loop(cmd.Context(), rl)
}

// lineReader is the part of readline the loop needs.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

type repl struct {
	driver *bstarlark.Driver
	r      *output.Renderer
	out    io.Writer
	errOut io.Writer
}

func newREPL(cmd *cobra.Command, cmdCtx *CommandContext) *repl {
	return &repl{
		driver: bstarlark.NewDriver(bstarlark.Config{
			Logger: cmdCtx.Logger,
			Stdout: cmd.OutOrStdout(),
		}),
		r:      cmdCtx.Renderer,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}
}

func (p *repl) loop(ctx context.Context, lr lineReader) error {
	var block strings.Builder
	for {
		line, err := lr.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			block.Reset()
			lr.SetPrompt(replPrompt)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		// Accumulate an indented block until an empty line
		if block.Len() > 0 {
			if strings.TrimSpace(line) != "" {
				block.WriteString(line + "\n")
				continue
			}
			lr.SetPrompt(replPrompt)
			input := block.String()
			block.Reset()
			p.eval(ctx, input)
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, ".") {
			if quit := p.dotCommand(ctx, trimmed); quit {
				return nil
			}
			continue
		}
		if strings.HasSuffix(trimmed, ":") {
			block.WriteString(line + "\n")
			lr.SetPrompt(replContinuePrompt)
			continue
		}
		p.eval(ctx, trimmed)
	}
}

func (p *repl) eval(ctx context.Context, input string) {
	v, err := p.driver.Eval(ctx, input)
	if err != nil {
		_, _ = fmt.Fprintf(p.errOut, "Error: %v\n", err)
		return
	}
	if v != nil && v != starlark.None {
		_, _ = fmt.Fprintln(p.out, v.String())
	}
}

// dotCommand runs a session command and reports whether to quit.
func (p *repl) dotCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit":
		return true

	case ".help":
		printREPLHelp(p.out)

	case ".state":
		if err := p.r.Snapshot(p.driver.Engine().Snapshot()); err != nil {
			_, _ = fmt.Fprintf(p.errOut, "Error: %v\n", err)
		}

	case ".steps":
		for _, sr := range p.driver.Result().Steps {
			status := "passed"
			if !sr.Passed {
				status = "failed"
			}
			detail := string(sr.Outcome)
			if sr.Diagnostic != nil {
				detail = sr.Diagnostic.Error()
			}
			p.r.StatusLine(fmt.Sprintf("%d. %s", sr.Index, sr.Step), status, detail)
		}

	case ".reset":
		p.driver.Reset()
		_, _ = fmt.Fprintln(p.out, "engine reset")

	case ".load":
		if len(parts) < 2 {
			_, _ = fmt.Fprintln(p.errOut, "Usage: .load <script.star>")
			return false
		}
		src, err := os.ReadFile(parts[1]) //nolint:gosec // G304: the user names the script
		if err != nil {
			_, _ = fmt.Fprintf(p.errOut, "Error: %v\n", err)
			return false
		}
		if err := p.driver.ExecFile(ctx, parts[1], src); err != nil {
			_, _ = fmt.Fprintf(p.errOut, "Error: %v\n", err)
		}

	default:
		_, _ = fmt.Fprintf(p.errOut, "Unknown command: %s (type .help for commands)\n", parts[0])
	}
	return false
}

func printREPLHelp(w io.Writer) {
	help := `
Commands:
  .help           Show this help message
  .state          Show scopes, bindings, values and active borrows
  .steps          List the steps applied so far
  .load <file>    Execute a Starlark script in this session
  .reset          Start over with a fresh engine
  .quit / .exit   Exit the REPL

Builtins:
  bind(name, value, kind="move", mut=False)   move(src, dst)   copy(src, dst)
  clone(src, dst)   borrow(target, kind="shared", as_=None, scope=None)
  release(borrow)   read(target)   write(target, value)   drop(target)
  push_scope(label)   pop_scope()   ret(src, dst)   ret_borrow(borrow)
  snapshot()

Every operation accepts expect="Kind" to assert a diagnostic.
`
	_, _ = fmt.Fprintln(w, help)
}

// newREPLCompleter completes builtin names and session commands.
func newREPLCompleter() *readline.PrefixCompleter {
	names := make([]string, 0, len(bstarlark.Predeclared()))
	for name := range bstarlark.Predeclared() {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]readline.PrefixCompleterInterface, 0, len(names)+7)
	for _, name := range names {
		items = append(items, readline.PcItem(name+"("))
	}
	items = append(items,
		readline.PcItem(".help"),
		readline.PcItem(".state"),
		readline.PcItem(".steps"),
		readline.PcItem(".load"),
		readline.PcItem(".reset"),
		readline.PcItem(".quit"),
		readline.PcItem(".exit"),
	)
	return readline.NewPrefixCompleter(items...)
}
