package starlark

import (
	"fmt"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// driverKey is the thread-local slot holding the executing Driver.
const driverKey = "borrowck.driver"

// Predeclared returns the builtins available to scripts. Each operation
// builtin applies one step to the driver's engine and returns
// struct(ok, error, kind, value, state, passed).
func Predeclared() starlark.StringDict {
	return starlark.StringDict{
		"bind":       starlark.NewBuiltin("bind", bindFn),
		"bind_value": starlark.NewBuiltin("bind_value", bindValueFn),
		"move":       starlark.NewBuiltin("move", transferFn(scenario.OpMove)),
		"copy":       starlark.NewBuiltin("copy", transferFn(scenario.OpCopy)),
		"clone":      starlark.NewBuiltin("clone", transferFn(scenario.OpClone)),
		"ret":        starlark.NewBuiltin("ret", transferFn(scenario.OpReturn)),
		"borrow":     starlark.NewBuiltin("borrow", borrowFn),
		"release":    starlark.NewBuiltin("release", targetFn(scenario.OpRelease)),
		"drop":       starlark.NewBuiltin("drop", targetFn(scenario.OpDrop)),
		"read":       starlark.NewBuiltin("read", readFn),
		"write":      starlark.NewBuiltin("write", writeFn),
		"push_scope": starlark.NewBuiltin("push_scope", pushScopeFn),
		"pop_scope":  starlark.NewBuiltin("pop_scope", popScopeFn),
		"ret_borrow": starlark.NewBuiltin("ret_borrow", retBorrowFn),
		"snapshot":   starlark.NewBuiltin("snapshot", snapshotFn),
		"struct":     starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

type builtinFn = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func driverOf(thread *starlark.Thread, fn string) (*Driver, error) {
	d, ok := thread.Local(driverKey).(*Driver)
	if !ok || d == nil {
		return nil, fmt.Errorf("%s: no engine attached to this thread", fn)
	}
	return d, nil
}

// apply validates the step, records the calling line and runs it.
func apply(thread *starlark.Thread, fn string, s scenario.Step) (starlark.Value, error) {
	d, err := driverOf(thread, fn)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	if thread.CallStackDepth() > 1 {
		s.Line = int(thread.CallFrame(1).Pos.Line)
	}
	return stepToStarlark(d.apply(s)), nil
}

func bindFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name          string
		mut           bool
		value, expect starlark.Value
	)
	kind := "move"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "value?", &value, "kind?", &kind, "mut?", &mut, "expect?", &expect); err != nil {
		return nil, err
	}
	payload, err := ToGo(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	s := scenario.Step{Op: scenario.OpBind, Name: name, Value: payload, Kind: kind, Mut: mut}
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

func bindValueFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name               string
		mut                bool
		src, value, expect starlark.Value
	)
	kind := "move"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "src?", &src, "value?", &value, "kind?", &kind, "mut?", &mut, "expect?", &expect); err != nil {
		return nil, err
	}
	from, err := optString(b.Name(), "src", src)
	if err != nil {
		return nil, err
	}
	payload, err := ToGo(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	s := scenario.Step{Op: scenario.OpBindValue, Name: name, From: from, Value: payload, Kind: kind, Mut: mut}
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

// transferFn builds move, copy, clone and ret: fn(src, dst, mut=False, expect=None).
func transferFn(op scenario.Op) builtinFn {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			src, dst string
			mut      bool
			expect   starlark.Value
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"src", &src, "dst", &dst, "mut?", &mut, "expect?", &expect); err != nil {
			return nil, err
		}
		s := scenario.Step{Op: op, From: src, To: dst, Mut: mut}
		var err error
		if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
			return nil, err
		}
		return apply(thread, b.Name(), s)
	}
}

// targetFn builds release and drop: fn(target, expect=None).
func targetFn(op scenario.Op) builtinFn {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			target string
			expect starlark.Value
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &target, "expect?", &expect); err != nil {
			return nil, err
		}
		s := scenario.Step{Op: op, Target: target}
		var err error
		if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
			return nil, err
		}
		return apply(thread, b.Name(), s)
	}
}

func borrowFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		target            string
		as, scope, expect starlark.Value
	)
	kind := "shared"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"target", &target, "kind?", &kind, "as_?", &as, "scope?", &scope, "expect?", &expect); err != nil {
		return nil, err
	}
	s := scenario.Step{Op: scenario.OpBorrow, Target: target, Kind: kind}
	var err error
	if s.As, err = optString(b.Name(), "as_", as); err != nil {
		return nil, err
	}
	if s.Scope, err = optString(b.Name(), "scope", scope); err != nil {
		return nil, err
	}
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

func readFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		target       string
		want, expect starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &target, "want?", &want, "expect?", &expect); err != nil {
		return nil, err
	}
	s := scenario.Step{Op: scenario.OpRead, Target: target}
	var err error
	if want != nil && want != starlark.None {
		if s.Want, err = ToGo(want); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

func writeFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		target        string
		value, expect starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &target, "value", &value, "expect?", &expect); err != nil {
		return nil, err
	}
	payload, err := ToGo(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	s := scenario.Step{Op: scenario.OpWrite, Target: target, Value: payload}
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

func pushScopeFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var label starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "label?", &label); err != nil {
		return nil, err
	}
	as, err := optString(b.Name(), "label", label)
	if err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), scenario.Step{Op: scenario.OpPush, As: as})
}

func popScopeFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var expect starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "expect?", &expect); err != nil {
		return nil, err
	}
	s := scenario.Step{Op: scenario.OpPop}
	var err error
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

func retBorrowFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		target     string
		as, expect starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &target, "as_?", &as, "expect?", &expect); err != nil {
		return nil, err
	}
	s := scenario.Step{Op: scenario.OpReturnBorrow, Target: target}
	var err error
	if s.As, err = optString(b.Name(), "as_", as); err != nil {
		return nil, err
	}
	if s.Expect, err = parseExpect(b.Name(), expect); err != nil {
		return nil, err
	}
	return apply(thread, b.Name(), s)
}

func snapshotFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	d, err := driverOf(thread, b.Name())
	if err != nil {
		return nil, err
	}
	return SnapshotToStarlark(d.Engine().Snapshot()), nil
}

// optString accepts a string or None for an optional parameter.
func optString(fn, param string, v starlark.Value) (string, error) {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return "", nil
	case starlark.String:
		return string(v), nil
	default:
		return "", fmt.Errorf("%s: for parameter %s: got %s, want string or None", fn, param, v.Type())
	}
}

func parseExpect(fn string, v starlark.Value) (ownership.DiagnosticKind, error) {
	s, err := optString(fn, "expect", v)
	if err != nil || s == "" {
		return 0, err
	}
	kind, ok := ownership.ParseDiagnosticKind(s)
	if !ok {
		return 0, fmt.Errorf("%s: unknown diagnostic kind %q", fn, s)
	}
	return kind, nil
}
