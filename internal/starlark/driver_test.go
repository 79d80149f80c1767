package starlark

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leapstack-labs/borrowck/internal/testutil"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

// Starlark renditions of the core built-in scenarios.
var coreScripts = map[string]string{
	"move-invalidates-source": `
bind("v1", "hello")
move("v1", "v2")
r = read("v1", expect="UseAfterMove")
if r.ok:
    fail("read after move succeeded")
read("v2", want="hello")
`,
	"shared-borrows-block-mutable": `
bind("v", "hello", mut=True)
borrow("v", as_="r1")
borrow("v", as_="r2")
borrow("v", "mutable", expect="BorrowConflict")
release("r1")
release("r2")
borrow("v", "mutable", as_="m")
`,
	"mutable-blocks-shared": `
bind("v", "hello", mut=True)
borrow("v", "mutable", as_="m")
borrow("v", "shared", expect="BorrowConflict")
borrow("v", "mutable", expect="DoubleMutableBorrow")
`,
	"borrow-outliving-owner": `
push_scope("s1")
bind("v", "hello")
push_scope("s2")
borrow("v", scope="root", expect="Dangling")
borrow("v", scope="s1", as_="r")
read("r", want="hello")
`,
	"copy-assignment": `
push_scope()
bind("a", 5, kind="copy")
copy("a", "b", mut=True)
write("b", 6)
read("a", want=5)
read("b", want=6)
`,
	"scope-exit-releases-borrow": `
bind("v", "hello", mut=True)
push_scope()
borrow("v", "mutable", as_="m")
write("m", "hello, world")
write("v", "changed", expect="BorrowWriteConflict")
pop_scope()
write("v", "goodbye")
read("v", want="goodbye")
`,
}

func TestRunSource_CoreScripts(t *testing.T) {
	for name, src := range coreScripts {
		t.Run(name, func(t *testing.T) {
			res, err := RunSource(context.Background(), name+".star", []byte(src), Config{Logger: testutil.NewTestLogger(t)})
			require.NoError(t, err)
			for _, f := range res.FailedSteps() {
				t.Errorf("step %d (%s): %s", f.Index, f.Step, f.Message)
			}
			assert.True(t, res.Passed)
			assert.Equal(t, name, res.Scenario)
			assert.NotEmpty(t, res.Steps)
		})
	}
}

func TestRunSource_BranchOnDiagnostics(t *testing.T) {
	src := `
bind("s", "hello", mut=True)
borrow("s", as_="r1")
borrow("s", as_="r2")
r = borrow("s", "mutable", expect="BorrowConflict")
print(r.ok, r.kind, r.state)
if not r.ok:
    release("r1")
    release("r2")
print(borrow("s", "mutable").ok)
`
	res, err := RunSource(context.Background(), "branch.star", []byte(src), Config{})
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Equal(t, []string{"False BorrowConflict Shared(2)", "True"}, res.Output)
	require.Len(t, res.Steps, 7)
	assert.Equal(t, 1, res.Diagnostics)
	assert.Equal(t, 5, res.Steps[3].Step.Line)
	assert.Equal(t, 4, res.Steps[3].Index)
}

func TestRunSource_UnexpectedDiagnosticFailsResult(t *testing.T) {
	src := `
bind("v", 1)
move("v", "w")
r = read("v")
print(r.ok)
`
	res, err := RunSource(context.Background(), "unexpected.star", []byte(src), Config{})
	require.NoError(t, err, "diagnostics are results, not script errors")

	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.Failures)
	require.Len(t, res.Unexpected(), 1)
	assert.Equal(t, ownership.UseAfterMove, res.Unexpected()[0].Kind)
	assert.Equal(t, []string{"False"}, res.Output)
}

func TestRunSource_ScriptErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		line    int // 0 means any line
		message string
		partial int
	}{
		{
			name:    "fail",
			src:     "bind(\"x\", 1)\nfail(\"boom\")\n",
			line:    2,
			message: "boom",
			partial: 1,
		},
		{
			name: "syntax",
			src:  "bind(\"x\",\n",
		},
		{
			name:    "undefined name",
			src:     "bind(\"x\", 1)\nnope()\n",
			line:    2,
			message: "undefined: nope",
		},
		{
			name:    "unknown diagnostic kind",
			src:     "bind(\"x\", 1, expect=\"Segfault\")\n",
			line:    1,
			message: "unknown diagnostic kind",
		},
		{
			name:    "invalid borrow kind",
			src:     "bind(\"x\", 1)\nborrow(\"x\", \"owned\")\n",
			line:    2,
			message: "invalid borrow kind",
			partial: 1,
		},
		{
			name:    "missing argument",
			src:     "move(\"x\")\n",
			line:    1,
			message: "missing argument for dst",
		},
		{
			name:    "unsupported payload",
			src:     "bind(\"f\", len)\n",
			line:    1,
			message: "cannot use builtin_function_or_method as a payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := RunSource(context.Background(), "bad.star", []byte(tt.src), Config{})
			require.Error(t, err)

			var se *ScriptError
			require.True(t, errors.As(err, &se), "expected *ScriptError, got %T", err)
			assert.Equal(t, "bad.star", se.File)
			if tt.line > 0 {
				assert.Equal(t, tt.line, se.Line)
			} else {
				assert.Positive(t, se.Line)
			}
			assert.Contains(t, se.Message, tt.message)
			assert.Contains(t, err.Error(), "bad.star:")

			require.NotNil(t, res, "partial result is returned")
			assert.False(t, res.Passed)
			assert.Len(t, res.Steps, tt.partial)
		})
	}
}

func TestRunSource_Snapshot(t *testing.T) {
	src := `
bind("s", "hello", mut=True)
borrow("s", as_="r")
snap = snapshot()
print(len(snap.scopes), len(snap.values), snap.values[0].borrow, snap.scopes[0].bindings[0].name)
`
	res, err := RunSource(context.Background(), "snap.star", []byte(src), Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1 1 Shared(1) s"}, res.Output)
	assert.Len(t, res.Final.Borrows, 1)
}

func TestRunSource_FunctionsAndReturns(t *testing.T) {
	src := `
def takes_and_gives_back(src, dst):
    push_scope("callee")
    move(src, "param")
    return ret("param", dst)

bind("s1", "hello")
r = takes_and_gives_back("s1", "s3")
print(r.ok, read("s3").value)
read("s1", expect="UseAfterMove")

def dangle():
    push_scope()
    bind("s", "hello")
    borrow("s", as_="ref")
    return ret_borrow("ref", expect="Dangling")

print(dangle().kind)
`
	res, err := RunSource(context.Background(), "functions.star", []byte(src), Config{})
	require.NoError(t, err)
	for _, f := range res.FailedSteps() {
		t.Errorf("step %d (%s): %s", f.Index, f.Step, f.Message)
	}
	assert.Equal(t, []string{"True hello", "Dangling"}, res.Output)
}

func TestRunSource_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunSource(ctx, "c.star", []byte(`bind("x", 1)`), Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSource_TimeoutStopsLoop(t *testing.T) {
	pool := NewThreadPool(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := RunSource(ctx, "loop.star", []byte("while True:\n    pass\n"), Config{Pool: pool})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, pool.Size(), "cancelled threads are not pooled")
}

func TestRunSource_ReusesPooledThreads(t *testing.T) {
	pool := NewThreadPool(4)
	for i := 0; i < 3; i++ {
		res, err := RunSource(context.Background(), "p.star", []byte(`bind("x", 1)`), Config{Pool: pool})
		require.NoError(t, err)
		assert.True(t, res.Passed)
	}
	assert.Equal(t, 1, pool.Size())
}

func TestRunScript_File(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "scripts/hello.star", "bind(\"v\", \"hi\")\nprint(read(\"v\").value)\n")

	var stdout bytes.Buffer
	res, err := RunScript(context.Background(), path, Config{Stdout: &stdout})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Scenario)
	assert.Equal(t, path, res.Source)
	assert.Equal(t, "hi\n", stdout.String())

	_, err = RunScript(context.Background(), dir+"/missing.star", Config{})
	assert.ErrorContains(t, err, "failed to read script")
}

func TestDriver_Eval(t *testing.T) {
	d := NewDriver(Config{Logger: testutil.NewTestLogger(t)})
	ctx := context.Background()

	v, err := d.Eval(ctx, `bind("s", "hi", mut=True)`)
	require.NoError(t, err)
	assert.Equal(t, starlark.True, attr(t, v, "ok"))

	v, err = d.Eval(ctx, `r = read("s")`)
	require.NoError(t, err)
	assert.Equal(t, starlark.None, v, "statements evaluate to None")
	assert.Contains(t, d.Globals(), "r")

	v, err = d.Eval(ctx, "r.value")
	require.NoError(t, err)
	assert.Equal(t, starlark.String("hi"), v)

	_, err = d.Eval(ctx, "r = 1")
	require.NoError(t, err, "globals can be rebound")
	v, err = d.Eval(ctx, "r + 1")
	require.NoError(t, err)
	assert.Equal(t, "2", v.String())

	_, err = d.Eval(ctx, "undefined_thing")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "<repl>", se.File)

	assert.Len(t, d.Result().Steps, 2)
	assert.Len(t, d.Result().Final.Values, 1)

	d.Reset()
	assert.Empty(t, d.Globals())
	assert.Empty(t, d.Result().Steps)
	assert.Empty(t, d.Engine().Snapshot().Values)
}

func TestScriptHelpers(t *testing.T) {
	assert.True(t, IsScriptFile("a/b.star"))
	assert.True(t, IsScriptFile("B.STAR"))
	assert.False(t, IsScriptFile("b.yaml"))
	assert.Equal(t, "b", ScriptName("a/b.star"))
}

func TestScriptError_Format(t *testing.T) {
	err := &ScriptError{File: "x.star", Line: 3, Col: 5, Message: "boom"}
	assert.Equal(t, "x.star:3:5: boom", err.Error())

	err = &ScriptError{File: "x.star", Message: "boom"}
	assert.Equal(t, "x.star: boom", err.Error())

	cause := errors.New("cause")
	assert.ErrorIs(t, NewScriptError("y.star", cause), cause)
}
