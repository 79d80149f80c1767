package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/internal/starlark"
	"github.com/leapstack-labs/borrowck/internal/state"
	"github.com/leapstack-labs/borrowck/internal/testutil"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failingYAML = `name: reads-moved
steps:
  - {op: bind, name: v, value: 1}
  - {op: move, from: v, to: w}
  - {op: read, target: v}
`

func loadJob(t *testing.T, src string) Job {
	t.Helper()
	scs, err := scenario.LoadBytes([]byte(src), "inline.yaml")
	require.NoError(t, err)
	require.Len(t, scs, 1)
	return ScenarioJob(scs[0])
}

func scriptJob(name, src string) Job {
	return Job{Name: name, Script: name + ".star", Source: []byte(src)}
}

func openStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	store := state.NewSQLiteStore(testutil.NewTestLogger(t))
	require.NoError(t, store.Open(context.Background(), ":memory:"))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunner_Builtin(t *testing.T) {
	jobs, err := BuiltinJobs()
	require.NoError(t, err)
	require.NotEmpty(t, jobs)

	r := New(Config{Logger: testutil.NewTestLogger(t), Parallelism: 3})
	report, err := r.Run(context.Background(), jobs)
	require.NoError(t, err)

	for _, o := range report.Outcomes {
		if !o.Passed() {
			t.Errorf("builtin %s failed: %v", o.Job.Name, o.Err)
		}
	}
	assert.True(t, report.OK())
	assert.Equal(t, len(jobs), report.Total())
	assert.Equal(t, len(jobs), report.Passed)
	assert.Empty(t, report.RunID, "no store, no run id")
}

func TestRunner_PreservesInputOrder(t *testing.T) {
	var jobs []Job
	for i := 0; i < 20; i++ {
		name := string(rune('a' + i))
		if i%2 == 0 {
			jobs = append(jobs, loadJob(t, "name: "+name+"\nsteps:\n  - {op: bind, name: v, value: 1}\n"))
		} else {
			jobs = append(jobs, scriptJob(name, `bind("v", 1)`))
		}
	}

	report, err := New(Config{Parallelism: 4}).Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, len(jobs))
	for i, o := range report.Outcomes {
		assert.Equal(t, jobs[i].Name, o.Job.Name)
		require.NotNil(t, o.Result)
		assert.Equal(t, jobs[i].Name, o.Result.Scenario)
	}
}

func TestRunner_Totals(t *testing.T) {
	jobs := []Job{
		loadJob(t, "name: ok\nsteps:\n  - {op: bind, name: v, value: 1}\n"),
		loadJob(t, failingYAML),
		scriptJob("broken", "bind(\"v\", 1)\nfail(\"boom\")\n"),
	}

	report, err := New(Config{}).Run(context.Background(), jobs)
	require.NoError(t, err, "job failures are reported, not returned")

	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Errored)
	assert.False(t, report.OK())

	broken := report.Outcomes[2]
	var se *starlark.ScriptError
	require.ErrorAs(t, broken.Err, &se)
	assert.Equal(t, 2, se.Line)
	require.NotNil(t, broken.Result)
	assert.Len(t, broken.Result.Steps, 1)
}

func TestRunner_Records(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	jobs := []Job{
		loadJob(t, "name: ok\nsteps:\n  - {op: bind, name: v, value: 1}\n"),
		loadJob(t, failingYAML),
		ScriptJob(t.TempDir() + "/missing.star"),
	}
	report, err := New(Config{Store: store, Origin: "test"}).Run(ctx, jobs)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "test", run.Origin)
	assert.Equal(t, state.RunStatusFailed, run.Status)
	assert.Equal(t, 3, run.Scenarios)
	assert.Equal(t, 2, run.Failed)
	assert.Equal(t, "2 of 3 scenarios failed", run.Error)

	results, err := store.GetResults(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0].Scenario)
	assert.Equal(t, "reads-moved", results[1].Scenario)
	assert.Equal(t, "missing", results[2].Scenario)
	assert.Contains(t, results[2].Error, "failed to read script")

	diags, err := store.GetDiagnostics(ctx, results[1].ID)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, ownership.UseAfterMove, diags[0].Kind)
}

func TestRunner_RecordsPassingRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	var completed *Report
	r := New(Config{Store: store, OnComplete: func(rep *Report) { completed = rep }})
	report, err := r.Run(ctx, []Job{scriptJob("ok", `bind("v", 1)`)})
	require.NoError(t, err)
	assert.Same(t, report, completed)

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusPassed, run.Status)
	assert.Equal(t, OriginCLI, run.Origin)
	assert.Empty(t, run.Error)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(Config{}).Run(ctx, []Job{loadJob(t, failingYAML)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Errored)
	assert.Contains(t, report.Outcomes[0].Err.Error(), "reads-moved not started")
}

func TestRunner_TimeoutStopsScripts(t *testing.T) {
	store := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := New(Config{Store: store}).Run(ctx, []Job{scriptJob("loop", "while True:\n    pass\n")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, report.Outcomes[0].Err, context.DeadlineExceeded)

	run, err := store.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCancelled, run.Status)
}

type failingStore struct {
	state.Store
	saves atomic.Int32
}

func (s *failingStore) CreateRun(context.Context, string) (*state.Run, error) {
	return &state.Run{ID: "r1"}, nil
}

func (s *failingStore) SaveResult(context.Context, string, int, *scenario.Result, error) (*state.ResultRecord, error) {
	s.saves.Add(1)
	return nil, errors.New("disk full")
}

func (s *failingStore) CompleteRun(context.Context, string, state.RunStatus, string) error {
	return nil
}

func TestRunner_RecordFailure(t *testing.T) {
	store := &failingStore{}
	jobs := []Job{scriptJob("a", `bind("v", 1)`), scriptJob("b", `bind("v", 1)`)}

	report, err := New(Config{Store: store}).Run(context.Background(), jobs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record run r1")
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, report, "the report survives a recording failure")
	assert.True(t, report.OK())
	assert.Equal(t, int32(2), store.saves.Load())
}

func TestFailFilter(t *testing.T) {
	run := func(src string) Outcome {
		scs, err := scenario.LoadBytes([]byte(src), "f.yaml")
		require.NoError(t, err)
		res, err := scenario.Run(context.Background(), scs[0], scenario.Config{})
		require.NoError(t, err)
		return Outcome{Result: res}
	}
	passing := run("name: p\nsteps:\n  - {op: bind, name: v, value: 1}\n")
	useAfterMove := run(failingYAML)
	doubleMut := run(`name: dm
steps:
  - {op: bind, name: v, value: 1, mut: true}
  - {op: borrow, target: v, kind: mutable}
  - {op: borrow, target: v, kind: mutable}
`)
	unmet := run("name: u\nsteps:\n  - {op: bind, name: v, value: 1}\n  - {op: read, target: v, expect: UseAfterMove}\n")

	tests := []struct {
		name    string
		filter  FailFilter
		outcome Outcome
		fails   bool
	}{
		{"passing never fails", nil, passing, false},
		{"empty filter fails everything", nil, useAfterMove, true},
		{"errors always fail", FailFilter{ownership.Dangling}, Outcome{Err: errors.New("x")}, true},
		{"listed kind fails", FailFilter{ownership.UseAfterMove}, useAfterMove, true},
		{"unlisted kind is tolerated", FailFilter{ownership.Dangling}, useAfterMove, false},
		{"subtype of listed kind fails", FailFilter{ownership.BorrowConflict}, doubleMut, true},
		{"unmet expectation always fails", FailFilter{ownership.Dangling}, unmet, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fails, tt.filter.Fails(tt.outcome))
		})
	}

	report := &Report{Outcomes: []Outcome{passing, useAfterMove, doubleMut}}
	assert.Len(t, report.Failing(nil), 2)
	assert.Len(t, report.Failing(FailFilter{ownership.DoubleMutableBorrow}), 1)
}
