// Package state persists check runs, their scenario results and every
// diagnostic they produced in SQLite.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
)

// ErrNotFound is returned when a run or result does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one invocation of the checker over a set of scenarios.
type Run struct {
	ID          string     `json:"id"`
	Origin      string     `json:"origin"` // cli, api, watch
	Status      RunStatus  `json:"status"`
	Scenarios   int        `json:"scenarios"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ResultRecord is a persisted scenario result without its steps.
type ResultRecord struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Position    int           `json:"position"`
	Scenario    string        `json:"scenario"`
	Source      string        `json:"source,omitempty"`
	Passed      bool          `json:"passed"`
	Steps       int           `json:"steps"`
	Failures    int           `json:"failures"`
	Diagnostics int           `json:"diagnostics"`
	Duration    time.Duration `json:"duration"`
	Output      []string      `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"` // script error that aborted the scenario
	CreatedAt   time.Time     `json:"created_at"`
}

// DiagnosticRecord is a persisted rejected or failed step.
type DiagnosticRecord struct {
	ID       int64                    `json:"id"`
	ResultID string                   `json:"result_id"`
	Step     int                      `json:"step"`
	Op       scenario.Op              `json:"op"`
	Detail   string                   `json:"detail"`
	Kind     ownership.DiagnosticKind `json:"kind,omitempty"` // zero when the step was not rejected
	Expected ownership.DiagnosticKind `json:"expected,omitempty"`
	Message  string                   `json:"message"`
	Passed   bool                     `json:"passed"`
}

// Store is the persistence interface used by the runner and server.
type Store interface {
	CreateRun(ctx context.Context, origin string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string) error
	SaveResult(ctx context.Context, runID string, position int, res *scenario.Result, runErr error) (*ResultRecord, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	GetResults(ctx context.Context, runID string) ([]*ResultRecord, error)
	GetDiagnostics(ctx context.Context, resultID string) ([]*DiagnosticRecord, error)
	Close() error
}
