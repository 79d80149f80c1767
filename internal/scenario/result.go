package scenario

import (
	"time"

	"github.com/leapstack-labs/borrowck/pkg/ownership"
)

// Outcome is what the engine did with a step.
type Outcome string

// Step outcomes.
const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
)

// StepResult is the outcome of one replayed step.
type StepResult struct {
	Index      int                      `json:"index"`
	Step       Step                     `json:"step"`
	Outcome    Outcome                  `json:"outcome"`
	Diagnostic *ownership.Diagnostic    `json:"diagnostic,omitempty"`
	Expected   ownership.DiagnosticKind `json:"expected,omitempty"`
	Value      any                      `json:"value,omitempty"` // payload returned by a read
	State      ownership.BorrowState    `json:"state"`           // borrow state of the touched value after the step
	Passed     bool                     `json:"passed"`
	Message    string                   `json:"message,omitempty"` // why the step failed
}

// Result is the outcome of replaying a whole scenario.
type Result struct {
	Scenario    string             `json:"scenario"`
	Description string             `json:"description,omitempty"`
	Source      string             `json:"source,omitempty"`
	Steps       []StepResult       `json:"steps"`
	Passed      bool               `json:"passed"`
	Failures    int                `json:"failures"`
	Diagnostics int                `json:"diagnostics"` // rejected steps, expected or not
	Output      []string           `json:"output,omitempty"`
	Final       ownership.Snapshot `json:"final"`
	Duration    time.Duration      `json:"duration"`
}

// Add appends a step result, numbering it, and updates the totals.
func (r *Result) Add(sr StepResult) {
	sr.Index = len(r.Steps) + 1
	r.Steps = append(r.Steps, sr)
	if sr.Outcome == OutcomeRejected {
		r.Diagnostics++
	}
	if !sr.Passed {
		r.Failures++
	}
	r.Passed = r.Failures == 0
}

// FailedSteps returns the steps that did not meet their expectation.
func (r *Result) FailedSteps() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if !s.Passed {
			out = append(out, s)
		}
	}
	return out
}

// Unexpected returns the diagnostics no step expected.
func (r *Result) Unexpected() []*ownership.Diagnostic {
	var out []*ownership.Diagnostic
	for _, s := range r.Steps {
		if s.Diagnostic != nil && s.Expected == 0 {
			out = append(out, s.Diagnostic)
		}
	}
	return out
}
