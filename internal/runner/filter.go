package runner

import (
	"github.com/leapstack-labs/borrowck/pkg/ownership"
)

// FailFilter decides which failed outcomes fail a run. An empty filter
// fails on everything. Otherwise an unexpected diagnostic only counts when
// its kind matches one of the listed kinds; errors, unmet expectations and
// wrong payloads always count.
type FailFilter []ownership.DiagnosticKind

// Fails reports whether o fails the run.
func (f FailFilter) Fails(o Outcome) bool {
	if o.Err != nil || o.Result == nil {
		return true
	}
	if o.Result.Passed {
		return false
	}
	if len(f) == 0 {
		return true
	}
	for _, s := range o.Result.FailedSteps() {
		if s.Diagnostic == nil || s.Expected != 0 {
			return true
		}
		if f.matches(s.Diagnostic.Kind) {
			return true
		}
	}
	return false
}

func (f FailFilter) matches(k ownership.DiagnosticKind) bool {
	for _, want := range f {
		if k.Matches(want) {
			return true
		}
	}
	return false
}
