package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/borrowck/internal/runner"
	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/internal/state"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ReportOutput is the JSON form of a check report.
type ReportOutput struct {
	RunID    string         `json:"run_id,omitempty"`
	OK       bool           `json:"ok"`
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Errored  int            `json:"errored"`
	Ignored  int            `json:"ignored"`
	Duration string         `json:"duration"`
	Results  []ResultOutput `json:"results"`
}

// ResultOutput is one scenario in a ReportOutput.
type ResultOutput struct {
	Name        string       `json:"name"`
	Source      string       `json:"source,omitempty"`
	Status      string       `json:"status"` // passed, failed, ignored, errored
	Steps       int          `json:"steps"`
	Diagnostics int          `json:"diagnostics"`
	Error       string       `json:"error,omitempty"`
	Output      []string     `json:"output,omitempty"`
	FailedSteps []StepOutput `json:"failed_steps,omitempty"`
}

// StepOutput is a step that did not meet its expectation.
type StepOutput struct {
	Index      int    `json:"index"`
	Step       string `json:"step"`
	Diagnostic string `json:"diagnostic,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Message    string `json:"message,omitempty"`
}

// outcomeStatus classifies an outcome. Failures the filter lets through are
// reported as ignored.
func outcomeStatus(o runner.Outcome, filter runner.FailFilter) string {
	switch {
	case o.Err != nil:
		return "errored"
	case o.Passed():
		return "passed"
	case !filter.Fails(o):
		return "ignored"
	default:
		return "failed"
	}
}

// NewReportOutput builds the JSON form of report.
func NewReportOutput(report *runner.Report, filter runner.FailFilter) ReportOutput {
	out := ReportOutput{
		RunID:    report.RunID,
		Total:    report.Total(),
		Passed:   report.Passed,
		Errored:  report.Errored,
		Duration: report.Duration.Round(time.Millisecond).String(),
		Results:  make([]ResultOutput, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		ro := ResultOutput{
			Name:   o.Job.Name,
			Source: o.Job.Script,
			Status: outcomeStatus(o, filter),
		}
		switch ro.Status {
		case "failed":
			out.Failed++
		case "ignored":
			out.Ignored++
		}
		if o.Err != nil {
			ro.Error = o.Err.Error()
		}
		if res := o.Result; res != nil {
			if res.Source != "" {
				ro.Source = res.Source
			}
			ro.Steps = len(res.Steps)
			ro.Diagnostics = res.Diagnostics
			ro.Output = res.Output
			for _, sr := range res.FailedSteps() {
				ro.FailedSteps = append(ro.FailedSteps, newStepOutput(sr))
			}
		}
		out.Results = append(out.Results, ro)
	}
	out.OK = out.Failed == 0 && out.Errored == 0
	return out
}

func newStepOutput(sr scenario.StepResult) StepOutput {
	so := StepOutput{Index: sr.Index, Step: sr.Step.String(), Message: sr.Message}
	if sr.Diagnostic != nil {
		so.Diagnostic = sr.Diagnostic.Error()
	}
	if sr.Expected != 0 {
		so.Expected = sr.Expected.String()
	}
	return so
}

// Report renders a check report.
func (r *Renderer) Report(report *runner.Report, filter runner.FailFilter) error {
	ro := NewReportOutput(report, filter)
	switch r.EffectiveMode() {
	case ModeJSON:
		return r.JSON(ro)
	case ModeMarkdown:
		r.reportMarkdown(ro)
	default:
		r.reportText(ro)
	}
	return nil
}

func (r *Renderer) reportText(ro ReportOutput) {
	r.Header(1, fmt.Sprintf("Checked %d scenarios", ro.Total))
	for _, res := range ro.Results {
		r.StatusLine(res.Name, res.Status, resultDetail(res))
		if res.Error != "" {
			r.Println("      " + r.styles.Error.Render(res.Error))
		}
		for _, s := range res.FailedSteps {
			r.Println("      " + r.stepLine(s))
		}
	}
	r.Println("")
	summary := summaryLine(ro)
	if ro.OK {
		r.Success(summary)
	} else {
		r.Println(r.styles.Error.Render(symbolFail + " " + summary))
	}
	if ro.RunID != "" {
		r.Muted("run " + ro.RunID)
	}
}

func (r *Renderer) stepLine(s StepOutput) string {
	line := fmt.Sprintf("step %d: %s", s.Index, s.Step)
	if s.Diagnostic != "" {
		line += " -> " + r.styles.Kind.Render(s.Diagnostic)
	}
	if s.Message != "" {
		line += " " + r.styles.Muted.Render("("+s.Message+")")
	}
	return line
}

func (r *Renderer) reportMarkdown(ro ReportOutput) {
	r.Println(FormatHeader(1, "Check Report"))
	r.Println("")
	r.Println(FormatKeyValue("Result", summaryLine(ro)))
	if ro.RunID != "" {
		r.Println(FormatKeyValue("Run", ro.RunID))
	}
	r.Println("")

	t := r.newTable()
	t.AppendHeader(table.Row{"Scenario", "Status", "Steps", "Diagnostics", "Source"})
	for _, res := range ro.Results {
		t.AppendRow(table.Row{res.Name, res.Status, res.Steps, res.Diagnostics, res.Source})
	}
	t.RenderMarkdown()

	for _, res := range ro.Results {
		if res.Error == "" && len(res.FailedSteps) == 0 {
			continue
		}
		r.Println("")
		r.Println(FormatHeader(2, res.Name))
		r.Println("")
		if res.Error != "" {
			r.Println(FormatKeyValue("Error", res.Error))
		}
		for _, s := range res.FailedSteps {
			line := fmt.Sprintf("- step %d: `%s`", s.Index, s.Step)
			if s.Diagnostic != "" {
				line += " -> " + s.Diagnostic
			}
			if s.Message != "" {
				line += " (" + s.Message + ")"
			}
			r.Println(line)
		}
	}
}

func resultDetail(res ResultOutput) string {
	parts := []string{plural(res.Steps, "step")}
	if res.Diagnostics > 0 {
		parts = append(parts, plural(res.Diagnostics, "diagnostic"))
	}
	if res.Status == "ignored" {
		parts = append(parts, "ignored by fail_on")
	}
	return strings.Join(parts, ", ")
}

func summaryLine(ro ReportOutput) string {
	s := fmt.Sprintf("%d passed, %d failed, %d errored", ro.Passed, ro.Failed, ro.Errored)
	if ro.Ignored > 0 {
		s += fmt.Sprintf(", %d ignored", ro.Ignored)
	}
	return s + " in " + ro.Duration
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func (r *Renderer) newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)
	return t
}

// render writes t as markdown or as a text table.
func (r *Renderer) render(t table.Writer) {
	if r.EffectiveMode() == ModeMarkdown {
		t.RenderMarkdown()
		return
	}
	t.Render()
}

// Scenarios renders scenario definitions.
func (r *Renderer) Scenarios(scs []*scenario.Scenario) error {
	if r.EffectiveMode() == ModeJSON {
		return r.JSON(scs)
	}
	r.Header(1, fmt.Sprintf("Scenarios (%d total)", len(scs)))
	if len(scs) == 0 {
		r.Muted("(no scenarios)")
		return nil
	}
	t := r.newTable()
	t.AppendHeader(table.Row{"Name", "Steps", "Tags", "Source", "Description"})
	for _, sc := range scs {
		t.AppendRow(table.Row{sc.Name, len(sc.Steps), strings.Join(sc.Tags, ","), sc.Source, sc.Description})
	}
	r.render(t)
	return nil
}

// Runs renders recorded runs, newest first.
func (r *Renderer) Runs(runs []*state.Run) error {
	if r.EffectiveMode() == ModeJSON {
		if runs == nil {
			runs = []*state.Run{}
		}
		return r.JSON(runs)
	}
	r.Header(1, fmt.Sprintf("Runs (%d)", len(runs)))
	if len(runs) == 0 {
		r.Muted("(no runs recorded)")
		return nil
	}
	t := r.newTable()
	t.AppendHeader(table.Row{"ID", "Origin", "Status", "Scenarios", "Failed", "Started", "Duration"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID, run.Origin, run.Status, run.Scenarios, run.Failed,
			run.StartedAt.Local().Format(time.DateTime), runDuration(run),
		})
	}
	r.render(t)
	return nil
}

func runDuration(run *state.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

// RunDetailOutput is the JSON form of one recorded run.
type RunDetailOutput struct {
	*state.Run
	Results []RunResultOutput `json:"results"`
}

// RunResultOutput is a recorded result with its diagnostic rows.
type RunResultOutput struct {
	*state.ResultRecord
	Diagnostics []*state.DiagnosticRecord `json:"diagnostic_rows,omitempty"`
}

// RunDetail renders one run with its results and diagnostics.
func (r *Renderer) RunDetail(detail RunDetailOutput) error {
	if r.EffectiveMode() == ModeJSON {
		return r.JSON(detail)
	}
	run := detail.Run
	r.Header(1, "Run "+run.ID)
	kv := func(k string, v any) {
		if r.EffectiveMode() == ModeMarkdown {
			r.Println(FormatKeyValue(k, v))
			return
		}
		r.Printf("  %s %v\n", r.styles.Bold.Render(k+":"), v)
	}
	titleCaser := cases.Title(language.English)
	kv("Origin", run.Origin)
	kv("Status", titleCaser.String(string(run.Status)))
	kv("Started", run.StartedAt.Local().Format(time.DateTime))
	kv("Duration", runDuration(run))
	if run.Error != "" {
		kv("Error", run.Error)
	}
	r.Println("")

	t := r.newTable()
	t.AppendHeader(table.Row{"#", "Scenario", "Passed", "Steps", "Failures", "Diagnostics", "Error"})
	for _, res := range detail.Results {
		t.AppendRow(table.Row{res.Position, res.Scenario, res.Passed, res.Steps, res.Failures, res.Diagnostics, res.Error})
	}
	r.render(t)

	for _, res := range detail.Results {
		if len(res.Diagnostics) == 0 {
			continue
		}
		r.Println("")
		r.Header(2, res.Scenario)
		for _, d := range res.Diagnostics {
			status := "passed"
			if !d.Passed {
				status = "failed"
			}
			r.StatusLine(fmt.Sprintf("step %d: %s", d.Step, d.Detail), status, diagnosticDetail(d))
		}
	}
	return nil
}

func diagnosticDetail(d *state.DiagnosticRecord) string {
	var parts []string
	if d.Kind != 0 {
		parts = append(parts, d.Kind.String())
	}
	if d.Expected != 0 {
		parts = append(parts, "expected "+d.Expected.String())
	}
	if d.Message != "" {
		parts = append(parts, d.Message)
	}
	return strings.Join(parts, ", ")
}

// Snapshot renders an engine snapshot: scopes with their bindings, values
// and active borrows.
func (r *Renderer) Snapshot(snap ownership.Snapshot) error {
	if r.EffectiveMode() == ModeJSON {
		return r.JSON(snap)
	}
	r.Header(2, fmt.Sprintf("Scopes (current %s)", snap.Current))
	bindings := r.newTable()
	bindings.AppendHeader(table.Row{"Scope", "Binding", "Name", "Value", "Mutable", "State"})
	for _, sc := range snap.Scopes {
		for _, b := range sc.Bindings {
			bindings.AppendRow(table.Row{sc.ID, b.ID, b.Name, b.Value, b.Mutable, b.State})
		}
	}
	r.render(bindings)

	r.Header(2, "Values")
	values := r.newTable()
	values.AppendHeader(table.Row{"Value", "Kind", "Payload", "Liveness", "Owner", "Borrow"})
	for _, v := range snap.Values {
		owner := "-"
		if v.Owner.IsValid() {
			owner = v.Owner.String()
		}
		values.AppendRow(table.Row{v.ID, v.Kind, fmt.Sprintf("%v", v.Payload), v.Liveness, owner, v.Borrow})
	}
	r.render(values)

	if len(snap.Borrows) > 0 {
		r.Header(2, "Borrows")
		borrows := r.newTable()
		borrows.AppendHeader(table.Row{"Borrow", "Value", "Through", "Kind", "Holder"})
		for _, br := range snap.Borrows {
			borrows.AppendRow(table.Row{br.ID, br.Value, br.Binding, br.Kind, br.Holder})
		}
		r.render(borrows)
	}
	return nil
}
