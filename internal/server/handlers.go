package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/leapstack-labs/borrowck/internal/runner"
	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/internal/starlark"
	"github.com/leapstack-labs/borrowck/internal/state"
	"github.com/starfederation/datastar-go/datastar"
)

// StarlarkContentType marks a check request body as a Starlark script.
const StarlarkContentType = "text/x-starlark"

const defaultRunsLimit = 50

// Handlers serves the API endpoints.
type Handlers struct {
	server *Server
	logger *slog.Logger
}

func newHandlers(s *Server) *Handlers {
	return &Handlers{server: s, logger: s.logger}
}

// CheckResult is one checked scenario in a check response.
type CheckResult struct {
	*scenario.Result
	Error string `json:"error,omitempty"`
}

// CheckResponse is the body returned by POST /api/check.
type CheckResponse struct {
	RunID   string        `json:"run_id,omitempty"`
	Passed  bool          `json:"passed"`
	Results []CheckResult `json:"results"`
}

// RunDetail is a persisted run with its results and their diagnostics.
type RunDetail struct {
	*state.Run
	Results []ResultDetail `json:"results"`
}

// ResultDetail is a persisted result with its diagnostics.
type ResultDetail struct {
	*state.ResultRecord
	Rows []*state.DiagnosticRecord `json:"diagnostic_rows"`
}

// ScenarioInfo describes a built-in scenario.
type ScenarioInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Steps       int      `json:"steps"`
}

// Health reports that the server is up.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Check replays the scenarios (or the Starlark script) in the request body.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.server.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	jobs, err := checkJobs(r, body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := h.server.runner.Run(r.Context(), jobs)
	if report == nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err != nil {
		h.logger.Warn("check incomplete", slog.String("error", err.Error()))
	}

	resp := CheckResponse{RunID: report.RunID, Passed: report.OK(), Results: make([]CheckResult, 0, len(report.Outcomes))}
	for _, o := range report.Outcomes {
		cr := CheckResult{Result: o.Result}
		if cr.Result == nil {
			cr.Result = &scenario.Result{Scenario: o.Job.Name}
		}
		if o.Err != nil {
			cr.Error = o.Err.Error()
		}
		resp.Results = append(resp.Results, cr)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func checkJobs(r *http.Request, body []byte) ([]runner.Job, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == StarlarkContentType {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "request"
		}
		return []runner.Job{{Name: name, Script: name + starlark.ScriptExt, Source: body}}, nil
	}

	// JSON is a subset of YAML, so one parser serves both.
	scs, err := scenario.LoadBytes(body, "request")
	if err != nil {
		return nil, err
	}
	jobs := make([]runner.Job, 0, len(scs))
	for _, sc := range scs {
		jobs = append(jobs, runner.ScenarioJob(sc))
	}
	return jobs, nil
}

// Scenarios lists the built-in scenarios.
func (h *Handlers) Scenarios(w http.ResponseWriter, _ *http.Request) {
	scs, err := scenario.Builtin()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]ScenarioInfo, 0, len(scs))
	for _, sc := range scs {
		out = append(out, ScenarioInfo{
			Name:        sc.Name,
			Description: sc.Description,
			Tags:        sc.Tags,
			Steps:       len(sc.Steps),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ListRuns returns recent runs, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	store, ok := h.requireStore(w)
	if !ok {
		return
	}

	limit := defaultRunsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := store.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*state.Run{}
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run with its results and diagnostics.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	store, ok := h.requireStore(w)
	if !ok {
		return
	}
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := store.GetRun(ctx, runID)
	if errors.Is(err, state.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	results, err := store.GetResults(ctx, runID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail := RunDetail{Run: run, Results: make([]ResultDetail, 0, len(results))}
	for _, res := range results {
		diags, err := store.GetDiagnostics(ctx, res.ID)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if diags == nil {
			diags = []*state.DiagnosticRecord{}
		}
		detail.Results = append(detail.Results, ResultDetail{ResultRecord: res, Rows: diags})
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// Events streams a datastar signal patch for every finished run.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the stream opens so no run is missed once the
	// client sees the response headers.
	updates := h.server.notifier.Subscribe()
	defer h.server.notifier.Unsubscribe(updates)

	sse := datastar.NewSSE(w, r)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-updates:
			signals, err := json.Marshal(map[string]RunEvent{"lastRun": ev})
			if err != nil {
				_ = sse.ConsoleError(err)
				continue
			}
			if err := sse.PatchSignals(signals); err != nil {
				h.logger.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Handlers) requireStore(w http.ResponseWriter) (state.Store, bool) {
	if h.server.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("run history is not enabled"))
		return nil, false
	}
	return h.server.store, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
