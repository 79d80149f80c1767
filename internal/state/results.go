package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/borrowck/internal/scenario"
	"github.com/leapstack-labs/borrowck/pkg/ownership"
)

// SaveResult stores a scenario result and one diagnostic row for every
// step that was rejected or failed its expectation. runErr records a
// script error that aborted the scenario.
func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, position int, res *scenario.Result, runErr error) (*ResultRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rec := &ResultRecord{
		ID:          generateID(),
		RunID:       runID,
		Position:    position,
		Scenario:    res.Scenario,
		Source:      res.Source,
		Passed:      res.Passed && runErr == nil,
		Steps:       len(res.Steps),
		Failures:    res.Failures,
		Diagnostics: res.Diagnostics,
		Duration:    res.Duration,
		Output:      res.Output,
		CreatedAt:   time.Now().UTC(),
	}
	var errorPtr *string
	if runErr != nil {
		rec.Error = runErr.Error()
		errorPtr = &rec.Error
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scenario_results
			(id, run_id, position, scenario, source, passed, steps, failures, diagnostics, duration_ms, output, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Position, rec.Scenario, rec.Source, rec.Passed, rec.Steps, rec.Failures,
		rec.Diagnostics, rec.Duration.Milliseconds(), strings.Join(rec.Output, "\n"), errorPtr, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}

	saved := 0
	for _, sr := range res.Steps {
		if sr.Diagnostic == nil && sr.Passed {
			continue
		}
		var kind, message string
		if sr.Diagnostic != nil {
			kind = sr.Diagnostic.Kind.String()
			message = sr.Diagnostic.Error()
		}
		if !sr.Passed {
			message = sr.Message
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO diagnostics (result_id, step, op, detail, kind, expected, message, passed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, sr.Index, string(sr.Step.Op), sr.Step.String(), nullString(kind),
			nullString(kindName(sr.Expected)), message, sr.Passed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to save diagnostic for step %d: %w", sr.Index, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit result: %w", err)
	}

	s.logger.Debug("saved result",
		slog.String("run", runID),
		slog.String("scenario", rec.Scenario),
		slog.Bool("passed", rec.Passed),
		slog.Int("diagnostics", saved))
	return rec, nil
}

// GetResults returns the results of a run in the order they were checked.
func (s *SQLiteStore) GetResults(ctx context.Context, runID string) ([]*ResultRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, position, scenario, source, passed, steps, failures, diagnostics, duration_ms, output, error, created_at
		 FROM scenario_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ResultRecord
	for rows.Next() {
		rec := &ResultRecord{}
		var durationMS int64
		var output string
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Position, &rec.Scenario, &rec.Source, &rec.Passed,
			&rec.Steps, &rec.Failures, &rec.Diagnostics, &durationMS, &output, &errMsg, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if output != "" {
			rec.Output = strings.Split(output, "\n")
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	return out, nil
}

// GetDiagnostics returns the diagnostic rows of one result in step order.
func (s *SQLiteStore) GetDiagnostics(ctx context.Context, resultID string) ([]*DiagnosticRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, result_id, step, op, detail, kind, expected, message, passed
		 FROM diagnostics WHERE result_id = ? ORDER BY step`, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DiagnosticRecord
	for rows.Next() {
		rec := &DiagnosticRecord{}
		var op string
		var kind, expected sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ResultID, &rec.Step, &op, &rec.Detail, &kind, &expected,
			&rec.Message, &rec.Passed); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		rec.Op = scenario.Op(op)
		if kind.Valid {
			rec.Kind, _ = ownership.ParseDiagnosticKind(kind.String)
		}
		if expected.Valid {
			rec.Expected, _ = ownership.ParseDiagnosticKind(expected.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get diagnostics: %w", err)
	}
	return out, nil
}

func kindName(k ownership.DiagnosticKind) string {
	if k == 0 {
		return ""
	}
	return k.String()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
