package state

import (
	"database/sql"
	"fmt"
	"time"
)

// RunOutcome is how a run ended.
type RunOutcome string

const (
	RunRunning     RunOutcome = "running"
	RunComplete    RunOutcome = "complete"
	RunMaxSessions RunOutcome = "max_sessions"
	RunStopped     RunOutcome = "stopped"
	RunRetryLimit  RunOutcome = "retry_limit"
	RunError       RunOutcome = "error"
)

// AttemptOutcome classifies one session attempt.
type AttemptOutcome string

const (
	AttemptSucceeded   AttemptOutcome = "succeeded"
	AttemptFailed      AttemptOutcome = "failed"
	AttemptRateLimited AttemptOutcome = "rate_limited"
	AttemptInterrupted AttemptOutcome = "interrupted"
	AttemptError       AttemptOutcome = "error"
)

// Run is one invocation of `marathon run`.
type Run struct {
	ID            string     `json:"id"`
	ProjectDir    string     `json:"project_dir"`
	Backend       string     `json:"backend"`
	PlanningModel string     `json:"planning_model"`
	CodingModel   string     `json:"coding_model"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	Outcome       RunOutcome `json:"outcome"`
	Sessions      int        `json:"sessions"`
}

// Attempt is one execution of a session, including rate-limit retries.
type Attempt struct {
	ID             int64          `json:"id"`
	RunID          string         `json:"run_id"`
	SessionIndex   int            `json:"session_index"`
	Attempt        int            `json:"attempt"`
	Kind           string         `json:"kind"`
	Model          string         `json:"model"`
	Continued      bool           `json:"continued"`
	Outcome        AttemptOutcome `json:"outcome"`
	ExitCode       int            `json:"exit_code"`
	WaitSeconds    int            `json:"wait_seconds"`
	WaitConfidence string         `json:"wait_confidence"`
	PassingBefore  int            `json:"passing_before"`
	TotalBefore    int            `json:"total_before"`
	PassingAfter   int            `json:"passing_after"`
	TotalAfter     int            `json:"total_after"`
	Detail         string         `json:"detail"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// CreateRun inserts a new run.
func (db *DB) CreateRun(r *Run) error {
	if r.Outcome == "" {
		r.Outcome = RunRunning
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, project_dir, backend, planning_model, coding_model, started_at, outcome, sessions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectDir, r.Backend, r.PlanningModel, r.CodingModel, formatTime(r.StartedAt), string(r.Outcome), r.Sessions)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records how and when a run ended.
func (db *DB) FinishRun(id string, outcome RunOutcome, sessions int, endedAt time.Time) error {
	_, err := db.Exec(`
		UPDATE runs SET outcome = ?, sessions = ?, ended_at = ? WHERE id = ?
	`, string(outcome), sessions, formatTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, project_dir, backend, planning_model, coding_model, started_at, ended_at, outcome, sessions
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, project_dir, backend, planning_model, coding_model, started_at, ended_at, outcome, sessions
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var startedAt string
	var endedAt sql.NullString
	if err := s.Scan(&r.ID, &r.ProjectDir, &r.Backend, &r.PlanningModel, &r.CodingModel,
		&startedAt, &endedAt, &r.Outcome, &r.Sessions); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}

// RecordAttempt inserts an attempt and sets its ID.
func (db *DB) RecordAttempt(a *Attempt) error {
	result, err := db.Exec(`
		INSERT INTO attempts (run_id, session_index, attempt, kind, model, continued, outcome, exit_code,
			wait_seconds, wait_confidence, passing_before, total_before, passing_after, total_after,
			detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.SessionIndex, a.Attempt, a.Kind, a.Model, a.Continued, string(a.Outcome), a.ExitCode,
		a.WaitSeconds, a.WaitConfidence, a.PassingBefore, a.TotalBefore, a.PassingAfter, a.TotalAfter,
		a.Detail, formatTime(a.StartedAt), formatTime(a.FinishedAt))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get attempt id: %w", err)
	}
	a.ID = id
	return nil
}

// ListAttempts returns a run's attempts in order.
func (db *DB) ListAttempts(runID string) ([]Attempt, error) {
	return db.queryAttempts(`WHERE run_id = ? ORDER BY id ASC`, runID)
}

// RecentAttempts returns the newest attempts across all runs, newest first.
func (db *DB) RecentAttempts(limit int) ([]Attempt, error) {
	return db.queryAttempts(`ORDER BY id DESC LIMIT ?`, limit)
}

func (db *DB) queryAttempts(clause string, args ...any) ([]Attempt, error) {
	rows, err := db.Query(`
		SELECT id, run_id, session_index, attempt, kind, model, continued, outcome, exit_code,
			wait_seconds, COALESCE(wait_confidence, ''), passing_before, total_before, passing_after, total_after,
			COALESCE(detail, ''), started_at, finished_at
		FROM attempts `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var startedAt, finishedAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.SessionIndex, &a.Attempt, &a.Kind, &a.Model, &a.Continued,
			&a.Outcome, &a.ExitCode, &a.WaitSeconds, &a.WaitConfidence, &a.PassingBefore, &a.TotalBefore,
			&a.PassingAfter, &a.TotalAfter, &a.Detail, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt, _ = parseTime(startedAt)
		a.FinishedAt, _ = parseTime(finishedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
