package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunState is a run's lifecycle position.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Run is one persisted invocation.
type Run struct {
	ID        string
	Mode      string
	State     RunState
	Processed int
	Succeeded int
	Failed    int

	// ErrorDetails counts non-fatal errors by class.
	ErrorDetails map[string]int

	// Message carries the fatal error of a failed run.
	Message string
	Started time.Time
	Ended   time.Time
}

// CreateRun inserts a run.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	details, err := marshalDetails(r.ErrorDetails)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, mode, state, processed, succeeded, failed, error_details, message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Mode, string(r.State), r.Processed, r.Succeeded, r.Failed,
		details, r.Message, formatTime(r.Started), formatNullTime(r.Ended),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRun overwrites a run's state, counts and end time.
func (s *Store) UpdateRun(ctx context.Context, r Run) error {
	details, err := marshalDetails(r.ErrorDetails)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, processed = ?, succeeded = ?, failed = ?,
		    error_details = ?, message = ?, ended_at = ?
		WHERE id = ?
	`,
		string(r.State), r.Processed, r.Succeeded, r.Failed,
		details, r.Message, formatNullTime(r.Ended), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, state, processed, succeeded, failed, error_details, message, started_at, ended_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, state, processed, succeeded, failed, error_details, message, started_at, ended_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r       Run
		state   string
		details string
		started string
		ended   sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Mode, &state, &r.Processed, &r.Succeeded, &r.Failed,
		&details, &r.Message, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.State = RunState(state)
	if err := json.Unmarshal([]byte(details), &r.ErrorDetails); err != nil {
		return Run{}, fmt.Errorf("decode error details: %w", err)
	}
	var err error
	if r.Started, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if r.Ended, err = parseNullTime(ended); err != nil {
		return Run{}, err
	}
	return r, nil
}

func marshalDetails(d map[string]int) (string, error) {
	if d == nil {
		d = map[string]int{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode error details: %w", err)
	}
	return string(b), nil
}
