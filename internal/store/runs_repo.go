package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, task_id, status, started_at, ended_at, progress, error, created_at`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	run.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.Status, formatTime(run.StartedAt), nullableTime(run.EndedAt), run.Progress,
		nullableString(run.Error), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun records the outcome of a finished run.
func (s *Store) CompleteRun(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, progress float64, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, progress = ?, error = ?
		WHERE id = ?
	`, status, formatTime(endedAt), progress, nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkInterruptedRuns closes runs left open by a previous process.
func (s *Store) MarkInterruptedRuns(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, error = ?
		WHERE status = ?
	`, core.RunStatusStopped, formatTime(at), "interrupted by daemon restart", core.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns the newest runs of a task first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneRuns deletes the runs of a task beyond the retention limit.
func (s *Store) PruneRuns(ctx context.Context, taskID string) (int64, error) {
	if s.RunRetention <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM runs
			WHERE task_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, taskID, taskID, s.RunRetention)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(row scanner) (*core.Run, error) {
	var (
		run       core.Run
		status    string
		startedAt string
		endedAt   sql.NullString
		errMsg    sql.NullString
		createdAt string
	)
	if err := row.Scan(&run.ID, &run.TaskID, &status, &startedAt, &endedAt, &run.Progress, &errMsg, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = core.RunStatus(status)
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		run.EndedAt = &t
	}
	run.Error = stringPtr(errMsg)
	return &run, nil
}
