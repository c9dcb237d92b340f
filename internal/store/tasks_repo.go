package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, name, type, status, progress, config, priority, error_message,
	run_count, success_count, fail_count, last_run_at, started_at, completed_at, created_at`

// SaveTask inserts the snapshot or overwrites the stored row with the same id.
// next_run is not persisted; schedules are re-armed from their definitions.
func (s *Store) SaveTask(ctx context.Context, snap core.Snapshot) error {
	config, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("encode task config: %w", err)
	}
	if snap.CreatedAt == "" {
		snap.CreatedAt = core.FormatTime(time.Now())
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			progress = excluded.progress,
			config = excluded.config,
			priority = excluded.priority,
			error_message = excluded.error_message,
			run_count = excluded.run_count,
			success_count = excluded.success_count,
			fail_count = excluded.fail_count,
			last_run_at = excluded.last_run_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, snap.ID, snap.Name, snap.Type, snap.Status, snap.Progress, string(config), snap.Priority,
		nullableString(&snap.ErrorMessage), snap.RunCount, snap.SuccessCount, snap.FailCount,
		nullableString(snap.LastRun), nullableString(snap.StartedAt), nullableString(snap.CompletedAt),
		snap.CreatedAt, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// DeleteTask removes a task together with its schedule and runs.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (core.Snapshot, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	snap, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Snapshot{}, ErrTaskNotFound
		}
		return core.Snapshot{}, err
	}
	return snap, nil
}

// ListTasks returns every stored task, oldest first.
func (s *Store) ListTasks(ctx context.Context) ([]core.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []core.Snapshot
	for rows.Next() {
		snap, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(row scanner) (core.Snapshot, error) {
	var (
		snap        core.Snapshot
		config      string
		errMsg      sql.NullString
		lastRun     sql.NullString
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(&snap.ID, &snap.Name, &snap.Type, &snap.Status, &snap.Progress, &config, &snap.Priority,
		&errMsg, &snap.RunCount, &snap.SuccessCount, &snap.FailCount, &lastRun, &startedAt, &completedAt,
		&snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, err
		}
		return snap, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &snap.Config); err != nil {
		return snap, fmt.Errorf("decode config of task %s: %w", snap.ID, err)
	}
	snap.ErrorMessage = errMsg.String
	snap.LastRun = stringPtr(lastRun)
	snap.StartedAt = stringPtr(startedAt)
	snap.CompletedAt = stringPtr(completedAt)
	return snap, nil
}
