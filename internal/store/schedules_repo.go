package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskhub/internal/core"
)

// ScheduleRecord is the stored definition of a schedule. Timing state
// (NextRun, fire counts) is rebuilt when the schedule is re-added.
type ScheduleRecord struct {
	TaskID    string
	Kind      core.TriggerKind
	Config    core.TriggerConfig
	Enabled   bool
	CreatedAt time.Time
}

// SaveSchedule stores or replaces the schedule definition of a task.
func (s *Store) SaveSchedule(ctx context.Context, rec ScheduleRecord) error {
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("encode schedule config: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO schedules (task_id, kind, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			kind = excluded.kind,
			config = excluded.config,
			enabled = excluded.enabled,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, rec.TaskID, string(rec.Kind), string(config), rec.Enabled, formatTime(rec.CreatedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips the stored enabled flag only.
func (s *Store) SetScheduleEnabled(ctx context.Context, taskID string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET enabled = ?, updated_at = ? WHERE task_id = ?`,
		enabled, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("update schedule enabled: %w", err)
	}
	return nil
}

// DeleteSchedule removes the schedule of taskID. Missing rows are not an error.
func (s *Store) DeleteSchedule(ctx context.Context, taskID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, kind, config, enabled, created_at
		FROM schedules
		ORDER BY task_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []ScheduleRecord
	for rows.Next() {
		var (
			rec       ScheduleRecord
			kind      string
			config    string
			createdAt string
		)
		if err := rows.Scan(&rec.TaskID, &kind, &config, &rec.Enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if rec.Kind, err = core.ParseTriggerKind(kind); err != nil {
			return nil, fmt.Errorf("schedule of task %s: %w", rec.TaskID, err)
		}
		if err := json.Unmarshal([]byte(config), &rec.Config); err != nil {
			return nil, fmt.Errorf("decode schedule of task %s: %w", rec.TaskID, err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
