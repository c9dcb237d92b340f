package core

import (
	"fmt"
	"time"
)

// TimeLayout is the textual timestamp form used in snapshots.
const TimeLayout = time.RFC3339Nano

// Snapshot is the persisted shape of a Task. Field names are part of the
// import/export format and must stay stable.
type Snapshot struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Type         string         `json:"type" yaml:"type"`
	Status       string         `json:"status" yaml:"status"`
	Progress     float64        `json:"progress" yaml:"progress"`
	Config       map[string]any `json:"config" yaml:"config"`
	CreatedAt    string         `json:"created_at" yaml:"created_at"`
	LastRun      *string        `json:"last_run" yaml:"last_run"`
	NextRun      *string        `json:"next_run" yaml:"next_run"`
	StartedAt    *string        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt  *string        `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	RunCount     int            `json:"run_count" yaml:"run_count"`
	SuccessCount int            `json:"success_count" yaml:"success_count"`
	FailCount    int            `json:"fail_count" yaml:"fail_count"`
	Priority     int            `json:"priority" yaml:"priority"`
	ErrorMessage string         `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Snapshot captures the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:           t.id,
		Name:         t.name,
		Type:         t.kind,
		Status:       string(t.status),
		Progress:     t.progress,
		Config:       cloneConfig(t.config),
		CreatedAt:    FormatTime(t.createdAt),
		LastRun:      formatTimePtr(t.lastRun),
		NextRun:      formatTimePtr(t.nextRun),
		StartedAt:    formatTimePtr(t.startedAt),
		CompletedAt:  formatTimePtr(t.completedAt),
		RunCount:     t.runCount,
		SuccessCount: t.successCount,
		FailCount:    t.failCount,
		Priority:     int(t.priority),
		ErrorMessage: t.errMsg,
	}
}

// RestoreTask rebuilds a task from a snapshot, keeping its identity and
// counters. A snapshot taken mid-run restores as Idle since its execution did
// not survive.
func RestoreTask(s Snapshot, b Behavior, opts ...Option) (*Task, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("snapshot has no id")
	}
	t := NewTask(s.Name, s.Type, s.Config, b, opts...)
	t.id = s.ID

	if s.CreatedAt != "" {
		created, err := ParseTime(s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		t.createdAt = created
	}
	status := StatusIdle
	if s.Status != "" {
		parsed, err := ParseStatus(s.Status)
		if err != nil {
			return nil, err
		}
		status = parsed
	}
	if status == StatusRunning || status == StatusPaused {
		status = StatusIdle
	}
	var err error
	if t.lastRun, err = parseTimePtr(s.LastRun); err != nil {
		return nil, fmt.Errorf("last_run: %w", err)
	}
	if t.nextRun, err = parseTimePtr(s.NextRun); err != nil {
		return nil, fmt.Errorf("next_run: %w", err)
	}
	if status != StatusIdle {
		if t.startedAt, err = parseTimePtr(s.StartedAt); err != nil {
			return nil, fmt.Errorf("started_at: %w", err)
		}
		if t.completedAt, err = parseTimePtr(s.CompletedAt); err != nil {
			return nil, fmt.Errorf("completed_at: %w", err)
		}
		t.progress = clampProgress(s.Progress)
		t.errMsg = s.ErrorMessage
	}
	t.status = status
	t.runCount = s.RunCount
	t.successCount = s.SuccessCount
	t.failCount = s.FailCount
	if p := Priority(s.Priority); p.Valid() {
		t.priority = p
	}
	return t, nil
}

// FormatTime renders t in the snapshot layout, in UTC so values sort.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts the snapshot layout, with or without fractional seconds.
func ParseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := FormatTime(*t)
	return &v
}

func parseTimePtr(v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := ParseTime(*v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
