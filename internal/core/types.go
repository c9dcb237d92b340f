package core

import (
	"fmt"
	"strings"
	"time"
)

// Status describes the lifecycle state of a task.
type Status string

const (
	StatusIdle      Status = "Idle"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusStopped   Status = "Stopped"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ParseStatus maps stored status text back to a Status.
func ParseStatus(v string) (Status, error) {
	for _, s := range []Status{StatusIdle, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusStopped} {
		if strings.EqualFold(v, string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", v)
}

// Priority is advisory; nothing reorders work by it.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority accepts either the ordinal ("3") or the name ("high").
func ParsePriority(v string) (Priority, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "", "normal", "2":
		return PriorityNormal, nil
	case "low", "1":
		return PriorityLow, nil
	case "high", "3":
		return PriorityHigh, nil
	case "critical", "4":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", v)
}

// LogLevel tags messages a task emits to its observers.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
	LevelSuccess LogLevel = "SUCCESS"
)

// RunStatus describes the state of an individual execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// RunStatusFor maps a terminal task status to the run outcome it records.
func RunStatusFor(s Status) RunStatus {
	switch s {
	case StatusCompleted:
		return RunStatusSucceeded
	case StatusFailed:
		return RunStatusFailed
	case StatusStopped:
		return RunStatusStopped
	default:
		return RunStatusRunning
	}
}

// Run captures a single execution of a task.
type Run struct {
	ID        string
	TaskID    string
	Status    RunStatus
	StartedAt time.Time
	EndedAt   *time.Time
	Progress  float64
	Error     *string
	CreatedAt time.Time
}
