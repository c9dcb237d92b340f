package core

import "time"

// Event types published by tasks on their bus.
const (
	EventStatus   = "task.status"
	EventProgress = "task.progress"
	EventLog      = "task.log"
)

// StatusChange is the payload of EventStatus.
type StatusChange struct {
	TaskID   string
	TaskName string
	From     Status
	To       Status
	Error    string
	Progress float64
}

// ProgressUpdate is the payload of EventProgress.
type ProgressUpdate struct {
	TaskID   string
	Progress float64
}

// LogEntry is the payload of EventLog.
type LogEntry struct {
	Time     time.Time
	TaskID   string
	TaskName string
	Level    LogLevel
	Message  string
}
