package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"taskhub/internal/core"
	"taskhub/internal/eventbus"
)

// DefaultJournalSize is the number of entries kept when no size is given.
const DefaultJournalSize = 1000

const displayLayout = "2006-01-02 15:04:05"

// Journal keeps the most recent task log entries in memory and mirrors each
// one to a slog.Logger.
type Journal struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries []core.LogEntry
	start   int
	size    int
}

// NewJournal returns a journal holding up to capacity entries.
func NewJournal(capacity int, logger *slog.Logger) *Journal {
	if capacity <= 0 {
		capacity = DefaultJournalSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		logger:  logger,
		now:     time.Now,
		entries: make([]core.LogEntry, capacity),
	}
}

// Add appends an entry, evicting the oldest once full.
func (j *Journal) Add(e core.LogEntry) {
	j.mu.Lock()
	idx := (j.start + j.size) % len(j.entries)
	j.entries[idx] = e
	if j.size < len(j.entries) {
		j.size++
	} else {
		j.start = (j.start + 1) % len(j.entries)
	}
	j.mu.Unlock()

	j.mirror(e)
}

func (j *Journal) mirror(e core.LogEntry) {
	attrs := []any{"task_id", e.TaskID, "task", e.TaskName}
	switch e.Level {
	case core.LevelDebug:
		j.logger.Debug(e.Message, attrs...)
	case core.LevelWarning:
		j.logger.Warn(e.Message, attrs...)
	case core.LevelError:
		j.logger.Error(e.Message, attrs...)
	case core.LevelSuccess:
		j.logger.Info(e.Message, append(attrs, "success", true)...)
	default:
		j.logger.Info(e.Message, attrs...)
	}
}

// Consume adds every log entry received on events until ctx ends or the
// channel closes.
func (j *Journal) Consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if entry, ok := ev.Data.(core.LogEntry); ok {
				j.Add(entry)
			}
		}
	}
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 means all.
func (j *Journal) Recent(n int) []core.LogEntry {
	return j.filter("", n)
}

// ForTask is Recent restricted to one task id.
func (j *Journal) ForTask(taskID string, n int) []core.LogEntry {
	return j.filter(taskID, n)
}

func (j *Journal) filter(taskID string, n int) []core.LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]core.LogEntry, 0, j.size)
	for i := 0; i < j.size; i++ {
		e := j.entries[(j.start+i)%len(j.entries)]
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Len reports the number of stored entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.size
}

// Clear drops every stored entry.
func (j *Journal) Clear() {
	j.mu.Lock()
	j.start, j.size = 0, 0
	clear(j.entries)
	j.mu.Unlock()
	j.logger.Info("journal cleared")
}

// FormatEntry renders e as "[time] [task] [LEVEL] message".
func FormatEntry(e core.LogEntry) string {
	return fmt.Sprintf("[%s] [%s] [%s] %s", e.Time.Format(displayLayout), e.TaskName, e.Level, e.Message)
}

// Export writes a text report of the journal, optionally limited to a task.
func (j *Journal) Export(w io.Writer, taskID string) error {
	entries := j.filter(taskID, 0)
	bw := bufio.NewWriter(w)
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(bw, rule)
	fmt.Fprintln(bw, "Task Hub Log Export")
	fmt.Fprintf(bw, "Generated: %s\n", j.now().Format(displayLayout))
	if taskID != "" {
		fmt.Fprintf(bw, "Task Filter: %s\n", taskID)
	}
	fmt.Fprintf(bw, "Total Entries: %d\n", len(entries))
	fmt.Fprintln(bw, rule)
	fmt.Fprintln(bw)
	for _, e := range entries {
		fmt.Fprintln(bw, FormatEntry(e))
	}
	return bw.Flush()
}
