package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"taskhub/internal/behavior"
	"taskhub/internal/core"
	"taskhub/internal/store"
)

// ErrInvalidTask wraps definition errors the caller can fix.
var ErrInvalidTask = errors.New("invalid task")

// ErrStopTimeout reports a task still executing after Stop gave up waiting.
var ErrStopTimeout = errors.New("task did not exit within stop timeout")

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name     string
	Kind     string
	Config   map[string]any
	Priority core.Priority
}

// TaskUpdate carries the fields to change; nil means unchanged.
type TaskUpdate struct {
	Name     *string
	Config   map[string]any
	Priority *core.Priority
}

// Action is a lifecycle command.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
	ActionReset  Action = "reset"
)

// ParseAction validates a lifecycle command name.
func ParseAction(v string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(v)))
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionStop, ActionReset:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", v)
}

// Task returns the live task for id.
func (h *Host) Task(id string) (*core.Task, error) {
	task, ok := h.registry.Get(id)
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return task, nil
}

// GetTask returns the snapshot of one task.
func (h *Host) GetTask(id string) (core.Snapshot, error) {
	task, err := h.Task(id)
	if err != nil {
		return core.Snapshot{}, err
	}
	return task.Snapshot(), nil
}

// ListTasks returns snapshots in registration order.
func (h *Host) ListTasks() []core.Snapshot {
	tasks := h.registry.List()
	out := make([]core.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// CreateTask registers and persists a new idle task.
func (h *Host) CreateTask(ctx context.Context, spec TaskSpec) (core.Snapshot, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return core.Snapshot{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	b, err := behavior.New(spec.Kind, spec.Config, h.deps)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	priority := spec.Priority
	if priority == 0 {
		priority = core.PriorityNormal
	}
	if !priority.Valid() {
		return core.Snapshot{}, fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, priority)
	}
	task := core.NewTask(name, spec.Kind, spec.Config, b, h.taskOptions(priority)...)
	if err := h.store.SaveTask(ctx, task.Snapshot()); err != nil {
		return core.Snapshot{}, err
	}
	if err := h.registry.Add(task); err != nil {
		return core.Snapshot{}, err
	}
	h.logger.Info("task created", "task_id", task.ID(), "kind", spec.Kind, "name", name)
	return task.Snapshot(), nil
}

// UpdateTask changes a task's definition. The configuration cannot change
// while the task executes.
func (h *Host) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (core.Snapshot, error) {
	task, err := h.Task(id)
	if err != nil {
		return core.Snapshot{}, err
	}
	if upd.Priority != nil && !upd.Priority.Valid() {
		return core.Snapshot{}, fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, *upd.Priority)
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return core.Snapshot{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if upd.Config != nil {
		b, err := behavior.New(task.Kind(), upd.Config, h.deps)
		if err != nil {
			return core.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		if err := task.Reconfigure(upd.Config, b); err != nil {
			return core.Snapshot{}, err
		}
	}
	if upd.Name != nil {
		task.SetName(strings.TrimSpace(*upd.Name))
	}
	if upd.Priority != nil {
		task.SetPriority(*upd.Priority)
	}
	if err := h.store.SaveTask(ctx, task.Snapshot()); err != nil {
		return core.Snapshot{}, err
	}
	return task.Snapshot(), nil
}

// DeleteTask stops the task, drops its schedule and forgets it.
func (h *Host) DeleteTask(ctx context.Context, id string) error {
	task, err := h.Task(id)
	if err != nil {
		return err
	}
	if task.Executing() {
		task.Stop()
	}
	h.scheduler.RemoveSchedule(id)
	h.registry.Remove(id)
	h.runsMu.Lock()
	delete(h.runs, id)
	h.runsMu.Unlock()
	if err := h.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return err
	}
	h.logger.Info("task deleted", "task_id", id)
	return nil
}

// Control applies a lifecycle action and returns the resulting snapshot.
// Stop blocks for at most the task's stop timeout.
func (h *Host) Control(id string, action Action) (core.Snapshot, error) {
	task, err := h.Task(id)
	if err != nil {
		return core.Snapshot{}, err
	}
	switch action {
	case ActionStart:
		task.Start()
	case ActionPause:
		task.Pause()
	case ActionResume:
		task.Resume()
	case ActionStop:
		task.Stop()
	case ActionReset:
		task.Reset()
	default:
		return core.Snapshot{}, fmt.Errorf("unknown action %q", action)
	}
	return task.Snapshot(), nil
}

func (h *Host) StartTask(id string) (core.Snapshot, error) { return h.Control(id, ActionStart) }
func (h *Host) PauseTask(id string) (core.Snapshot, error) { return h.Control(id, ActionPause) }
func (h *Host) ResumeTask(id string) (core.Snapshot, error) { return h.Control(id, ActionResume) }
func (h *Host) StopTask(id string) (core.Snapshot, error) { return h.Control(id, ActionStop) }
func (h *Host) ResetTask(id string) (core.Snapshot, error) { return h.Control(id, ActionReset) }

// StartAll starts every task that is not already running and returns how
// many were started.
func (h *Host) StartAll() int {
	started := 0
	for _, task := range h.registry.List() {
		if task.Executing() {
			continue
		}
		task.Start()
		started++
	}
	return started
}

// StopAll stops every executing task concurrently and returns how many were
// asked to stop. The error names a task whose execution outlived its stop
// timeout.
func (h *Host) StopAll() (int, error) {
	var g errgroup.Group
	stopped := 0
	for _, task := range h.registry.List() {
		if !task.Executing() {
			continue
		}
		stopped++
		g.Go(func() error {
			task.Stop()
			if task.Executing() {
				return fmt.Errorf("%w: %s", ErrStopTimeout, task.ID())
			}
			return nil
		})
	}
	return stopped, g.Wait()
}

// Runs lists the recorded runs of a task, newest first.
func (h *Host) Runs(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if _, err := h.Task(taskID); err != nil {
		return nil, err
	}
	return h.store.ListRuns(ctx, taskID, limit, offset)
}

// Run returns a single run record.
func (h *Host) Run(ctx context.Context, runID string) (*core.Run, error) {
	return h.store.GetRun(ctx, runID)
}

// Logs returns up to n recent journal entries, optionally for one task.
func (h *Host) Logs(taskID string, n int) []core.LogEntry {
	if taskID == "" {
		return h.journal.Recent(n)
	}
	return h.journal.ForTask(taskID, n)
}
