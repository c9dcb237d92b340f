package hub

import (
	"context"
	"fmt"
	"time"

	"taskhub/internal/core"
	"taskhub/internal/store"
)

// Schedule attaches (or replaces) the trigger of a task and persists its
// definition. Pass core.StartDisabled to create it disabled.
func (h *Host) Schedule(ctx context.Context, taskID string, kind core.TriggerKind, cfg core.TriggerConfig, opts ...core.AddOption) (core.Schedule, error) {
	if _, err := h.Task(taskID); err != nil {
		return core.Schedule{}, err
	}
	if err := core.ValidateTrigger(kind, cfg); err != nil {
		return core.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	sc, err := h.scheduler.AddSchedule(taskID, kind, cfg, opts...)
	if err != nil {
		return core.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	rec := store.ScheduleRecord{TaskID: taskID, Kind: kind, Config: cfg, Enabled: sc.Enabled, CreatedAt: sc.CreatedAt}
	if err := h.store.SaveSchedule(ctx, rec); err != nil {
		return core.Schedule{}, err
	}
	// an immediate schedule may already have fired and disabled itself
	if current, ok := h.scheduler.GetSchedule(taskID); ok {
		return current, nil
	}
	return sc, nil
}

// Unschedule removes the trigger of a task.
func (h *Host) Unschedule(ctx context.Context, taskID string) error {
	if !h.scheduler.RemoveSchedule(taskID) {
		return core.ErrScheduleNotFound
	}
	return h.store.DeleteSchedule(ctx, taskID)
}

// SetScheduleEnabled toggles a schedule. NextRun is preserved unless
// recompute asks for fresh timing from now.
func (h *Host) SetScheduleEnabled(ctx context.Context, taskID string, enabled, recompute bool) (core.Schedule, error) {
	var err error
	if enabled {
		err = h.scheduler.EnableSchedule(taskID)
	} else {
		err = h.scheduler.DisableSchedule(taskID)
	}
	if err != nil {
		return core.Schedule{}, err
	}
	if recompute {
		if _, err := h.scheduler.Recompute(taskID); err != nil {
			return core.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
	}
	if err := h.store.SetScheduleEnabled(ctx, taskID, enabled); err != nil {
		return core.Schedule{}, err
	}
	sc, _ := h.scheduler.GetSchedule(taskID)
	return sc, nil
}

// TriggerEvent arms the event schedule of a task. It reports false when the
// task has no event schedule.
func (h *Host) TriggerEvent(taskID string) (bool, error) {
	if _, err := h.Task(taskID); err != nil {
		return false, err
	}
	return h.scheduler.TriggerEvent(taskID), nil
}

// GetSchedule returns the schedule of a task.
func (h *Host) GetSchedule(taskID string) (core.Schedule, error) {
	sc, ok := h.scheduler.GetSchedule(taskID)
	if !ok {
		return core.Schedule{}, core.ErrScheduleNotFound
	}
	return sc, nil
}

// Schedules returns every schedule ordered by task id.
func (h *Host) Schedules() []core.Schedule {
	return h.scheduler.GetAllSchedules()
}

// Preview lists the next n fire times of a trigger, starting now.
func (h *Host) Preview(kind core.TriggerKind, cfg core.TriggerConfig, n int) ([]time.Time, error) {
	if n <= 0 || n > 50 {
		n = 5
	}
	return core.PreviewRuns(kind, cfg, h.now().In(h.location), n)
}
