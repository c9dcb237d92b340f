package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/core"
	"taskhub/internal/eventbus"
	"taskhub/internal/notify"
)

// record turns task status changes into run rows and task row updates.
func (h *Host) record(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			change, ok := ev.Data.(core.StatusChange)
			if !ok {
				continue
			}
			h.handleStatus(ctx, ev.Time, change)
		}
	}
}

func (h *Host) handleStatus(ctx context.Context, at time.Time, change core.StatusChange) {
	task, ok := h.registry.Get(change.TaskID)
	if !ok {
		return
	}
	switch {
	case change.To == core.StatusRunning && change.From != core.StatusPaused:
		h.openRun(ctx, change.TaskID, at)
	case change.To.Terminal():
		h.closeRun(ctx, change, at)
		h.persist(ctx, task)
		h.notifyOutcome(change)
	case change.To == core.StatusIdle:
		h.persist(ctx, task)
	}
}

func (h *Host) openRun(ctx context.Context, taskID string, at time.Time) {
	run := &core.Run{
		ID:        core.NewID(),
		TaskID:    taskID,
		Status:    core.RunStatusRunning,
		StartedAt: at,
	}
	if err := h.store.InsertRun(ctx, run); err != nil {
		h.logger.Error("record run start", "task_id", taskID, "err", err)
		return
	}
	h.runsMu.Lock()
	h.runs[taskID] = run.ID
	h.runsMu.Unlock()
}

func (h *Host) closeRun(ctx context.Context, change core.StatusChange, at time.Time) {
	h.runsMu.Lock()
	runID, ok := h.runs[change.TaskID]
	delete(h.runs, change.TaskID)
	h.runsMu.Unlock()
	if !ok {
		return
	}
	var errMsg *string
	if change.Error != "" && change.To != core.StatusCompleted {
		msg := change.Error
		errMsg = &msg
	}
	if err := h.store.CompleteRun(ctx, runID, core.RunStatusFor(change.To), at, change.Progress, errMsg); err != nil {
		h.logger.Error("record run end", "task_id", change.TaskID, "run_id", runID, "err", err)
		return
	}
	if n, err := h.store.PruneRuns(ctx, change.TaskID); err != nil {
		h.logger.Warn("prune runs", "task_id", change.TaskID, "err", err)
	} else if n > 0 {
		h.logger.Debug("pruned runs", "task_id", change.TaskID, "count", n)
	}
}

func (h *Host) notifyOutcome(change core.StatusChange) {
	var title, body string
	switch {
	case change.To == core.StatusFailed:
		title = "Task failed"
		body = fmt.Sprintf("%s: %s", change.TaskName, change.Error)
	case change.To == core.StatusCompleted && h.notifySuccess:
		title = "Task completed"
		body = change.TaskName
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := h.notifier.Send(ctx, title, body)
		switch {
		case err == nil:
		case errors.Is(err, notify.ErrThrottled):
			h.logger.Debug("notification throttled", "task_id", change.TaskID)
		default:
			h.logger.Warn("send notification", "task_id", change.TaskID, "err", err)
		}
	}()
}
