package hub

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"taskhub/internal/core"
	"taskhub/internal/manifest"
)

// ApplyResult counts what Apply changed.
type ApplyResult struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Scheduled int      `json:"scheduled"`
	Errors    []string `json:"errors,omitempty"`
}

// Export captures every task and its schedule definition.
func (h *Host) Export() *manifest.Document {
	doc := manifest.New(h.now())
	for _, snap := range h.ListTasks() {
		entry := manifest.Entry{Snapshot: snap}
		if sc, ok := h.scheduler.GetSchedule(snap.ID); ok {
			entry.Schedule = &manifest.ScheduleDef{Kind: string(sc.Kind), Config: sc.Config, Enabled: sc.Enabled}
		}
		doc.Tasks = append(doc.Tasks, entry)
	}
	return doc
}

// Apply merges a manifest by task id: known tasks are updated, others are
// created keeping the manifest id and counters. A failing entry is reported
// and skipped.
func (h *Host) Apply(ctx context.Context, doc *manifest.Document) (ApplyResult, error) {
	var res ApplyResult
	if err := doc.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	for _, entry := range doc.Tasks {
		id, err := h.applyEntry(ctx, entry, &res)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entry.Name, err))
			continue
		}
		if entry.Schedule == nil {
			continue
		}
		if err := h.applySchedule(ctx, id, entry.Schedule); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s schedule: %v", entry.Name, err))
			continue
		}
		res.Scheduled++
	}
	h.logger.Info("manifest applied", "created", res.Created, "updated", res.Updated,
		"scheduled", res.Scheduled, "errors", len(res.Errors))
	return res, nil
}

func (h *Host) applyEntry(ctx context.Context, entry manifest.Entry, res *ApplyResult) (string, error) {
	if entry.ID != "" {
		if task, ok := h.registry.Get(entry.ID); ok {
			name := entry.Name
			priority := core.Priority(entry.Priority)
			var upd TaskUpdate
			if entry.Config != nil && !reflect.DeepEqual(task.Config(), entry.Config) {
				upd.Config = entry.Config
			}
			if name != "" {
				upd.Name = &name
			}
			if priority.Valid() {
				upd.Priority = &priority
			}
			if _, err := h.UpdateTask(ctx, entry.ID, upd); err != nil {
				return "", err
			}
			res.Updated++
			return entry.ID, nil
		}
	}

	if entry.ID == "" {
		snap, err := h.CreateTask(ctx, TaskSpec{
			Name:     entry.Name,
			Kind:     entry.Type,
			Config:   entry.Config,
			Priority: core.Priority(entry.Priority),
		})
		if err != nil {
			return "", err
		}
		res.Created++
		return snap.ID, nil
	}

	b := h.buildBehavior(entry.Type, entry.Config)
	if invalid, ok := b.(invalidBehavior); ok {
		return "", fmt.Errorf("%w: %v", ErrInvalidTask, invalid.err)
	}
	task, err := core.RestoreTask(entry.Snapshot, b, h.taskOptions(core.Priority(entry.Priority))...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := h.store.SaveTask(ctx, task.Snapshot()); err != nil {
		return "", err
	}
	if err := h.registry.Add(task); err != nil {
		if errors.Is(err, core.ErrTaskExists) {
			return "", fmt.Errorf("task %s registered concurrently", entry.ID)
		}
		return "", err
	}
	res.Created++
	return task.ID(), nil
}

func (h *Host) applySchedule(ctx context.Context, taskID string, def *manifest.ScheduleDef) error {
	kind, err := core.ParseTriggerKind(def.Kind)
	if err != nil {
		return err
	}
	if current, ok := h.scheduler.GetSchedule(taskID); ok && current.Kind == kind && current.Config == def.Config {
		// an immediate schedule that already fired stays spent
		spent := kind == core.TriggerImmediate && current.FireCount > 0
		if current.Enabled == def.Enabled || spent {
			return nil
		}
	}
	var opts []core.AddOption
	if !def.Enabled {
		opts = append(opts, core.StartDisabled())
	}
	_, err = h.Schedule(ctx, taskID, kind, def.Config, opts...)
	return err
}
