package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskhub/internal/behavior"
	"taskhub/internal/core"
	"taskhub/internal/hub"
	"taskhub/internal/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var (
	taskKinds    = []string{behavior.KindScript, behavior.KindFileTransfer, behavior.KindGit, behavior.KindSQL}
	triggerKinds = []string{
		string(core.TriggerImmediate), string(core.TriggerInterval), string(core.TriggerDaily),
		string(core.TriggerWeekly), string(core.TriggerCron), string(core.TriggerEvent),
	}
	actions = []string{
		string(hub.ActionStart), string(hub.ActionPause), string(hub.ActionResume),
		string(hub.ActionStop), string(hub.ActionReset),
	}
)

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: mcp.NewTool("task_list",
			mcp.WithDescription("List every task with its status, counters and schedule"),
			mcp.WithString("status", mcp.Description("Only tasks in this status, e.g. Running or Failed")),
			mcp.WithString("type", mcp.Description("Only tasks of this type"), mcp.Enum(taskKinds...)),
		), Handler: s.handleListTasks},

		{Tool: mcp.NewTool("task_get",
			mcp.WithDescription("Get one task by id"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		), Handler: s.handleGetTask},

		{Tool: mcp.NewTool("task_create",
			mcp.WithDescription("Create a task. It starts Idle; use task_control or task_schedule to run it"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Display name")),
			mcp.WithString("type", mcp.Required(), mcp.Description("Task type"), mcp.Enum(taskKinds...)),
			mcp.WithObject("config", mcp.Description("Type specific settings, e.g. {\"source\":...,\"destination\":...} for file_transfer")),
			mcp.WithString("priority", mcp.Description("Advisory priority, default normal"), mcp.Enum("low", "normal", "high", "critical")),
		), Handler: s.handleCreateTask},

		{Tool: mcp.NewTool("task_delete",
			mcp.WithDescription("Stop a task if it runs, drop its schedule and delete it"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		), Handler: s.handleDeleteTask},

		{Tool: mcp.NewTool("task_control",
			mcp.WithDescription("Apply a lifecycle action to a task"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("action", mcp.Required(), mcp.Description("Action"), mcp.Enum(actions...)),
		), Handler: s.handleControl},

		{Tool: mcp.NewTool("task_control_all",
			mcp.WithDescription("Start every task that is not executing, or stop every executing task"),
			mcp.WithString("action", mcp.Required(), mcp.Description("Action"), mcp.Enum(string(hub.ActionStart), string(hub.ActionStop))),
		), Handler: s.handleControlAll},

		{Tool: s.triggerTool("task_schedule",
			"Attach or replace the schedule of a task",
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithBoolean("enabled", mcp.Description("Create the schedule disabled when false, default true")),
		), Handler: s.handleSchedule},

		{Tool: mcp.NewTool("task_unschedule",
			mcp.WithDescription("Remove the schedule of a task"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		), Handler: s.handleUnschedule},

		{Tool: mcp.NewTool("task_trigger_event",
			mcp.WithDescription("Fire the event schedule of a task on the next scheduler tick"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		), Handler: s.handleTriggerEvent},

		{Tool: mcp.NewTool("task_runs",
			mcp.WithDescription("Show the run history of a task, newest first"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithNumber("limit", mcp.Description("Number of runs, default 20"), mcp.Min(1), mcp.Max(100)),
		), Handler: s.handleRuns},

		{Tool: mcp.NewTool("task_logs",
			mcp.WithDescription("Show recent task log lines"),
			mcp.WithString("task_id", mcp.Description("Only lines of this task")),
			mcp.WithNumber("limit", mcp.Description("Number of lines, default 50"), mcp.Min(1), mcp.Max(1000)),
		), Handler: s.handleLogs},

		{Tool: s.triggerTool("schedule_preview",
			"Preview the next fire times of a trigger",
			mcp.WithNumber("count", mcp.Description("Number of fire times, default 5"), mcp.Min(1), mcp.Max(50)),
		), Handler: s.handlePreview},
	}
}

// triggerTool declares a tool taking a trigger kind and its settings as flat
// arguments.
func (s *Server) triggerTool(name, description string, extra ...mcp.ToolOption) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Trigger kind"), mcp.Enum(triggerKinds...)),
		mcp.WithNumber("hours", mcp.Description("interval: hours"), mcp.Min(0)),
		mcp.WithNumber("minutes", mcp.Description("interval: minutes"), mcp.Min(0)),
		mcp.WithNumber("seconds", mcp.Description("interval: seconds"), mcp.Min(0)),
		mcp.WithString("time", mcp.Description("daily/weekly: HH:MM or HH:MM:SS")),
		mcp.WithNumber("day", mcp.Description("weekly: 0=Monday through 6=Sunday"), mcp.Min(0), mcp.Max(6)),
		mcp.WithString("expression", mcp.Description("cron: 5 field expression, e.g. '0 9 * * 1-5'")),
		mcp.WithString("event_type", mcp.Description("event: informational label")),
	}
	return mcp.NewTool(name, append(opts, extra...)...)
}

func parseTrigger(req mcp.CallToolRequest) (core.TriggerKind, core.TriggerConfig, error) {
	kind, err := core.ParseTriggerKind(mcp.ParseString(req, "kind", ""))
	if err != nil {
		return "", core.TriggerConfig{}, err
	}
	cfg := core.TriggerConfig{
		Hours:      mcp.ParseInt(req, "hours", 0),
		Minutes:    mcp.ParseInt(req, "minutes", 0),
		Seconds:    mcp.ParseInt(req, "seconds", 0),
		Time:       strings.TrimSpace(mcp.ParseString(req, "time", "")),
		Day:        mcp.ParseInt(req, "day", 0),
		Expression: strings.TrimSpace(mcp.ParseString(req, "expression", "")),
		EventType:  mcp.ParseString(req, "event_type", ""),
	}
	return kind, cfg, nil
}

func requireTaskID(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id := strings.TrimSpace(mcp.ParseString(req, "task_id", ""))
	if id == "" {
		return "", mcp.NewToolResultError("task_id is required")
	}
	return id, nil
}

func (s *Server) handleListTasks(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statusFilter := mcp.ParseString(req, "status", "")
	typeFilter := mcp.ParseString(req, "type", "")
	views := []taskView{}
	for _, snap := range s.host.ListTasks() {
		if statusFilter != "" && !strings.EqualFold(snap.Status, statusFilter) {
			continue
		}
		if typeFilter != "" && snap.Type != typeFilter {
			continue
		}
		views = append(views, s.view(snap))
	}
	return resultJSON(views)
}

func (s *Server) handleGetTask(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	snap, err := s.host.GetTask(id)
	if err != nil {
		return toolError(id, err), nil
	}
	return resultJSON(s.view(snap))
}

func (s *Server) handleCreateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	priority, err := core.ParsePriority(mcp.ParseString(req, "priority", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.host.CreateTask(ctx, hub.TaskSpec{
		Name:     mcp.ParseString(req, "name", ""),
		Kind:     mcp.ParseString(req, "type", ""),
		Config:   mcp.ParseStringMap(req, "config", map[string]any{}),
		Priority: priority,
	})
	if err != nil {
		return toolError("", err), nil
	}
	return resultJSON(s.view(snap))
}

func (s *Server) handleDeleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	if err := s.host.DeleteTask(ctx, id); err != nil {
		return toolError(id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", id)), nil
}

func (s *Server) handleControl(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	action, err := hub.ParseAction(mcp.ParseString(req, "action", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.host.Control(id, action)
	if err != nil {
		return toolError(id, err), nil
	}
	return resultJSON(s.view(snap))
}

func (s *Server) handleControlAll(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch action := mcp.ParseString(req, "action", ""); action {
	case string(hub.ActionStart):
		return mcp.NewToolResultText(fmt.Sprintf("Started %d task(s)", s.host.StartAll())), nil
	case string(hub.ActionStop):
		n, err := s.host.StopAll()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Stopped %d task(s): %v", n, err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Stopped %d task(s)", n)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("action must be start or stop, got %q", action)), nil
	}
}

func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	kind, cfg, err := parseTrigger(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var opts []core.AddOption
	if !mcp.ParseBoolean(req, "enabled", true) {
		opts = append(opts, core.StartDisabled())
	}
	if _, err := s.host.Schedule(ctx, id, kind, cfg, opts...); err != nil {
		return toolError(id, err), nil
	}
	snap, err := s.host.GetTask(id)
	if err != nil {
		return toolError(id, err), nil
	}
	return resultJSON(s.view(snap))
}

func (s *Server) handleUnschedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	if _, err := s.host.GetTask(id); err != nil {
		return toolError(id, err), nil
	}
	if err := s.host.Unschedule(ctx, id); err != nil {
		return toolError(id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule removed: %s", id)), nil
}

func (s *Server) handleTriggerEvent(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	armed, err := s.host.TriggerEvent(id)
	if err != nil {
		return toolError(id, err), nil
	}
	if !armed {
		return mcp.NewToolResultError(fmt.Sprintf("task %s has no event schedule", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Event armed for %s; it fires on the next scheduler tick", id)), nil
}

func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := requireTaskID(req)
	if bad != nil {
		return bad, nil
	}
	runs, err := s.host.Runs(ctx, id, mcp.ParseInt(req, "limit", 20), 0)
	if err != nil {
		return toolError(id, err), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run))
	}
	return resultJSON(views)
}

func (s *Server) handleLogs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(mcp.ParseString(req, "task_id", ""))
	entries := s.host.Logs(id, mcp.ParseInt(req, "limit", 50))
	if len(entries) == 0 {
		return mcp.NewToolResultText("No log entries"), nil
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(logging.FormatEntry(e))
		b.WriteByte('\n')
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handlePreview(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, cfg, err := parseTrigger(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	times, err := s.host.Preview(kind, cfg, mcp.ParseInt(req, "count", 5))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid trigger: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trigger: %s\n", kind)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.host.Location())
	if len(times) == 0 {
		b.WriteString("No scheduled fire times; event triggers fire only when armed.\n")
		return mcp.NewToolResultText(b.String()), nil
	}
	b.WriteString("Next fire times:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.In(s.host.Location()).Format(time.DateTime))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// toolError turns a host error into a tool error result.
func toolError(taskID string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	case errors.Is(err, core.ErrScheduleNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("task %s has no schedule", taskID))
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
