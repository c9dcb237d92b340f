package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskhub/internal/core"
	"taskhub/internal/hub"
	"taskhub/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), t.TempDir(), 10)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	h, err := hub.New(hub.Options{
		Logger:      logger,
		Store:       st,
		Location:    time.UTC,
		StopTimeout: 2 * time.Second,
		Scheduler:   core.NewScheduler(logger, core.WithLocation(time.UTC), core.WithPollInterval(time.Hour)),
	})
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	h.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(ctx)
		st.Close()
	})
	return NewServer(h, logger, "test")
}

func call(t *testing.T, s *Server, name string, args map[string]any) (string, bool) {
	t.Helper()
	for _, tool := range s.tools() {
		if tool.Tool.Name != name {
			continue
		}
		res, err := tool.Handler(context.Background(), mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		if err != nil {
			t.Fatalf("%s: handler error: %v", name, err)
		}
		if len(res.Content) == 0 {
			t.Fatalf("%s: empty result", name)
		}
		text, ok := res.Content[0].(mcp.TextContent)
		if !ok {
			t.Fatalf("%s: content %T, want TextContent", name, res.Content[0])
		}
		return text.Text, res.IsError
	}
	t.Fatalf("tool %q not registered", name)
	return "", false
}

func createTransfer(t *testing.T, s *Server) taskView {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	text, isErr := call(t, s, "task_create", map[string]any{
		"name":     "copy",
		"type":     "file_transfer",
		"priority": "critical",
		"config":   map[string]any{"source": src, "destination": filepath.Join(dir, "out.txt")},
	})
	if isErr {
		t.Fatalf("task_create: %s", text)
	}
	var v taskView
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		t.Fatalf("decode %s: %v", text, err)
	}
	return v
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t)
	want := map[string]bool{
		"task_list": false, "task_get": false, "task_create": false, "task_delete": false,
		"task_control": false, "task_control_all": false, "task_schedule": false, "task_unschedule": false,
		"task_trigger_event": false, "task_runs": false, "task_logs": false, "schedule_preview": false,
	}
	for _, tool := range s.tools() {
		if _, ok := want[tool.Tool.Name]; !ok {
			t.Errorf("unexpected tool %q", tool.Tool.Name)
			continue
		}
		want[tool.Tool.Name] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestCreateScheduleAndRun(t *testing.T) {
	s := newTestServer(t)
	task := createTransfer(t, s)
	if task.ID == "" || task.Priority != int(core.PriorityCritical) || task.Status != "Idle" {
		t.Fatalf("created = %+v", task)
	}

	text, isErr := call(t, s, "task_schedule", map[string]any{"task_id": task.ID, "kind": "interval", "minutes": 10})
	if isErr {
		t.Fatalf("task_schedule: %s", text)
	}
	var scheduled taskView
	if err := json.Unmarshal([]byte(text), &scheduled); err != nil {
		t.Fatal(err)
	}
	if scheduled.Schedule == nil || scheduled.Schedule.Config.Minutes != 10 || !scheduled.Schedule.Enabled {
		t.Fatalf("schedule = %+v", scheduled.Schedule)
	}

	if text, isErr = call(t, s, "task_control", map[string]any{"task_id": task.ID, "action": "start"}); isErr {
		t.Fatalf("task_control: %s", text)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		text, _ = call(t, s, "task_runs", map[string]any{"task_id": task.ID})
		if strings.Contains(text, string(core.RunStatusSucceeded)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no succeeded run, last result: %s", text)
		}
		time.Sleep(10 * time.Millisecond)
	}

	text, _ = call(t, s, "task_logs", map[string]any{"task_id": task.ID})
	if !strings.Contains(text, "[copy]") {
		t.Fatalf("task_logs = %q", text)
	}

	text, _ = call(t, s, "task_list", map[string]any{"status": "completed"})
	var listed []taskView
	if err := json.Unmarshal([]byte(text), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != task.ID {
		t.Fatalf("task_list = %s", text)
	}

	if text, isErr = call(t, s, "task_unschedule", map[string]any{"task_id": task.ID}); isErr {
		t.Fatalf("task_unschedule: %s", text)
	}
	if text, isErr = call(t, s, "task_delete", map[string]any{"task_id": task.ID}); isErr {
		t.Fatalf("task_delete: %s", text)
	}
	if _, isErr = call(t, s, "task_get", map[string]any{"task_id": task.ID}); !isErr {
		t.Fatal("task_get after delete succeeded")
	}
}

func TestToolErrors(t *testing.T) {
	s := newTestServer(t)
	task := createTransfer(t, s)

	cases := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing id", "task_get", map[string]any{}},
		{"unknown task", "task_get", map[string]any{"task_id": "nope"}},
		{"unknown type", "task_create", map[string]any{"name": "x", "type": "ftp"}},
		{"bad priority", "task_create", map[string]any{"name": "x", "type": "script", "priority": "urgent"}},
		{"bad action", "task_control", map[string]any{"task_id": task.ID, "action": "explode"}},
		{"bad trigger", "task_schedule", map[string]any{"task_id": task.ID, "kind": "daily", "time": "7pm"}},
		{"no event schedule", "task_trigger_event", map[string]any{"task_id": task.ID}},
		{"no schedule", "task_unschedule", map[string]any{"task_id": task.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if text, isErr := call(t, s, tc.tool, tc.args); !isErr {
				t.Fatalf("%s succeeded: %s", tc.tool, text)
			}
		})
	}
}

func TestEventTrigger(t *testing.T) {
	s := newTestServer(t)
	task := createTransfer(t, s)
	if text, isErr := call(t, s, "task_schedule", map[string]any{"task_id": task.ID, "kind": "event", "event_type": "upload"}); isErr {
		t.Fatalf("task_schedule: %s", text)
	}
	if text, isErr := call(t, s, "task_trigger_event", map[string]any{"task_id": task.ID}); isErr {
		t.Fatalf("task_trigger_event: %s", text)
	}
}

func TestSchedulePreview(t *testing.T) {
	s := newTestServer(t)

	text, isErr := call(t, s, "schedule_preview", map[string]any{"kind": "cron", "expression": "30 8 * * *", "count": 3})
	if isErr {
		t.Fatalf("schedule_preview: %s", text)
	}
	if !strings.Contains(text, "3. ") || strings.Contains(text, "4. ") || !strings.Contains(text, "08:30:00") {
		t.Fatalf("preview = %q", text)
	}

	text, isErr = call(t, s, "schedule_preview", map[string]any{"kind": "event"})
	if isErr || !strings.Contains(text, "No scheduled fire times") {
		t.Fatalf("event preview = %q", text)
	}

	if _, isErr = call(t, s, "schedule_preview", map[string]any{"kind": "weekly", "time": "09:00", "day": 9}); !isErr {
		t.Fatal("weekly preview with day 9 succeeded")
	}
}

func TestControlAll(t *testing.T) {
	s := newTestServer(t)
	task := createTransfer(t, s)

	text, isErr := call(t, s, "task_control_all", map[string]any{"action": "start"})
	if isErr || text != "Started 1 task(s)" {
		t.Fatalf("start all = %q, %v", text, isErr)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := s.host.GetTask(task.ID)
		if err == nil && snap.Status == string(core.StatusCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task not completed: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if text, isErr = call(t, s, "task_control_all", map[string]any{"action": "stop"}); isErr || text != "Stopped 0 task(s)" {
		t.Fatalf("stop all = %q, %v", text, isErr)
	}
	if _, isErr = call(t, s, "task_control_all", map[string]any{"action": "pause"}); !isErr {
		t.Fatal("pause all succeeded")
	}
}
