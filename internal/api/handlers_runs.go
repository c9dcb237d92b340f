package api

import (
	"net/http"
	"strings"

	"taskhub/internal/core"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	Progress  float64 `json:"progress"`
	Error     *string `json:"error,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type logResponse struct {
	Time     string `json:"time"`
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	Level    string `json:"level"`
	Message  string `json:"message"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.host.Runs(r.Context(), taskID, limit, offset)
	if err != nil {
		s.writeHostError(w, err, "list runs")
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.host.Run(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeHostError(w, err, "get run")
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleLogs serves the in-memory journal, as JSON or, with ?format=text, in
// the plain export layout.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task"))
	if taskID != "" {
		if _, err := s.host.GetTask(taskID); err != nil {
			s.writeHostError(w, err, "read logs")
			return
		}
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "text") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := s.host.Journal().Export(w, taskID); err != nil {
			s.logger.Error("export logs", "err", err)
		}
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	entries := s.host.Logs(taskID, limit)
	resp := make([]logResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:        run.ID,
		TaskID:    run.TaskID,
		Status:    string(run.Status),
		StartedAt: core.FormatTime(run.StartedAt),
		EndedAt:   formatOptional(run.EndedAt),
		Progress:  run.Progress,
		Error:     run.Error,
		CreatedAt: core.FormatTime(run.CreatedAt),
	}
}

func logToResponse(e core.LogEntry) logResponse {
	return logResponse{
		Time:     core.FormatTime(e.Time),
		TaskID:   e.TaskID,
		TaskName: e.TaskName,
		Level:    string(e.Level),
		Message:  e.Message,
	}
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.host.Journal().Clear()
	w.WriteHeader(http.StatusNoContent)
}
