package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"taskhub/internal/core"
	"taskhub/internal/hub"
	"taskhub/internal/store"

	"github.com/go-chi/chi/v5"
)

// priorityField accepts either the ordinal (3) or the name ("high").
type priorityField core.Priority

func (p *priorityField) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = priorityField(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a number or a name")
	}
	parsed, err := core.ParsePriority(s)
	if err != nil {
		return err
	}
	*p = priorityField(parsed)
	return nil
}

type createTaskRequest struct {
	Name     string           `json:"name"`
	Type     string           `json:"type"`
	Config   map[string]any   `json:"config"`
	Priority priorityField    `json:"priority"`
	Schedule *scheduleRequest `json:"schedule,omitempty"`
}

type updateTaskRequest struct {
	Name     *string        `json:"name"`
	Config   map[string]any `json:"config"`
	Priority *priorityField `json:"priority"`
}

type taskResponse struct {
	core.Snapshot
	Schedule *scheduleResponse `json:"schedule,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "type is required")
		return
	}

	var (
		kind core.TriggerKind
		cfg  core.TriggerConfig
	)
	if req.Schedule != nil {
		var err error
		if kind, cfg, err = req.Schedule.parse(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
	}

	snap, err := s.host.CreateTask(r.Context(), hub.TaskSpec{
		Name:     req.Name,
		Kind:     req.Type,
		Config:   req.Config,
		Priority: core.Priority(req.Priority),
	})
	if err != nil {
		s.writeHostError(w, err, "create task")
		return
	}
	if req.Schedule != nil {
		if _, err := s.host.Schedule(r.Context(), snap.ID, kind, cfg, req.Schedule.addOptions()...); err != nil {
			s.writeHostError(w, err, "schedule task")
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.taskByID(snap.ID))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter core.Status
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		st, err := core.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		statusFilter = st
	}
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	snaps := s.host.ListTasks()
	res := make([]taskResponse, 0, len(snaps))
	for _, snap := range snaps {
		if statusFilter != "" && snap.Status != string(statusFilter) {
			continue
		}
		if typeFilter != "" && snap.Type != typeFilter {
			continue
		}
		res = append(res, s.withSchedule(snap))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.host.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeHostError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, s.withSchedule(snap))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	upd := hub.TaskUpdate{Name: req.Name, Config: req.Config}
	if req.Priority != nil {
		p := core.Priority(*req.Priority)
		upd.Priority = &p
	}
	snap, err := s.host.UpdateTask(r.Context(), taskID, upd)
	if err != nil {
		s.writeHostError(w, err, "update task")
		return
	}
	writeJSON(w, http.StatusOK, s.withSchedule(snap))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.host.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeHostError(w, err, "delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	action, err := hub.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	snap, err := s.host.Control(chi.URLParam(r, "taskID"), action)
	if err != nil {
		s.writeHostError(w, err, string(action)+" task")
		return
	}
	writeJSON(w, http.StatusOK, s.withSchedule(snap))
}

type bulkResponse struct {
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, bulkResponse{Count: s.host.StartAll()})
}

// handleStopAll blocks until every task stopped or hit its stop timeout.
func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.host.StopAll()
	res := bulkResponse{Count: n}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) taskByID(taskID string) taskResponse {
	snap, err := s.host.GetTask(taskID)
	if err != nil {
		return taskResponse{Snapshot: core.Snapshot{ID: taskID}}
	}
	return s.withSchedule(snap)
}

func (s *Server) withSchedule(snap core.Snapshot) taskResponse {
	res := taskResponse{Snapshot: snap}
	if sc, err := s.host.GetSchedule(snap.ID); err == nil {
		sr := scheduleToResponse(sc)
		res.Schedule = &sr
	}
	return res
}

// writeHostError maps hub, core and store errors to the JSON envelope.
func (s *Server) writeHostError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound), errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, core.ErrTaskRunning):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrTaskExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, hub.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
