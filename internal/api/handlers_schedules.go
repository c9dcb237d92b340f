package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"taskhub/internal/core"

	"github.com/go-chi/chi/v5"
)

type scheduleRequest struct {
	Kind    string             `json:"kind"`
	Config  core.TriggerConfig `json:"config"`
	Enabled *bool              `json:"enabled,omitempty"`
}

func (req *scheduleRequest) parse() (core.TriggerKind, core.TriggerConfig, error) {
	kind, err := core.ParseTriggerKind(req.Kind)
	if err != nil {
		return "", core.TriggerConfig{}, err
	}
	if err := core.ValidateTrigger(kind, req.Config); err != nil {
		return "", core.TriggerConfig{}, err
	}
	return kind, req.Config, nil
}

func (req *scheduleRequest) addOptions() []core.AddOption {
	if req.Enabled != nil && !*req.Enabled {
		return []core.AddOption{core.StartDisabled()}
	}
	return nil
}

type scheduleResponse struct {
	TaskID    string             `json:"task_id"`
	Kind      string             `json:"kind"`
	Config    core.TriggerConfig `json:"config"`
	Enabled   bool               `json:"enabled"`
	NextRun   *string            `json:"next_run"`
	LastFired *string            `json:"last_fired,omitempty"`
	FireCount int                `json:"fire_count"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt string             `json:"created_at"`
}

type previewRequest struct {
	Kind   string             `json:"kind"`
	Config core.TriggerConfig `json:"config"`
	Count  int                `json:"count,omitempty"`
}

type previewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.host.GetTask(taskID); err != nil {
		s.writeHostError(w, err, "get schedule")
		return
	}
	sc, err := s.host.GetSchedule(taskID)
	if err != nil {
		s.writeHostError(w, err, "get schedule")
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sc))
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	kind, cfg, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}
	sc, err := s.host.Schedule(r.Context(), taskID, kind, cfg, req.addOptions()...)
	if err != nil {
		s.writeHostError(w, err, "schedule task")
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sc))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.host.GetTask(taskID); err != nil {
		s.writeHostError(w, err, "unschedule task")
		return
	}
	if err := s.host.Unschedule(r.Context(), taskID); err != nil {
		s.writeHostError(w, err, "unschedule task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	recompute, _ := strconv.ParseBool(r.URL.Query().Get("recompute"))
	s.toggleSchedule(w, r, true, recompute)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, false, false)
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request, enabled, recompute bool) {
	sc, err := s.host.SetScheduleEnabled(r.Context(), chi.URLParam(r, "taskID"), enabled, recompute)
	if err != nil {
		s.writeHostError(w, err, "toggle schedule")
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sc))
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	armed, err := s.host.TriggerEvent(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeHostError(w, err, "trigger event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"armed": armed})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules := s.host.Schedules()
	res := make([]scheduleResponse, 0, len(schedules))
	for _, sc := range schedules {
		res = append(res, scheduleToResponse(sc))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, previewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	kind, err := core.ParseTriggerKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, previewResponse{Valid: false, Message: err.Error()})
		return
	}
	times, err := s.host.Preview(kind, req.Config, req.Count)
	if err != nil {
		writeJSON(w, http.StatusOK, previewResponse{Valid: false, Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, previewResponse{Valid: true, NextTimes: formatted})
}

func scheduleToResponse(sc core.Schedule) scheduleResponse {
	return scheduleResponse{
		TaskID:    sc.TaskID,
		Kind:      string(sc.Kind),
		Config:    sc.Config,
		Enabled:   sc.Enabled,
		NextRun:   formatOptional(sc.NextRun),
		LastFired: formatOptional(sc.LastFired),
		FireCount: sc.FireCount,
		LastError: sc.LastError,
		CreatedAt: core.FormatTime(sc.CreatedAt),
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := core.FormatTime(*t)
	return &v
}
