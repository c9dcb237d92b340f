package mcp

import (
	"time"

	"taskhub/internal/core"
)

type taskView struct {
	core.Snapshot
	Schedule *scheduleView `json:"schedule,omitempty"`
}

type scheduleView struct {
	Kind      string             `json:"kind"`
	Config    core.TriggerConfig `json:"config"`
	Enabled   bool               `json:"enabled"`
	NextRun   *string            `json:"next_run"`
	FireCount int                `json:"fire_count"`
	LastError string             `json:"last_error,omitempty"`
}

type runView struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	Progress  float64 `json:"progress"`
	Error     *string `json:"error,omitempty"`
}

func (s *Server) view(snap core.Snapshot) taskView {
	v := taskView{Snapshot: snap}
	if sc, err := s.host.GetSchedule(snap.ID); err == nil {
		v.Schedule = &scheduleView{
			Kind:      string(sc.Kind),
			Config:    sc.Config,
			Enabled:   sc.Enabled,
			NextRun:   formatTime(sc.NextRun),
			FireCount: sc.FireCount,
			LastError: sc.LastError,
		}
	}
	return v
}

func toRunView(run *core.Run) runView {
	return runView{
		ID:        run.ID,
		Status:    string(run.Status),
		StartedAt: core.FormatTime(run.StartedAt),
		EndedAt:   formatTime(run.EndedAt),
		Progress:  run.Progress,
		Error:     run.Error,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := core.FormatTime(*t)
	return &v
}
