package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"taskhub/internal/core"
	"taskhub/internal/eventbus"

	"github.com/coder/websocket"
)

const (
	eventBuffer       = 256
	eventWriteTimeout = 5 * time.Second
)

// eventMessage is the envelope of every websocket frame.
type eventMessage struct {
	Type    string `json:"type"`
	Time    string `json:"time"`
	TaskID  string `json:"task_id,omitempty"`
	Payload any    `json:"payload"`
}

type statusPayload struct {
	TaskName string  `json:"task_name"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Error    string  `json:"error,omitempty"`
	Progress float64 `json:"progress"`
}

type progressPayload struct {
	Progress float64 `json:"progress"`
}

// handleEvents streams bus events over a websocket. ?types= narrows the event
// types (comma separated) and ?task= narrows to one task. The stream is
// best effort: a slow client loses events rather than slowing tasks down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	taskFilter := strings.TrimSpace(r.URL.Query().Get("task"))

	// subscribe before the handshake completes so the client sees every
	// event published after its dial returns
	events, unsubscribe := s.host.Bus().Subscribe(eventBuffer, types...)
	defer unsubscribe()

	// without a token the same-origin check is the only guard against
	// foreign pages
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.authToken != "",
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("websocket connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			msg := toEventMessage(e)
			if taskFilter != "" && msg.TaskID != taskFilter {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("websocket marshal failed", "err", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

func toEventMessage(e eventbus.Event) eventMessage {
	msg := eventMessage{Type: e.Type, Time: core.FormatTime(e.Time), Payload: e.Data}
	switch d := e.Data.(type) {
	case core.StatusChange:
		msg.TaskID = d.TaskID
		msg.Payload = statusPayload{
			TaskName: d.TaskName,
			From:     string(d.From),
			To:       string(d.To),
			Error:    d.Error,
			Progress: d.Progress,
		}
	case core.ProgressUpdate:
		msg.TaskID = d.TaskID
		msg.Payload = progressPayload{Progress: d.Progress}
	case core.LogEntry:
		msg.TaskID = d.TaskID
		msg.Payload = logToResponse(d)
	}
	return msg
}
