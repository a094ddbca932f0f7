package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// SSEEvent represents a streamed event, for both SSE and WebSocket clients
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// TaskStatusEvent is the streamed form of a task status change
type TaskStatusEvent struct {
	TaskID    string            `json:"task_id"`
	ProjectID string            `json:"project_id"`
	From      domain.TaskStatus `json:"from"`
	To        domain.TaskStatus `json:"to"`
	Task      *TaskResponse     `json:"task,omitempty"`
}

const clientBuffer = 256

// toSSEEvent converts a bus event to its streamed form
func toSSEEvent(ev broadcast.Event) SSEEvent {
	switch p := ev.Payload.(type) {
	case broadcast.TaskStatusChanged:
		data := TaskStatusEvent{TaskID: p.TaskID, ProjectID: p.ProjectID, From: p.From, To: p.To}
		if p.Task != nil {
			resp := taskToResponse(p.Task, time.Now())
			resp.Prompt = ""
			data.Task = &resp
		}
		return SSEEvent{Type: ev.Topic, Data: data}
	}
	return SSEEvent{Type: ev.Topic, Data: ev.Payload}
}

// sseHandler streams bus events. ?topic= restricts the stream to a topic prefix,
// e.g. "task." or "usage.limit_changed".
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.events == nil {
			writeError(w, http.StatusServiceUnavailable, "event stream not available")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		sub := s.events.SubscribeBuffered(r.URL.Query().Get("topic"), clientBuffer)
		defer s.events.Unsubscribe(sub)

		// Opening comment so clients see the stream is live
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		keepAlive := time.NewTicker(30 * time.Second)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				event := toSSEEvent(ev)
				data, err := json.Marshal(event)
				if err != nil {
					s.logger.Warn("encoding event failed", "topic", ev.Topic, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
