package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
	"github.com/hochfrequenz/agent-queue/internal/lifecycle"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID            string                 `json:"id"`
	ProjectID     string                 `json:"project_id"`
	Title         string                 `json:"title"`
	Prompt        string                 `json:"prompt,omitempty"`
	FollowUp      string                 `json:"follow_up,omitempty"`
	Status        domain.TaskStatus      `json:"status"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Model         string                 `json:"model,omitempty"`
	ThinkingMode  string                 `json:"thinking_mode,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	Iteration     int                    `json:"iteration"`
	QueuePosition int                    `json:"queue_position"`
	Runtime       string                 `json:"runtime"`
	RuntimeMs     int64                  `json:"runtime_ms"`
	RunningSince  *string                `json:"running_since,omitempty"`
	Error         string                 `json:"error,omitempty"`
	PauseReason   string                 `json:"pause_reason,omitempty"`
	ResumeAfter   *string                `json:"resume_after,omitempty"`
	Incomplete    *domain.IncompleteWork `json:"incomplete,omitempty"`
	CreatedAt     string                 `json:"created_at"`
	UpdatedAt     string                 `json:"updated_at"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Counts        map[domain.TaskStatus]int `json:"counts"`
	Total         int                       `json:"total"`
	InFlight      int                       `json:"in_flight"`
	MaxConcurrent int                       `json:"max_concurrent"`
	AutoPlay      AutoPlayResponse          `json:"autoplay"`
	Usage         domain.UsageLimitState    `json:"usage"`
}

// AutoPlayResponse is the API response for the auto-play switch
type AutoPlayResponse struct {
	Enabled bool   `json:"enabled"`
	Window  string `json:"window,omitempty"`
	Pending int    `json:"pending"`
}

// ProjectResponse is the API response for a project
type ProjectResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// CreateTaskRequest is the body of POST /api/tasks
type CreateTaskRequest struct {
	Project  string `json:"project"`
	Title    string `json:"title"`
	Prompt   string `json:"prompt"`
	Agent    string `json:"agent"`
	Model    string `json:"model"`
	Thinking string `json:"thinking"`
	Backlog  bool   `json:"backlog"`
	Start    bool   `json:"start"`
}

// RequeueRequest is the body of POST /api/tasks/{id}/requeue
type RequeueRequest struct {
	FollowUp string `json:"follow_up"`
}

// ReviewRequest is the body of POST /api/tasks/{id}/review
type ReviewRequest struct {
	Accept bool `json:"accept"`
}

func taskToResponse(t *domain.Task, now time.Time) TaskResponse {
	resp := TaskResponse{
		ID:            t.ID,
		ProjectID:     t.ProjectID,
		Title:         t.DisplayTitle(),
		Prompt:        t.Prompt,
		FollowUp:      t.FollowUp,
		Status:        t.Status,
		AgentID:       t.AgentID,
		Model:         t.Model,
		ThinkingMode:  string(t.ThinkingMode),
		SessionID:     t.SessionID,
		Iteration:     t.CurrentIteration,
		QueuePosition: t.QueuePosition,
		Runtime:       t.Runtime(now).Round(time.Second).String(),
		RuntimeMs:     t.RuntimeMs,
		Error:         t.ErrorMessage,
		PauseReason:   string(t.PauseReason),
		Incomplete:    t.Incomplete,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     t.UpdatedAt.Format(time.RFC3339),
	}
	if t.RunningSessionStartedAt != nil {
		since := t.RunningSessionStartedAt.Format(time.RFC3339)
		resp.RunningSince = &since
	}
	if t.ResumeAfter != nil {
		after := t.ResumeAfter.Format(time.RFC3339)
		resp.ResumeAfter = &after
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		counts, err := s.store.CountByStatus()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{Counts: counts}
		for _, n := range counts {
			status.Total += n
		}
		if s.handles != nil {
			status.InFlight = s.handles.InFlight()
			status.MaxConcurrent = s.handles.MaxConcurrent()
		}
		if s.autoplay != nil {
			status.AutoPlay = s.autoplayResponse()
		}
		if s.usage != nil {
			status.Usage = s.usage.State()
		}

		writeJSON(w, status)
	}
}

func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listTasks(w, r)
		case http.MethodPost:
			s.createTask(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := taskstore.ListOptions{}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			st, ok := domain.ParseTaskStatus(strings.TrimSpace(part))
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown status: "+part)
				return
			}
			opts.Statuses = append(opts.Statuses, st)
		}
	}
	if ref := q.Get("project"); ref != "" {
		p, err := s.store.ResolveProject(ref)
		if err != nil {
			writeErr(w, err)
			return
		}
		opts.ProjectID = p.ID
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	tasks, err := s.store.ListTasks(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	responses := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		responses[i] = taskToResponse(t, now)
		responses[i].Prompt = ""
	}
	writeJSON(w, responses)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Project == "" {
		writeError(w, http.StatusBadRequest, "project is required")
		return
	}
	project, err := s.store.ResolveProject(req.Project)
	if err != nil {
		writeErr(w, err)
		return
	}

	task, err := s.tasks.Enqueue(r.Context(), lifecycle.NewTask{
		ProjectID:    project.ID,
		Title:        req.Title,
		Prompt:       req.Prompt,
		AgentID:      req.Agent,
		Model:        req.Model,
		ThinkingMode: domain.ParseThinkingMode(req.Thinking),
		Backlog:      req.Backlog,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if req.Start && !req.Backlog {
		if err := s.tasks.Start(r.Context(), task.ID); err != nil {
			s.logger.Warn("start after create failed", "task_id", task.ID, "error", err)
		} else if started, err := s.store.LoadTask(task.ID); err == nil {
			task = started
		}
	}

	writeJSONStatus(w, http.StatusCreated, taskToResponse(task, time.Now()))
}

// taskHandler serves /api/tasks/{id} and /api/tasks/{id}/{action}
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}
		id, action, _ := strings.Cut(path, "/")

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.getTask(w, id)
		case "logs":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.taskLogs(w, r, id)
		case "start", "cancel", "resume", "requeue", "review", "promote":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.taskAction(w, r, id, action)
		default:
			writeError(w, http.StatusNotFound, "unknown action: "+action)
		}
	}
}

func (s *Server) getTask(w http.ResponseWriter, id string) {
	task, err := s.store.LoadTask(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, taskToResponse(task, time.Now()))
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.LoadTask(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	iteration := task.CurrentIteration
	if it := r.URL.Query().Get("iteration"); it != "" {
		n, err := strconv.Atoi(it)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid iteration")
			return
		}
		iteration = n
	}
	log, err := s.store.ReadIterationLog(task.ProjectID, task.ID, iteration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log))
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, id, action string) {
	ctx := r.Context()
	var err error
	switch action {
	case "start":
		err = s.tasks.Start(ctx, id)
	case "cancel":
		var ok bool
		ok, err = s.tasks.Cancel(id)
		if err == nil && !ok {
			writeError(w, http.StatusConflict, "task has no live process")
			return
		}
	case "resume":
		err = s.tasks.Resume(ctx, id)
	case "requeue":
		var req RequeueRequest
		if r.ContentLength != 0 {
			if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+derr.Error())
				return
			}
		}
		err = s.tasks.Requeue(ctx, id, req.FollowUp)
	case "review":
		var req ReviewRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+derr.Error())
			return
		}
		err = s.tasks.Review(id, req.Accept)
	case "promote":
		err = s.tasks.Promote(id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	task, err := s.store.LoadTask(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, taskToResponse(task, time.Now()))
}

func (s *Server) listProjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		projects, err := s.store.ListProjects()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]ProjectResponse, len(projects))
		for i, p := range projects {
			resp[i] = ProjectResponse{ID: p.ID, Name: p.Name, Path: p.Path}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listHandlesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		resp := []executor.HandleInfo{}
		if s.handles != nil {
			for _, h := range s.handles.List() {
				resp = append(resp, h.Info())
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) usageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.usage == nil {
			writeError(w, http.StatusServiceUnavailable, "usage coordinator not available")
			return
		}
		writeJSON(w, s.usage.State())
	}
}

func (s *Server) clearUsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.usage == nil {
			writeError(w, http.StatusServiceUnavailable, "usage coordinator not available")
			return
		}
		writeJSON(w, s.usage.Clear())
	}
}

func (s *Server) autoplayResponse() AutoPlayResponse {
	return AutoPlayResponse{
		Enabled: s.autoplay.Enabled(),
		Window:  s.autoplay.Window(),
		Pending: s.autoplay.Pending(),
	}
}

func (s *Server) autoplayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.autoplay == nil {
			writeError(w, http.StatusServiceUnavailable, "auto-play not available")
			return
		}
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut, http.MethodPost:
			var req struct {
				Enabled *bool `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
				writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
				return
			}
			s.autoplay.SetEnabled(*req.Enabled)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.autoplayResponse())
	}
}
