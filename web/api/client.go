package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// Client talks to a running server
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL, e.g. "http://127.0.0.1:8080"
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status returns the overall status
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var s StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &s)
	return s, err
}

// Tasks lists tasks, optionally filtered by status
func (c *Client) Tasks(ctx context.Context, statuses ...domain.TaskStatus) ([]TaskResponse, error) {
	path := "/api/tasks"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var tasks []TaskResponse
	err := c.do(ctx, http.MethodGet, path, nil, &tasks)
	return tasks, err
}

// Handles lists live agent processes
func (c *Client) Handles(ctx context.Context) ([]executor.HandleInfo, error) {
	var handles []executor.HandleInfo
	err := c.do(ctx, http.MethodGet, "/api/handles", nil, &handles)
	return handles, err
}

// Action runs a task action such as "start" or "cancel"
func (c *Client) Action(ctx context.Context, taskID, action string, body interface{}) (TaskResponse, error) {
	var t TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/"+action, body, &t)
	return t, err
}

// SetAutoPlay switches auto-play
func (c *Client) SetAutoPlay(ctx context.Context, enabled bool) (AutoPlayResponse, error) {
	var a AutoPlayResponse
	err := c.do(ctx, http.MethodPut, "/api/autoplay", map[string]bool{"enabled": enabled}, &a)
	return a, err
}

// Usage returns the global usage-limit state
func (c *Client) Usage(ctx context.Context) (domain.UsageLimitState, error) {
	var u domain.UsageLimitState
	err := c.do(ctx, http.MethodGet, "/api/usage", nil, &u)
	return u, err
}

// ClearUsage lifts a global usage pause
func (c *Client) ClearUsage(ctx context.Context) (domain.UsageLimitState, error) {
	var u domain.UsageLimitState
	err := c.do(ctx, http.MethodPost, "/api/usage/clear", nil, &u)
	return u, err
}

// ToTask converts a response back into a domain task
func (r TaskResponse) ToTask() *domain.Task {
	t := &domain.Task{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		Title:            r.Title,
		Prompt:           r.Prompt,
		FollowUp:         r.FollowUp,
		Status:           r.Status,
		AgentID:          r.AgentID,
		Model:            r.Model,
		ThinkingMode:     domain.ThinkingMode(r.ThinkingMode),
		SessionID:        r.SessionID,
		CurrentIteration: r.Iteration,
		QueuePosition:    r.QueuePosition,
		RuntimeMs:        r.RuntimeMs,
		ErrorMessage:     r.Error,
		PauseReason:      domain.PauseReason(r.PauseReason),
		Incomplete:       r.Incomplete,
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, r.UpdatedAt)
	if r.RunningSince != nil {
		if since, err := time.Parse(time.RFC3339, *r.RunningSince); err == nil {
			t.RunningSessionStartedAt = &since
		}
	}
	if r.ResumeAfter != nil {
		if after, err := time.Parse(time.RFC3339, *r.ResumeAfter); err == nil {
			t.ResumeAfter = &after
		}
	}
	return t
}
