// Package api serves the HTTP JSON API and the live event streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
	"github.com/hochfrequenz/agent-queue/internal/lifecycle"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
)

// Store is the read side of the task database
type Store interface {
	ListTasks(opts taskstore.ListOptions) ([]*domain.Task, error)
	LoadTask(id string) (*domain.Task, error)
	CountByStatus() (map[domain.TaskStatus]int, error)
	ResolveProject(ref string) (*domain.Project, error)
	ListProjects() ([]*domain.Project, error)
	ReadIterationLog(projectID, taskID string, iteration int) (string, error)
}

// Tasks performs task operations. *lifecycle.Coordinator implements it.
type Tasks interface {
	Enqueue(ctx context.Context, nt lifecycle.NewTask) (*domain.Task, error)
	Start(ctx context.Context, taskID string) error
	Cancel(taskID string) (bool, error)
	Resume(ctx context.Context, taskID string) error
	Requeue(ctx context.Context, taskID, followUp string) error
	Review(taskID string, accept bool) error
	Promote(taskID string) error
}

// AutoPlay is the scheduler switch. *scheduler.AutoPlay implements it.
type AutoPlay interface {
	Enabled() bool
	SetEnabled(enabled bool)
	Window() string
	Pending() int
}

// Usage exposes the global usage-limit state. *usage.Coordinator implements it.
type Usage interface {
	State() domain.UsageLimitState
	Clear() domain.UsageLimitState
}

// Handles lists live agent processes. *executor.Supervisor implements it.
type Handles interface {
	List() []*executor.Handle
	InFlight() int
	MaxConcurrent() int
}

// EventSource delivers bus events. *broadcast.Bus implements it.
type EventSource interface {
	SubscribeBuffered(topicPrefix string, size int) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// Options configures a Server
type Options struct {
	Addr     string
	Store    Store
	Tasks    Tasks
	AutoPlay AutoPlay
	Usage    Usage
	Handles  Handles
	Events   EventSource
	Logger   *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	store    Store
	tasks    Tasks
	autoplay AutoPlay
	usage    Usage
	handles  Handles
	events   EventSource
	logger   *slog.Logger
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		store:    opts.Store,
		tasks:    opts.Tasks,
		autoplay: opts.AutoPlay,
		usage:    opts.Usage,
		handles:  opts.Handles,
		events:   opts.Events,
		logger:   opts.Logger,
		addr:     opts.Addr,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/projects", s.listProjectsHandler())
	s.mux.HandleFunc("/api/handles", s.listHandlesHandler())
	s.mux.HandleFunc("/api/usage", s.usageHandler())
	s.mux.HandleFunc("/api/usage/clear", s.clearUsageHandler())
	s.mux.HandleFunc("/api/autoplay", s.autoplayHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}

// writeErr maps domain errors to status codes
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUsageLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
