// Package httpapi exposes the task orchestrator over HTTP.
//
// Tasks, runs, saved descriptors and diagnostics are served as JSON under
// /v1. Run lifecycle and index change notifications stream over a
// websocket at /v1/events. /metrics serves the Prometheus registry.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dshills/taskd/internal/backend/process"
	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/orchestrator"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
	"github.com/dshills/taskd/internal/task/index"
	"github.com/dshills/taskd/internal/task/persist"
)

// Orchestrator is the part of *orchestrator.Orchestrator the API drives.
type Orchestrator interface {
	Workspace() *index.Workspace
	Diagnostics() []error
	ListTasks(ctx context.Context, f orchestrator.Filter) ([]task.Task, error)
	Resolve(ctx context.Context, scope task.Scope, id task.Identity) (task.Task, error)
	Run(ctx context.Context, t task.Task, opts execution.Options, src task.RunSource) (*execution.Handle, error)
	TerminateRun(ctx context.Context, runID string) (execution.TerminateResult, error)
	ActiveRuns() []*task.TaskRun
	BusyRuns() []*task.TaskRun
	Customize(ctx context.Context, t task.Task, overlay task.Overlay, save bool) (task.Task, error)
	Saved(ctx context.Context, kind persist.Kind) ([]persist.Descriptor, error)
	RecentlyUsed(ctx context.Context) ([]task.Task, error)
	RunAutomaticTasks(ctx context.Context) ([]*execution.Handle, error)
	Rerun(ctx context.Context, runID string) (*execution.Handle, error)
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// OutputSource returns the captured output of a run.
type OutputSource interface {
	Output(runID string) ([]process.Line, bool)
}

// Server serves the API.
type Server struct {
	orch     Orchestrator
	bus      *event.Bus
	metrics  *metrics.Metrics
	output   OutputSource
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves m at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOutput serves run output from src.
func WithOutput(src OutputSource) Option {
	return func(s *Server) { s.output = src }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAnyOrigin accepts websocket connections from any origin.
func WithAnyOrigin() Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// New creates a server over orch. Events are streamed from bus.
func New(orch Orchestrator, bus *event.Bus, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		bus:    bus,
		logger: logging.Null(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("httpapi")
	return s
}

// sameOrigin accepts clients without an Origin header and browsers on the
// server's own host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks/resolve", s.handleResolve)
		r.Post("/tasks/customize", s.handleCustomize)
		r.Get("/recent", s.handleRecent)
		r.Get("/saved/{kind}", s.handleSaved)
		r.Get("/diagnostics", s.handleDiagnostics)

		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleRun)
		r.Post("/runs/automatic", s.handleAutomatic)
		r.Delete("/runs/{id}", s.handleTerminate)
		r.Post("/runs/{id}/rerun", s.handleRerun)
		r.Get("/runs/{id}/output", s.handleOutput)

		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondFailure maps an orchestrator error to a status and a message fit
// for clients. Unclassified errors are logged and reported generically.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	var (
		conflict *task.ConflictError
		user     *task.UserError
		parse    *task.ConfigParseError
	)
	switch {
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, "task_running", conflict.Error())
	case errors.Is(err, task.ErrRunningTaskConflict):
		respondError(w, http.StatusConflict, "task_running", err.Error())
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, process.ErrRunNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, process.ErrNotExecutable), errors.Is(err, process.ErrEmptyCommand):
		respondError(w, http.StatusUnprocessableEntity, "not_executable", err.Error())
	case errors.As(err, &user):
		respondError(w, http.StatusInternalServerError, "task_failed", user.Error())
	case errors.As(err, &parse):
		respondError(w, http.StatusUnprocessableEntity, "invalid_configuration", parse.Error())
	case errors.Is(err, orchestrator.ErrNotInitialized), errors.Is(err, orchestrator.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "timeout", "request timed out")
	default:
		s.logger.Error("request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
