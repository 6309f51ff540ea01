package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/taskd/internal/orchestrator"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/persist"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orchestrator.Filter{
		Type:  q.Get("type"),
		Group: task.ParseGroup(q.Get("group")),
	}
	if q.Get("group") != "" && f.Group == task.GroupNone {
		respondError(w, http.StatusBadRequest, "invalid_request", "group must be build or test")
		return
	}
	if v := q.Get("default"); v != "" {
		def, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "default must be a boolean")
			return
		}
		f.DefaultOnly = def
	}
	if v := q.Get("scope"); v != "" {
		sc, err := s.scope(v)
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		f.Scope = sc.Key()
	}

	tasks, err := s.orch.ListTasks(r.Context(), f)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(tasks)})
}

// lookup resolves the task named by ref.
func (s *Server) lookup(r *http.Request, ref taskRef) (task.Task, error) {
	id, err := ref.identity()
	if err != nil {
		return nil, err
	}
	sc, err := s.scope(ref.Scope)
	if err != nil {
		return nil, err
	}
	t, err := s.orch.Resolve(r.Context(), sc, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.ErrTaskNotFound
	}
	return t, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req taskRef
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t, err := s.lookup(r, req)
	if err != nil {
		s.respondLookupFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewTask(t))
}

type customizeRequest struct {
	taskRef
	Overlay overlayRequest `json:"overlay"`
	Save    bool           `json:"save"`
}

func (s *Server) handleCustomize(w http.ResponseWriter, r *http.Request) {
	var req customizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	overlay, err := req.Overlay.overlay()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t, err := s.lookup(r, req.taskRef)
	if err != nil {
		s.respondLookupFailure(w, err)
		return
	}
	customized, err := s.orch.Customize(r.Context(), t, overlay, req.Save)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewTask(customized))
}

func (s *Server) respondLookupFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, task.ErrInvalidIdentifier) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondFailure(w, err)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.RecentlyUsed(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(tasks)})
}

func (s *Server) handleSaved(w http.ResponseWriter, r *http.Request) {
	var kind persist.Kind
	switch chi.URLParam(r, "kind") {
	case "recent", string(persist.KindRecentlyUsed):
		kind = persist.KindRecentlyUsed
	case string(persist.KindPersistent):
		kind = persist.KindPersistent
	default:
		respondError(w, http.StatusNotFound, "not_found", "unknown saved task kind")
		return
	}
	descs, err := s.orch.Saved(r.Context(), kind)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if descs == nil {
		descs = []persist.Descriptor{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"kind": kind, "tasks": descs})
}

type diagnosticView struct {
	Message  string `json:"message"`
	Scope    string `json:"scope,omitempty"`
	Path     string `json:"path,omitempty"`
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	out := []diagnosticView{}
	for _, err := range s.orch.Diagnostics() {
		d := diagnosticView{Message: err.Error()}
		var (
			parse *task.ConfigParseError
			prov  *task.ProviderError
		)
		switch {
		case errors.As(err, &parse):
			d.Scope = parse.Scope.Key()
			d.Path = parse.Path
		case errors.As(err, &prov):
			d.Provider = prov.Type
		}
		out = append(out, d)
	}
	respondJSON(w, http.StatusOK, map[string]any{"diagnostics": out})
}
