package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/taskd/internal/backend/process"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
)

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	busy := make(map[string]bool)
	for _, r := range s.orch.BusyRuns() {
		busy[r.RunID] = true
	}
	runs := []runView{}
	for _, r := range s.orch.ActiveRuns() {
		runs = append(runs, viewRun(r, busy[r.RunID]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runRequest struct {
	taskRef

	// Source is the run source name; user when empty.
	Source string `json:"source"`

	// Terminate answers a prompt instance policy: oldest, newest or a
	// run id. Without it a clash with active runs is a conflict.
	Terminate string `json:"terminate"`

	// Save confirms saving before the run when settings ask to prompt.
	Save bool `json:"save"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t, err := s.lookup(r, req.taskRef)
	if err != nil {
		s.respondLookupFailure(w, err)
		return
	}

	src := task.RunSourceUser
	if req.Source != "" {
		src = task.ParseRunSource(req.Source)
	}
	var opts execution.Options
	if req.Terminate != "" || req.Save {
		opts.Prompter = requestPrompter{terminate: req.Terminate, save: req.Save}
	}

	h, err := s.orch.Run(r.Context(), t, opts, src)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, viewHandle(h))
}

func (s *Server) handleAutomatic(w http.ResponseWriter, r *http.Request) {
	handles, err := s.orch.RunAutomaticTasks(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	out := make([]handleView, 0, len(handles))
	for _, h := range handles {
		out = append(out, viewHandle(h))
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"handles": out})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.TerminateRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": res.Success, "exitCode": res.ExitCode})
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "last" {
		id = ""
	}
	h, err := s.orch.Rerun(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, viewHandle(h))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	if s.output == nil {
		respondError(w, http.StatusNotFound, "not_found", "run output is not captured")
		return
	}
	lines, ok := s.output.Output(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "unknown run")
		return
	}
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "tail must be a non-negative integer")
			return
		}
		if n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	if lines == nil {
		lines = []process.Line{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"lines": lines})
}
