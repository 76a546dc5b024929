package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/official-monty/montytest/pkg/pgn"
	"github.com/official-monty/montytest/pkg/store"
)

type createRunRequest struct {
	Username string `json:"username"`

	store.RunArgs
}

// handleCreateRun creates a new run awaiting approval.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Username == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"username is required"})

		return
	}

	id, err := s.ctrl.CreateRun(r.Context(), req.Username, req.RunArgs)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleApproveRun makes a new run schedulable.
func (s *server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ApproveRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stopRunRequest struct {
	Verdict string `json:"verdict,omitempty"`
}

// handleStopRun finishes a run, by default as manually stopped.
func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	var req stopRunRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if err := s.ctrl.StopRun(r.Context(), chi.URLParam(r, "id"), req.Verdict); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReopenRun moves a finished run back to approved.
func (s *server) handleReopenRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ReopenRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePurgeTask rolls back the results of a task.
func (s *server) handlePurgeTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if err := s.ctrl.PurgeTask(r.Context(), chi.URLParam(r, "id"), taskID); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns lists runs, optionally filtered by a comma separated
// status list.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var statuses []string

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, st)
			}
		}
	}

	views, err := s.ctrl.ListRuns(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, views)
}

// handleGetRun returns the latest view of a run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.GetRunView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleGetPGN serves the game record uploaded for a task.
func (s *server) handleGetPGN(w http.ResponseWriter, r *http.Request) {
	if s.pgn == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{"pgn storage is not configured"})

		return
	}

	taskID, err := parseTaskParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	view, err := s.ctrl.GetRunView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	task, err := view.Task(taskID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if task.PGNKey == "" {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"no pgn uploaded for task"})

		return
	}

	data, err := s.pgn.Get(r.Context(), task.PGNKey)
	if err != nil {
		s.writeError(w, err)

		return
	}

	w.Header().Set("Content-Type", pgn.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
