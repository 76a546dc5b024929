package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/official-monty/montytest/pkg/aggregator"
	"github.com/official-monty/montytest/pkg/controller"
	"github.com/official-monty/montytest/pkg/pgn"
	"github.com/official-monty/montytest/pkg/scheduler"
	"github.com/official-monty/montytest/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors to HTTP status codes. Rejections carry the
// error text as the reason.
func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNoWorkAvailable):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, scheduler.ErrUnknownTask):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, scheduler.ErrCapabilityMismatch),
		errors.Is(err, aggregator.ErrUnboundTask),
		errors.Is(err, aggregator.ErrInvalidDelta),
		errors.Is(err, aggregator.ErrNotTuning),
		errors.Is(err, controller.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, controller.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, pgn.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrConflict):
		s.log.WithError(err).Warn("Store unavailable")
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"store unavailable, retry later"})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// decodeBody decodes a JSON request body into v. An empty body is allowed
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}

	return err
}

// parseTaskParam extracts the {task} URL parameter.
func parseTaskParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "task"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid task id %q", chi.URLParam(r, "task"))
	}

	return id, nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
