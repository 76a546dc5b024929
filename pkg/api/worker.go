package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/official-monty/montytest/pkg/aggregator"
	"github.com/official-monty/montytest/pkg/pgn"
	"github.com/official-monty/montytest/pkg/scheduler"
	"github.com/official-monty/montytest/pkg/spsa"
	"github.com/official-monty/montytest/pkg/store"
)

// maxPGNSize bounds a single game record upload.
const maxPGNSize = 64 << 20

type requestTaskRequest struct {
	WorkerID     string                 `json:"worker_id"`
	Capabilities scheduler.Capabilities `json:"capabilities"`
}

// handleRequestTask assigns a task to the worker, or answers 204 when
// there is nothing to do.
func (s *server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var req requestTaskRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.WorkerID == "" || req.Capabilities.Concurrency <= 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_id and a positive capabilities.concurrency are required"})

		return
	}

	req.Capabilities.RemoteAddr = extractIP(r)

	assignment, err := s.sched.RequestTask(r.Context(), req.WorkerID, req.Capabilities)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, assignment)
}

type taskRequest struct {
	WorkerID string `json:"worker_id"`
	RunID    string `json:"run_id"`
	TaskID   *int   `json:"task_id"`
}

func (t *taskRequest) valid() bool {
	return t.WorkerID != "" && t.RunID != "" && t.TaskID != nil
}

// handleHeartbeat refreshes the liveness of the worker's task.
func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(r, &req, false); err != nil || !req.valid() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_id, run_id and task_id are required"})

		return
	}

	if err := s.sched.Heartbeat(r.Context(), req.WorkerID, req.RunID, *req.TaskID); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResultsRequest struct {
	taskRequest

	Seq     int64         `json:"seq"`
	Results store.Results `json:"results"`
	SPSA    *spsa.Outcome `json:"spsa,omitempty"`
}

// handleSubmitResults merges an incremental result report.
func (s *server) handleSubmitResults(w http.ResponseWriter, r *http.Request) {
	var req submitResultsRequest
	if err := decodeBody(r, &req, false); err != nil || !req.valid() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_id, run_id and task_id are required"})

		return
	}

	if req.Seq <= 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"seq must be positive"})

		return
	}

	ack, err := s.agg.SubmitResult(r.Context(), aggregator.Report{
		WorkerID: req.WorkerID,
		RunID:    req.RunID,
		TaskID:   *req.TaskID,
		Seq:      req.Seq,
		Delta:    req.Results,
		SPSA:     req.SPSA,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, ack)
}

// handleRequestSPSA hands out the engine parameters for the next batch of
// a tuning task.
func (s *server) handleRequestSPSA(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(r, &req, false); err != nil || !req.valid() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_id, run_id and task_id are required"})

		return
	}

	params, err := s.agg.RequestSPSA(r.Context(), req.WorkerID, req.RunID, *req.TaskID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, params)
}

// handleReleaseTask ends the worker's hold on its task.
func (s *server) handleReleaseTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(r, &req, false); err != nil || !req.valid() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_id, run_id and task_id are required"})

		return
	}

	err := s.sched.ReleaseTask(
		r.Context(), req.WorkerID, req.RunID, *req.TaskID, scheduler.ReasonComplete,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadPGN stores the game record of a task. The task is identified
// by query parameters and the body is the raw PGN text.
func (s *server) handleUploadPGN(w http.ResponseWriter, r *http.Request) {
	if s.pgn == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{"pgn storage is not configured"})

		return
	}

	q := r.URL.Query()
	workerID, runID := q.Get("worker_id"), q.Get("run_id")

	taskID, err := strconv.Atoi(q.Get("task_id"))
	if err != nil || taskID < 0 || workerID == "" || runID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_id, run_id and task_id are required"})

		return
	}

	key := pgn.Key(s.pgnPrefix, runID, taskID)

	// Attaching first rejects uploads from workers not holding the task.
	previous, err := s.agg.AttachPGN(r.Context(), workerID, runID, taskID, key)
	if err != nil {
		s.writeError(w, err)

		return
	}

	body := http.MaxBytesReader(w, r.Body, maxPGNSize)

	if err := s.pgn.Put(r.Context(), key, body); err != nil {
		// The key must not point at a record that was never written.
		if _, rerr := s.agg.AttachPGN(
			context.WithoutCancel(r.Context()), workerID, runID, taskID, previous,
		); rerr != nil {
			s.log.WithError(rerr).WithFields(logrus.Fields{
				"run_id":  runID,
				"task_id": taskID,
			}).Warn("Failed to restore pgn key after failed upload")
		}

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{"pgn too large"})

			return
		}

		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}
