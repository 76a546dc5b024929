// Package aggregator merges worker result reports into run statistics.
//
// Every report is applied exactly once: each task keeps the highest applied
// report sequence number and anything at or below it is acknowledged as a
// duplicate without being merged again.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/official-monty/montytest/pkg/metrics"
	"github.com/official-monty/montytest/pkg/spsa"
	"github.com/official-monty/montytest/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnboundTask is returned when the reporting worker does not hold
	// the task, e.g. after it was reclaimed and reassigned.
	ErrUnboundTask = errors.New("task not bound to worker")

	// ErrInvalidDelta is returned for malformed or out-of-range results.
	ErrInvalidDelta = errors.New("invalid results delta")

	// ErrNotTuning is returned for parameter requests on runs that are not
	// SPSA tuning runs.
	ErrNotTuning = errors.New("run is not an spsa tuning run")
)

// Report is one incremental result report from a worker.
type Report struct {
	WorkerID string
	RunID    string
	TaskID   int
	Seq      int64
	Delta    store.Results

	// SPSA is the outcome of the perturbed engines, required on tuning
	// runs.
	SPSA *spsa.Outcome
}

// Ack is the answer to an accepted or duplicate report.
type Ack struct {
	// Duplicate is set when the report was already applied.
	Duplicate bool `json:"duplicate"`

	// TaskAlive tells the worker whether to keep playing games for the
	// task.
	TaskAlive bool `json:"task_alive"`
}

// SPSAParams are the engine parameter values for the next batch of a
// tuning task.
type SPSAParams struct {
	TaskAlive   bool         `json:"task_alive"`
	WhiteParams []spsa.Value `json:"w_params,omitempty"`
	BlackParams []spsa.Value `json:"b_params,omitempty"`
}

// Evaluator re-evaluates the stopping rule of a run after its results
// changed. It reports whether the run is finished.
type Evaluator interface {
	Evaluate(ctx context.Context, runID string) (bool, error)
}

// Aggregator validates and merges result reports.
type Aggregator interface {
	SubmitResult(ctx context.Context, report Report) (*Ack, error)
	PurgeTask(ctx context.Context, runID string, taskID int) error
	// AttachPGN records key as the task's game record and returns the key
	// it replaced.
	AttachPGN(ctx context.Context, workerID, runID string, taskID int, key string) (string, error)

	// RequestSPSA hands out perturbed parameters for the next batch of a
	// tuning task.
	RequestSPSA(ctx context.Context, workerID, runID string, taskID int) (*SPSAParams, error)

	// SetEvaluator registers the evaluator triggered after every accepted
	// report. It must be called before reports are submitted.
	SetEvaluator(e Evaluator)
}

// Compile-time interface check.
var _ Aggregator = (*aggregator)(nil)

type aggregator struct {
	log   logrus.FieldLogger
	store store.Store
	now   func() time.Time
	flip  func() int

	mu        sync.RWMutex
	evaluator Evaluator
}

// NewAggregator creates a new result aggregator.
func NewAggregator(log logrus.FieldLogger, st store.Store) Aggregator {
	return &aggregator{
		log:   log.WithField("component", "aggregator"),
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		flip:  randomFlip,
	}
}

func randomFlip() int {
	if rand.IntN(2) == 0 {
		return -1
	}

	return 1
}

func (a *aggregator) SetEvaluator(e Evaluator) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evaluator = e
}

// SubmitResult merges a report into the task and run accumulators in a
// single atomic run update, then triggers re-evaluation of the run.
func (a *aggregator) SubmitResult(
	ctx context.Context, report Report,
) (*Ack, error) {
	log := a.log.WithFields(logrus.Fields{
		"run_id":    report.RunID,
		"task_id":   report.TaskID,
		"worker_id": report.WorkerID,
		"seq":       report.Seq,
	})

	if err := report.Delta.Validate(); err != nil {
		metrics.Reports.WithLabelValues("invalid").Inc()

		return nil, fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}

	var (
		ack       Ack
		duplicate bool
	)

	run, err := a.store.UpdateRun(ctx, report.RunID, func(run *store.Run) error {
		duplicate = false

		task, err := run.Task(report.TaskID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnboundTask, err)
		}

		// A resubmission from the last holder is acknowledged even if the
		// task completed in the meantime.
		if task.WorkerID == report.WorkerID && !task.Purged &&
			report.Seq <= task.LastSeq {
			duplicate = true

			return store.ErrNoChange
		}

		if !task.BoundTo(report.WorkerID) {
			return ErrUnboundTask
		}

		if task.Results.Games()+report.Delta.Games() > task.NumGames {
			return fmt.Errorf(
				"%w: %d games reported, %d remaining",
				ErrInvalidDelta, report.Delta.Games(), task.Remaining(),
			)
		}

		if err := applySPSA(run, task, report); err != nil {
			return err
		}

		now := a.now()

		task.Results.Add(report.Delta)
		run.Results.Add(report.Delta)
		task.LastSeq = report.Seq
		task.LastUpdated = now

		if task.Remaining() == 0 {
			task.Active = false
		}

		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnboundTask):
			metrics.Reports.WithLabelValues("unbound").Inc()
		case errors.Is(err, ErrInvalidDelta):
			metrics.Reports.WithLabelValues("invalid").Inc()
		case errors.Is(err, store.ErrNotFound):
			metrics.Reports.WithLabelValues("unbound").Inc()

			return nil, fmt.Errorf("%w: %w", ErrUnboundTask, err)
		}

		log.WithError(err).Debug("Report rejected")

		return nil, err
	}

	task, err := run.Task(report.TaskID)
	if err != nil {
		return nil, err
	}

	ack.Duplicate = duplicate
	ack.TaskAlive = task.BoundTo(report.WorkerID) &&
		run.Status != store.StatusFinished

	if duplicate {
		metrics.Reports.WithLabelValues("duplicate").Inc()
		log.Debug("Duplicate report acknowledged")

		return &ack, nil
	}

	metrics.Reports.WithLabelValues("accepted").Inc()
	metrics.GamesRecorded.Add(float64(report.Delta.Games()))

	if finished := a.evaluate(ctx, log, report.RunID); finished {
		ack.TaskAlive = false
	}

	return &ack, nil
}

// evaluate triggers the registered evaluator. A failed evaluation does not
// fail the already committed report; the next report evaluates again.
func (a *aggregator) evaluate(
	ctx context.Context, log logrus.FieldLogger, runID string,
) bool {
	a.mu.RLock()
	e := a.evaluator
	a.mu.RUnlock()

	if e == nil {
		return false
	}

	finished, err := e.Evaluate(ctx, runID)
	if err != nil {
		log.WithError(err).Warn("Failed to evaluate run after report")

		return false
	}

	return finished
}

// PurgeTask removes the task's contribution from the run results and frees
// its game budget. Purging an already purged task is a no-op.
func (a *aggregator) PurgeTask(
	ctx context.Context, runID string, taskID int,
) error {
	var (
		purged  store.Results
		changed bool
	)

	_, err := a.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		changed = false

		task, err := run.Task(taskID)
		if err != nil {
			return err
		}

		if task.Purged {
			return store.ErrNoChange
		}

		changed = true

		run.Results.Sub(task.Results)
		task.Purged = true
		task.Active = false
		task.WorkerID = ""
		purged = task.Results

		return nil
	})
	if err != nil {
		return fmt.Errorf("purging task %d of run %s: %w", taskID, runID, err)
	}

	if !changed {
		return nil
	}

	metrics.TasksPurged.Inc()

	a.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"task_id": taskID,
		"games":   purged.Games(),
	}).Info("Task purged")

	return nil
}

// AttachPGN records the storage key of the game record uploaded for a task.
func (a *aggregator) AttachPGN(
	ctx context.Context, workerID, runID string, taskID int, key string,
) (string, error) {
	var previous string

	_, err := a.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		task, err := run.Task(taskID)
		if err != nil {
			return err
		}

		if task.WorkerID != workerID || task.Purged {
			return ErrUnboundTask
		}

		previous = task.PGNKey
		if previous == key {
			return store.ErrNoChange
		}

		task.PGNKey = key

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("attaching pgn to task %d of run %s: %w", taskID, runID, err)
	}

	return previous, nil
}

// RequestSPSA draws a perturbation around the run's current parameter
// estimate and records it on the task until the batch is reported.
func (a *aggregator) RequestSPSA(
	ctx context.Context, workerID, runID string, taskID int,
) (*SPSAParams, error) {
	var params SPSAParams

	_, err := a.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		params = SPSAParams{}

		task, err := run.Task(taskID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnboundTask, err)
		}

		if run.Args.Stop.Kind != store.StopSPSA || run.SPSA == nil {
			return ErrNotTuning
		}

		if task.WorkerID != workerID || task.Purged {
			return ErrUnboundTask
		}

		// The holder of a completed task is told to stop.
		if !task.Active || run.Status == store.StatusFinished {
			return store.ErrNoChange
		}

		pert, white, black := spsa.Perturb(
			run.Args.Stop.SPSA, run.SPSA, run.SPSAIterations(), a.flip,
		)

		task.SPSA = &pert
		task.LastUpdated = a.now()

		params = SPSAParams{TaskAlive: true, WhiteParams: white, BlackParams: black}

		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrUnboundTask, err)
		}

		return nil, err
	}

	return &params, nil
}

// applySPSA moves the run's parameter estimate by the outcome of the batch
// played with the task's pending perturbation.
func applySPSA(run *store.Run, task *store.Task, report Report) error {
	if run.Args.Stop.Kind != store.StopSPSA {
		if report.SPSA != nil {
			return fmt.Errorf("%w: spsa outcome for a run that is not tuning", ErrInvalidDelta)
		}

		return nil
	}

	o := report.SPSA
	switch {
	case o == nil:
		return fmt.Errorf("%w: tuning runs require an spsa outcome", ErrInvalidDelta)
	case task.SPSA == nil || run.SPSA == nil:
		return fmt.Errorf("%w: no parameters were handed out for the batch", ErrInvalidDelta)
	case o.Wins < 0 || o.Losses < 0 || o.Draws < 0 || o.Games() != report.Delta.Games():
		return fmt.Errorf(
			"%w: spsa outcome of %d games does not match %d reported",
			ErrInvalidDelta, o.Games(), report.Delta.Games(),
		)
	}

	if err := spsa.Update(
		run.Args.Stop.SPSA, run.SPSA, *task.SPSA, run.SPSAIterations(), *o,
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}

	task.SPSA = nil

	return nil
}
