// Package controller drives the lifecycle of runs: creation, approval,
// statistical stopping and administrative stop, reopen and purge.
package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/official-monty/montytest/pkg/config"
	"github.com/official-monty/montytest/pkg/metrics"
	"github.com/official-monty/montytest/pkg/scheduler"
	"github.com/official-monty/montytest/pkg/spsa"
	"github.com/official-monty/montytest/pkg/stats"
	"github.com/official-monty/montytest/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidTransition is returned for administrative actions that do
	// not apply to the run's current status. Nothing is changed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidArgument is returned for malformed run parameters.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RunView is a read-only snapshot of a run with its derived statistics.
type RunView struct {
	*store.Run

	Stats       stats.Summary `json:"stats"`
	Remaining   int           `json:"remaining"`
	ActiveTasks int           `json:"active_tasks"`
}

// Controller owns the run state machine.
type Controller interface {
	CreateRun(ctx context.Context, username string, args store.RunArgs) (string, error)
	ApproveRun(ctx context.Context, id string) error
	StopRun(ctx context.Context, id, verdict string) error
	ReopenRun(ctx context.Context, id string) error
	PurgeTask(ctx context.Context, runID string, taskID int) error

	// Evaluate applies the run's stopping rule to its current results and
	// finishes it when the rule is met. It reports whether the run is
	// finished.
	Evaluate(ctx context.Context, runID string) (bool, error)

	GetRunView(ctx context.Context, id string) (*RunView, error)
	ListRuns(ctx context.Context, statuses ...string) ([]RunView, error)
}

// Compile-time interface check.
var _ Controller = (*controller)(nil)

type controller struct {
	log   logrus.FieldLogger
	cfg   config.StatsConfig
	store store.Store
	sched scheduler.Scheduler
	now   func() time.Time
}

// NewController creates a new run controller.
func NewController(
	log logrus.FieldLogger,
	cfg config.StatsConfig,
	st store.Store,
	sched scheduler.Scheduler,
) Controller {
	return &controller{
		log:   log.WithField("component", "controller"),
		cfg:   cfg,
		store: st,
		sched: sched,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun validates the parameters and stores a new run in status new.
func (c *controller) CreateRun(
	ctx context.Context, username string, args store.RunArgs,
) (string, error) {
	if err := c.normalize(&args); err != nil {
		return "", err
	}

	run := &store.Run{
		ID:       uuid.NewString(),
		Username: username,
		Status:   store.StatusNew,
		Args:     args,
	}

	if args.Stop.Kind == store.StopSPSA {
		state := spsa.NewState(args.Stop.SPSA)
		run.SPSA = &state
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"username": username,
		"stop":     args.Stop.Kind,
	}).Info("Run created")

	return run.ID, nil
}

func (c *controller) normalize(args *store.RunArgs) error {
	if args.NewTag == "" || args.BaseTag == "" {
		return fmt.Errorf("%w: new_tag and base_tag are required", ErrInvalidArgument)
	}

	if args.NumGames <= 0 || args.NumGames%2 != 0 {
		return fmt.Errorf("%w: num_games must be a positive even number", ErrInvalidArgument)
	}

	if args.Threads <= 0 {
		args.Threads = 1
	}

	if args.MinThreads > 0 && args.MaxThreads > 0 && args.MinThreads > args.MaxThreads {
		return fmt.Errorf("%w: min_threads exceeds max_threads", ErrInvalidArgument)
	}

	if args.Stop.Kind == "" {
		switch {
		case args.Stop.SPRT != nil:
			args.Stop.Kind = store.StopSPRT
		case args.Stop.SPSA != nil:
			args.Stop.Kind = store.StopSPSA
		default:
			args.Stop.Kind = store.StopFixed
		}
	}

	if args.Datagen && args.Stop.Kind != store.StopFixed {
		return fmt.Errorf("%w: datagen runs play a fixed number of games", ErrInvalidArgument)
	}

	switch args.Stop.Kind {
	case store.StopFixed:
		args.Stop.SPRT = nil
		args.Stop.SPSA = nil
	case store.StopSPSA:
		args.Stop.SPRT = nil

		if args.Stop.SPSA == nil {
			return fmt.Errorf("%w: spsa parameters are required", ErrInvalidArgument)
		}

		if err := args.Stop.SPSA.Normalize(args.NumGames / 2); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	case store.StopSPRT:
		args.Stop.SPSA = nil

		sprt := args.Stop.SPRT
		if sprt == nil {
			return fmt.Errorf("%w: sprt parameters are required", ErrInvalidArgument)
		}

		if sprt.Elo1 <= sprt.Elo0 {
			return fmt.Errorf("%w: elo1 must be greater than elo0", ErrInvalidArgument)
		}

		if sprt.Alpha == 0 {
			sprt.Alpha = c.cfg.Alpha
		}

		if sprt.Beta == 0 {
			sprt.Beta = c.cfg.Beta
		}

		if sprt.Alpha <= 0 || sprt.Alpha >= 1 || sprt.Beta <= 0 || sprt.Beta >= 1 {
			return fmt.Errorf("%w: alpha and beta must be in (0, 1)", ErrInvalidArgument)
		}

		if sprt.BatchSize < 0 {
			return fmt.Errorf("%w: negative batch_size", ErrInvalidArgument)
		}

		// Tasks hold whole batches, so the budget must too.
		if unit := args.GameUnit(); args.NumGames%unit != 0 {
			return fmt.Errorf(
				"%w: num_games must be a multiple of %d (two games per batch pair)",
				ErrInvalidArgument, unit,
			)
		}
	default:
		return fmt.Errorf("%w: unknown stop rule %q", ErrInvalidArgument, args.Stop.Kind)
	}

	return nil
}

// ApproveRun moves a new run to approved and makes it schedulable.
func (c *controller) ApproveRun(ctx context.Context, id string) error {
	run, err := c.store.UpdateRun(ctx, id, func(run *store.Run) error {
		if run.Status != store.StatusNew {
			return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, id, run.Status)
		}

		run.Status = store.StatusApproved

		return nil
	})
	if err != nil {
		return err
	}

	c.sched.Track(run)

	c.log.WithField("run_id", id).Info("Run approved")

	return nil
}

// StopRun finishes a run regardless of its statistics. An empty verdict
// means manually stopped. In-flight tasks may still report.
func (c *controller) StopRun(ctx context.Context, id, verdict string) error {
	if verdict == "" {
		verdict = store.VerdictManual
	}

	if !slices.Contains([]string{
		store.VerdictManual, store.VerdictAccepted,
		store.VerdictRejected, store.VerdictUnknown,
	}, verdict) {
		return fmt.Errorf("%w: unknown verdict %q", ErrInvalidArgument, verdict)
	}

	_, err := c.store.UpdateRun(ctx, id, func(run *store.Run) error {
		if run.Status == store.StatusFinished {
			return fmt.Errorf("%w: run %s is already finished", ErrInvalidTransition, id)
		}

		c.finish(run, verdict, c.summarize(run))

		return nil
	})
	if err != nil {
		return err
	}

	c.finished(id, verdict)

	return nil
}

// ReopenRun moves a finished run back to approved, or to running when tasks
// are still in flight. Results are kept. A run with no free game budget and
// no task in flight cannot be reopened.
func (c *controller) ReopenRun(ctx context.Context, id string) error {
	run, err := c.store.UpdateRun(ctx, id, func(run *store.Run) error {
		if run.Status != store.StatusFinished {
			return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, id, run.Status)
		}

		active := run.ActiveTasks()
		if run.Remaining() <= 0 && active == 0 {
			return fmt.Errorf(
				"%w: run %s has no game budget left", ErrInvalidTransition, id,
			)
		}

		run.Status = store.StatusApproved
		if active > 0 {
			run.Status = store.StatusRunning
		}

		run.Verdict = ""
		run.FinishedAt = nil
		run.FinalStats = nil

		return nil
	})
	if err != nil {
		return err
	}

	c.sched.Track(run)

	c.log.WithField("run_id", id).Info("Run reopened")

	return nil
}

// PurgeTask rolls back a task's results and frees its game budget.
func (c *controller) PurgeTask(
	ctx context.Context, runID string, taskID int,
) error {
	if err := c.sched.ReleaseTask(
		ctx, "", runID, taskID, scheduler.ReasonPurge,
	); err != nil {
		return err
	}

	if _, err := c.Evaluate(ctx, runID); err != nil {
		c.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to evaluate run after purge")
	}

	return nil
}

// Evaluate finishes a running run once its stopping rule is met. Concurrent
// callers race on the run version, so only one finish is written.
func (c *controller) Evaluate(ctx context.Context, runID string) (bool, error) {
	var (
		finished bool
		verdict  string
	)

	_, err := c.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		verdict = ""
		finished = run.Status == store.StatusFinished

		if run.Status != store.StatusRunning {
			return store.ErrNoChange
		}

		summary := c.summarize(run)

		switch summary.Verdict {
		case stats.Accept:
			verdict = store.VerdictAccepted
		case stats.Reject:
			verdict = store.VerdictRejected
		}

		if verdict == "" && run.Results.Games() >= run.Args.NumGames {
			verdict = store.VerdictUnknown
		}

		if verdict == "" {
			return store.ErrNoChange
		}

		c.finish(run, verdict, summary)
		finished = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("evaluating run %s: %w", runID, err)
	}

	if verdict != "" {
		c.finished(runID, verdict)
	}

	return finished, nil
}

func (c *controller) finish(run *store.Run, verdict string, summary stats.Summary) {
	now := c.now()

	run.Status = store.StatusFinished
	run.Verdict = verdict
	run.FinishedAt = &now
	run.FinalStats = &summary
}

// finished stops new task issuance for a run after its finish was written.
func (c *controller) finished(runID, verdict string) {
	c.sched.Untrack(runID)

	metrics.RunsFinished.WithLabelValues(verdict).Inc()

	c.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"verdict": verdict,
	}).Info("Run finished")
}

func (c *controller) summarize(run *store.Run) stats.Summary {
	var params *stats.SPRTParams
	if run.Args.Stop.Kind == store.StopSPRT && run.Args.Stop.SPRT != nil {
		params = &run.Args.Stop.SPRT.SPRTParams
	}

	return stats.Summarize(run.Results.Pentanomial, params, c.cfg.MinPairs)
}

func (c *controller) view(run *store.Run) RunView {
	return RunView{
		Run:         run,
		Stats:       c.summarize(run),
		Remaining:   max(run.Remaining(), 0),
		ActiveTasks: run.ActiveTasks(),
	}
}

// GetRunView returns the latest committed state of a run with statistics
// computed from it.
func (c *controller) GetRunView(ctx context.Context, id string) (*RunView, error) {
	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	v := c.view(run)

	return &v, nil
}

func (c *controller) ListRuns(
	ctx context.Context, statuses ...string,
) ([]RunView, error) {
	runs, err := c.store.ListRuns(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	views := make([]RunView, 0, len(runs))
	for i := range runs {
		views = append(views, c.view(&runs[i]))
	}

	return views, nil
}
