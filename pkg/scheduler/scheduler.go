// Package scheduler hands out chunks of games to workers and reclaims work
// from workers that stop reporting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/official-monty/montytest/pkg/config"
	"github.com/official-monty/montytest/pkg/metrics"
	"github.com/official-monty/montytest/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoWorkAvailable tells the worker to poll again later. It is not a
	// failure.
	ErrNoWorkAvailable = errors.New("no work available")

	// ErrUnknownTask is returned when a task is not bound to the worker.
	ErrUnknownTask = errors.New("unknown task")

	// ErrCapabilityMismatch is returned when runs with free budget exist
	// but none accepts the worker's capabilities.
	ErrCapabilityMismatch = errors.New("worker capabilities match no run")
)

var (
	errMismatch  = errors.New("capability mismatch")
	errExhausted = errors.New("budget exhausted")
	errUntracked = errors.New("run not schedulable")
)

// Release reasons.
const (
	ReasonComplete = "complete"
	ReasonPurge    = "purge"
)

// Capabilities describes what a requesting worker can run.
type Capabilities struct {
	Username    string `json:"username,omitempty"`
	Platform    string `json:"platform"`
	Concurrency int    `json:"concurrency"`
	Version     string `json:"version,omitempty"`
	RemoteAddr  string `json:"-"`
}

// Assignment is a task handed to a worker.
type Assignment struct {
	RunID     string        `json:"run_id"`
	TaskID    int           `json:"task_id"`
	NumGames  int           `json:"num_games"`
	Completed int           `json:"completed"`
	SeqBase   int64         `json:"seq_base"`
	Args      store.RunArgs `json:"args"`
}

// Purger rolls back the results of a task.
type Purger interface {
	PurgeTask(ctx context.Context, runID string, taskID int) error
}

// Scheduler matches idle workers with runnable work.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	// Track makes a run eligible for task assignment. Untrack removes it;
	// its in-flight tasks are still reclaimed.
	Track(run *store.Run)
	Untrack(runID string)

	RequestTask(ctx context.Context, workerID string, caps Capabilities) (*Assignment, error)
	Heartbeat(ctx context.Context, workerID, runID string, taskID int) error
	ReclaimStaleTasks(ctx context.Context, now time.Time) (int, error)
	ReleaseTask(ctx context.Context, workerID, runID string, taskID int, reason string) error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type trackedRun struct {
	id        string
	priority  int
	createdAt time.Time
}

type binding struct {
	runID  string
	taskID int
}

type scheduler struct {
	log    logrus.FieldLogger
	cfg    config.SchedulerConfig
	store  store.Store
	purger Purger
	now    func() time.Time

	mu       sync.Mutex
	runs     map[string]trackedRun
	draining map[string]struct{}
	bindings map[string]binding

	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a new task scheduler.
func NewScheduler(
	log logrus.FieldLogger,
	cfg config.SchedulerConfig,
	st store.Store,
	purger Purger,
) Scheduler {
	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		cfg:      cfg,
		store:    st,
		purger:   purger,
		now:      func() time.Time { return time.Now().UTC() },
		runs:     make(map[string]trackedRun, 16),
		draining: make(map[string]struct{}, 16),
		bindings: make(map[string]binding, 64),
		done:     make(chan struct{}),
	}
}

// Start loads schedulable runs and the worker bindings of their active
// tasks from the store, then launches the periodic reclaim loop.
func (s *scheduler) Start(ctx context.Context) error {
	runs, err := s.store.ListSchedulableRuns(ctx)
	if err != nil {
		return fmt.Errorf("loading schedulable runs: %w", err)
	}

	finished, err := s.store.ListRuns(ctx, store.StatusFinished)
	if err != nil {
		return fmt.Errorf("loading finished runs: %w", err)
	}

	for i := range runs {
		s.Track(&runs[i])
		s.bindActive(&runs[i])
	}

	for i := range finished {
		if finished[i].ActiveTasks() == 0 {
			continue
		}

		s.mu.Lock()
		s.draining[finished[i].ID] = struct{}{}
		s.mu.Unlock()

		s.bindActive(&finished[i])
	}

	s.log.WithFields(logrus.Fields{
		"runs":             len(runs),
		"chunk_size":       s.cfg.ChunkSize,
		"task_timeout":     s.cfg.TaskTimeout.String(),
		"reclaim_interval": s.cfg.ReclaimInterval.String(),
	}).Info("Starting scheduler")

	if s.cfg.ReclaimInterval <= 0 {
		return nil
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.ReclaimInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.ReclaimStaleTasks(ctx, s.now())
				if err != nil {
					s.log.WithError(err).Warn("Reclaim pass failed")
				} else if n > 0 {
					s.log.WithField("tasks", n).Info("Reclaimed stale tasks")
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the reclaim loop to stop and waits for it.
func (s *scheduler) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) bindActive(run *store.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range run.Tasks {
		t := &run.Tasks[i]
		if t.Active && t.WorkerID != "" {
			s.bindings[t.WorkerID] = binding{runID: run.ID, taskID: t.ID}
		}
	}
}

func (s *scheduler) Track(run *store.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = trackedRun{
		id:        run.ID,
		priority:  run.Args.Priority,
		createdAt: run.CreatedAt,
	}
	delete(s.draining, run.ID)

	metrics.SchedulableRuns.Set(float64(len(s.runs)))
}

func (s *scheduler) Untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return
	}

	delete(s.runs, runID)
	s.draining[runID] = struct{}{}

	metrics.SchedulableRuns.Set(float64(len(s.runs)))
}

// candidates returns tracked runs, highest priority first, then oldest.
func (s *scheduler) candidates() []trackedRun {
	s.mu.Lock()
	out := make([]trackedRun, 0, len(s.runs))

	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}

		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}

		return out[i].id < out[j].id
	})

	return out
}

// RequestTask releases any task the worker still holds and assigns it a
// task from the first eligible run.
func (s *scheduler) RequestTask(
	ctx context.Context, workerID string, caps Capabilities,
) (*Assignment, error) {
	log := s.log.WithField("worker_id", workerID)

	if err := s.releaseBinding(ctx, workerID); err != nil {
		return nil, err
	}

	mismatched := 0
	candidates := s.candidates()

	for _, c := range candidates {
		assignment, reclaimed, err := s.assign(ctx, c.id, workerID, caps)

		s.dropBindings(c.id, reclaimed)

		switch {
		case err == nil:
			s.bind(workerID, assignment.RunID, assignment.TaskID)

			log.WithFields(logrus.Fields{
				"run_id":    assignment.RunID,
				"task_id":   assignment.TaskID,
				"num_games": assignment.NumGames,
			}).Debug("Task assigned")

			return assignment, nil
		case errors.Is(err, errMismatch):
			mismatched++
		case errors.Is(err, errExhausted):
		case errors.Is(err, errUntracked), errors.Is(err, store.ErrNotFound):
			s.Untrack(c.id)
		default:
			return nil, err
		}
	}

	metrics.NoWork.Inc()

	if mismatched > 0 && mismatched == len(candidates) {
		return nil, ErrCapabilityMismatch
	}

	return nil, ErrNoWorkAvailable
}

// assign tries to bind a task of one run to the worker in a single atomic
// run update. It also returns the worker ids of tasks reclaimed on the way.
func (s *scheduler) assign(
	ctx context.Context, runID, workerID string, caps Capabilities,
) (*Assignment, []string, error) {
	var (
		assignment *Assignment
		reclaimed  []string
		reused     bool
		outcome    error
	)

	_, err := s.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		assignment = nil
		reclaimed = nil
		outcome = nil

		if !run.Schedulable() {
			return errUntracked
		}

		now := s.now()
		reclaimed = s.reclaimRun(run, now)

		// A refused assignment still commits the lazy reclaim.
		refuse := func(reason error) error {
			outcome = reason
			if len(reclaimed) > 0 {
				return nil
			}

			return store.ErrNoChange
		}

		if !matches(&run.Args, caps) {
			return refuse(errMismatch)
		}

		// One active task per worker.
		for i := range run.Tasks {
			if run.Tasks[i].BoundTo(workerID) {
				run.Tasks[i].Active = false
			}
		}

		var task *store.Task

		task, reused = s.pickTask(run)
		if task == nil {
			return refuse(errExhausted)
		}

		task.WorkerID = workerID
		task.Worker = store.WorkerInfo{
			Username:    caps.Username,
			Platform:    caps.Platform,
			Concurrency: caps.Concurrency,
			Version:     caps.Version,
			RemoteAddr:  caps.RemoteAddr,
		}
		task.Active = true
		task.StartedAt = now
		task.LastUpdated = now

		if run.Status == store.StatusApproved {
			run.Status = store.StatusRunning
		}

		assignment = &Assignment{
			RunID:     run.ID,
			TaskID:    task.ID,
			NumGames:  task.NumGames,
			Completed: task.Results.Games(),
			SeqBase:   task.LastSeq,
			Args:      run.Args,
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.TasksReclaimed.Add(float64(len(reclaimed)))

	if outcome != nil {
		return nil, reclaimed, outcome
	}

	kind := "new"
	if reused {
		kind = "reused"
	}

	metrics.TasksAssigned.WithLabelValues(kind).Inc()

	return assignment, reclaimed, nil
}

// pickTask returns an inactive, unpurged, incomplete task resized to fit
// the free budget, or a new task. Sizes are whole multiples of the run's
// game unit. It returns nil when the budget is exhausted.
func (s *scheduler) pickTask(run *store.Run) (*store.Task, bool) {
	free := run.Remaining()
	unit := run.Args.GameUnit()

	for i := range run.Tasks {
		t := &run.Tasks[i]
		if t.Active || t.Purged || t.Remaining() <= 0 {
			continue
		}

		// Reactivating reserves the task's incomplete games as well.
		extra := alignDown(min(t.Remaining(), free), unit)
		if extra <= 0 {
			continue
		}

		t.NumGames = t.Results.Games() + extra

		return t, true
	}

	chunk := max(alignDown(s.cfg.ChunkSize, unit), unit)

	size := alignDown(min(chunk, free), unit)
	if size <= 0 {
		return nil, false
	}

	run.Tasks = append(run.Tasks, store.Task{
		ID:       len(run.Tasks),
		NumGames: size,
	})

	return &run.Tasks[len(run.Tasks)-1], false
}

// reclaimRun deactivates the run's stale tasks and returns the worker ids
// they were bound to. Results already merged stay credited.
func (s *scheduler) reclaimRun(run *store.Run, now time.Time) []string {
	var workers []string

	for i := range run.Tasks {
		t := &run.Tasks[i]
		if !t.Active || now.Sub(t.LastUpdated) <= s.cfg.TaskTimeout {
			continue
		}

		workers = append(workers, t.WorkerID)

		t.Active = false
		t.WorkerID = ""
	}

	return workers
}

func matches(args *store.RunArgs, caps Capabilities) bool {
	if len(args.Platforms) > 0 && !slices.Contains(args.Platforms, caps.Platform) {
		return false
	}

	if caps.Concurrency < args.Threads {
		return false
	}

	if args.MinThreads > 0 && caps.Concurrency < args.MinThreads {
		return false
	}

	if args.MaxThreads > 0 && caps.Concurrency > args.MaxThreads {
		return false
	}

	return true
}

// alignDown rounds n down to a multiple of unit.
func alignDown(n, unit int) int {
	if n <= 0 {
		return 0
	}

	return n - n%unit
}

// Heartbeat refreshes the liveness timestamp of a task bound to the worker.
func (s *scheduler) Heartbeat(
	ctx context.Context, workerID, runID string, taskID int,
) error {
	_, err := s.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		task, err := run.Task(taskID)
		if err != nil {
			return err
		}

		if !task.BoundTo(workerID) {
			return ErrUnknownTask
		}

		task.LastUpdated = s.now()

		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrUnknownTask, err)
	}

	return err
}

// ReclaimStaleTasks deactivates every active task whose last update is older
// than the task timeout, across tracked and draining runs, in parallel.
func (s *scheduler) ReclaimStaleTasks(
	ctx context.Context, now time.Time,
) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs)+len(s.draining))

	for id := range s.runs {
		ids = append(ids, id)
	}

	for id := range s.draining {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	concurrency := s.cfg.ReclaimConcurrency
	if concurrency <= 0 {
		concurrency = config.DefaultReclaimConcurrency
	}

	var (
		total   int
		totalMu sync.Mutex
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range ids {
		g.Go(func() error {
			n, err := s.reclaimOne(gCtx, id, now)
			if err != nil {
				return err
			}

			totalMu.Lock()
			total += n
			totalMu.Unlock()

			return nil
		})
	}

	err := g.Wait()

	return total, err
}

func (s *scheduler) reclaimOne(
	ctx context.Context, runID string, now time.Time,
) (int, error) {
	var reclaimed []string

	run, err := s.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		reclaimed = s.reclaimRun(run, now)
		if len(reclaimed) == 0 {
			return store.ErrNoChange
		}

		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		s.mu.Lock()
		delete(s.runs, runID)
		delete(s.draining, runID)
		s.mu.Unlock()

		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("reclaiming tasks of run %s: %w", runID, err)
	}

	s.dropBindings(runID, reclaimed)

	if !run.Schedulable() && run.ActiveTasks() == 0 {
		s.mu.Lock()
		delete(s.draining, runID)
		s.mu.Unlock()
	}

	if len(reclaimed) > 0 {
		metrics.TasksReclaimed.Add(float64(len(reclaimed)))

		s.log.WithFields(logrus.Fields{
			"run_id": runID,
			"tasks":  len(reclaimed),
		}).Info("Reclaimed stale tasks")
	}

	return len(reclaimed), nil
}

// ReleaseTask ends a worker's hold on a task. With ReasonPurge the task's
// results are also rolled back; an empty workerID releases administratively.
func (s *scheduler) ReleaseTask(
	ctx context.Context, workerID, runID string, taskID int, reason string,
) error {
	switch reason {
	case ReasonComplete, "":
		_, err := s.store.UpdateRun(ctx, runID, func(run *store.Run) error {
			task, err := run.Task(taskID)
			if err != nil {
				return err
			}

			if !task.BoundTo(workerID) {
				if task.WorkerID == workerID && !task.Purged {
					return store.ErrNoChange
				}

				return ErrUnknownTask
			}

			task.Active = false

			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrUnknownTask, err)
		}

		if err != nil {
			return err
		}
	case ReasonPurge:
		if workerID != "" {
			run, err := s.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}

			task, err := run.Task(taskID)
			if err != nil || task.WorkerID != workerID {
				return ErrUnknownTask
			}
		}

		if err := s.purger.PurgeTask(ctx, runID, taskID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported release reason %q", reason)
	}

	s.unbindTask(runID, taskID)

	s.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"task_id":   taskID,
		"worker_id": workerID,
		"reason":    reason,
	}).Debug("Task released")

	return nil
}

// releaseBinding deactivates the task the worker holds, if any.
func (s *scheduler) releaseBinding(ctx context.Context, workerID string) error {
	s.mu.Lock()
	b, ok := s.bindings[workerID]
	s.mu.Unlock()

	if !ok {
		return nil
	}

	err := s.ReleaseTask(ctx, workerID, b.runID, b.taskID, ReasonComplete)
	if err != nil && !errors.Is(err, ErrUnknownTask) {
		return err
	}

	s.mu.Lock()
	if cur, ok := s.bindings[workerID]; ok && cur == b {
		delete(s.bindings, workerID)
	}
	s.mu.Unlock()

	return nil
}

func (s *scheduler) bind(workerID, runID string, taskID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings[workerID] = binding{runID: runID, taskID: taskID}
}

func (s *scheduler) dropBindings(runID string, workers []string) {
	if len(workers) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range workers {
		if b, ok := s.bindings[w]; ok && b.runID == runID {
			delete(s.bindings, w)
		}
	}
}

func (s *scheduler) unbindTask(runID string, taskID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for w, b := range s.bindings {
		if b.runID == runID && b.taskID == taskID {
			delete(s.bindings, w)
		}
	}
}
