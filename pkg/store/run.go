package store

import "fmt"

// Schedulable reports whether tasks may be issued for the run.
func (r *Run) Schedulable() bool {
	return r.Status == StatusApproved || r.Status == StatusRunning
}

// Task returns the task with the given id.
func (r *Run) Task(id int) (*Task, error) {
	if id < 0 || id >= len(r.Tasks) {
		return nil, fmt.Errorf("%w: task %d of run %s", ErrNotFound, id, r.ID)
	}

	return &r.Tasks[id], nil
}

// Allocated returns the number of games reserved by the run's tasks: the
// full size of active tasks and the completed games of inactive ones.
// Purged tasks reserve nothing.
func (r *Run) Allocated() int {
	total := 0

	for i := range r.Tasks {
		t := &r.Tasks[i]

		switch {
		case t.Purged:
		case t.Active:
			total += t.NumGames
		default:
			total += t.Results.Games()
		}
	}

	return total
}

// Remaining returns the unallocated game budget.
func (r *Run) Remaining() int {
	return r.Args.NumGames - r.Allocated()
}

// ActiveTasks returns the number of tasks currently bound to a worker.
func (r *Run) ActiveTasks() int {
	n := 0

	for i := range r.Tasks {
		if r.Tasks[i].Active {
			n++
		}
	}

	return n
}

// GameUnit returns the granularity of task sizes in games. Workers report
// SPRT runs in batches of BatchSize pairs, so their tasks must hold whole
// batches; everything else is played in pairs.
func (a *RunArgs) GameUnit() int {
	if a.Stop.Kind == StopSPRT && a.Stop.SPRT != nil && a.Stop.SPRT.BatchSize > 0 {
		return 2 * a.Stop.SPRT.BatchSize
	}

	return 2
}

// SPSAIterations returns the number of tuning iterations of the run, one
// per game pair.
func (r *Run) SPSAIterations() int {
	return r.Args.NumGames / 2
}

// Remaining returns the number of games the task still has to play.
func (t *Task) Remaining() int {
	return t.NumGames - t.Results.Games()
}

// BoundTo reports whether the task is active and held by workerID.
func (t *Task) BoundTo(workerID string) bool {
	return t.Active && !t.Purged && t.WorkerID == workerID
}
