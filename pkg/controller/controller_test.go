package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/official-monty/montytest/pkg/aggregator"
	"github.com/official-monty/montytest/pkg/config"
	"github.com/official-monty/montytest/pkg/controller"
	"github.com/official-monty/montytest/pkg/scheduler"
	"github.com/official-monty/montytest/pkg/spsa"
	"github.com/official-monty/montytest/pkg/stats"
	"github.com/official-monty/montytest/pkg/store"
)

type harness struct {
	store store.Store
	sched scheduler.Scheduler
	agg   aggregator.Aggregator
	ctrl  controller.Controller
}

func setup(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}, config.StoreConfig{
		MaxRetries: 100,
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	agg := aggregator.NewAggregator(log, st)
	sched := scheduler.NewScheduler(log, config.SchedulerConfig{
		ChunkSize:   8,
		TaskTimeout: time.Hour,
	}, st, agg)
	ctrl := controller.NewController(log, config.StatsConfig{
		Alpha:    config.DefaultAlpha,
		Beta:     config.DefaultBeta,
		MinPairs: config.DefaultMinPairs,
	}, st, sched)
	agg.SetEvaluator(ctrl)

	return &harness{store: st, sched: sched, agg: agg, ctrl: ctrl}
}

func fixedArgs(numGames int) store.RunArgs {
	return store.RunArgs{
		NewTag:   "patch",
		BaseTag:  "master",
		TC:       "8+0.08",
		NumGames: numGames,
		Stop:     store.StopRule{Kind: store.StopFixed},
	}
}

func sprtArgs(numGames int) store.RunArgs {
	args := fixedArgs(numGames)
	args.Stop = store.StopRule{
		Kind: store.StopSPRT,
		SPRT: &store.SPRT{SPRTParams: stats.SPRTParams{Elo0: 0, Elo1: 5}},
	}

	return args
}

var caps = scheduler.Capabilities{Platform: "linux", Concurrency: 4}

func TestCreateRun_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *store.RunArgs)
		wantErr bool
	}{
		{name: "sprt defaults", mutate: func(_ *store.RunArgs) {}},
		{name: "missing tag", mutate: func(a *store.RunArgs) { a.BaseTag = "" }, wantErr: true},
		{name: "odd games", mutate: func(a *store.RunArgs) { a.NumGames = 7 }, wantErr: true},
		{name: "zero games", mutate: func(a *store.RunArgs) { a.NumGames = 0 }, wantErr: true},
		{name: "elo1 not above elo0", mutate: func(a *store.RunArgs) { a.Stop.SPRT.Elo1 = -1 }, wantErr: true},
		{name: "alpha out of range", mutate: func(a *store.RunArgs) { a.Stop.SPRT.Alpha = 1.5 }, wantErr: true},
		{name: "sprt without params", mutate: func(a *store.RunArgs) { a.Stop.SPRT = nil }, wantErr: true},
		{name: "unknown stop rule", mutate: func(a *store.RunArgs) { a.Stop.Kind = "elo" }, wantErr: true},
		{name: "budget of whole batches", mutate: func(a *store.RunArgs) { a.Stop.SPRT.BatchSize = 5 }},
		{name: "budget splits a batch", mutate: func(a *store.RunArgs) { a.Stop.SPRT.BatchSize = 8 }, wantErr: true},
		{name: "negative batch", mutate: func(a *store.RunArgs) { a.Stop.SPRT.BatchSize = -1 }, wantErr: true},
		{name: "datagen with sprt", mutate: func(a *store.RunArgs) { a.Datagen = true }, wantErr: true},
		{
			name: "spsa without params",
			mutate: func(a *store.RunArgs) {
				a.Stop = store.StopRule{Kind: store.StopSPSA}
			},
			wantErr: true,
		},
		{
			name: "spsa with invalid params",
			mutate: func(a *store.RunArgs) {
				a.Stop = store.StopRule{Kind: store.StopSPSA, SPSA: &spsa.Config{
					Params: []spsa.Param{{Name: "Cpuct", Start: 10, Min: 0, Max: 5, CEnd: 1, REnd: 1}},
				}}
			},
			wantErr: true,
		},
		{
			name: "inverted thread range",
			mutate: func(a *store.RunArgs) {
				a.MinThreads = 8
				a.MaxThreads = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t)
			args := sprtArgs(100)
			tt.mutate(&args)

			id, err := h.ctrl.CreateRun(context.Background(), "dev", args)
			if tt.wantErr {
				require.ErrorIs(t, err, controller.ErrInvalidArgument)

				return
			}

			require.NoError(t, err)

			view, err := h.ctrl.GetRunView(context.Background(), id)
			require.NoError(t, err)

			assert.Equal(t, store.StatusNew, view.Status)
			assert.Equal(t, "dev", view.Username)
			assert.Equal(t, 1, view.Args.Threads)
			assert.Equal(t, config.DefaultAlpha, view.Args.Stop.SPRT.Alpha)
			assert.Equal(t, config.DefaultBeta, view.Args.Stop.SPRT.Beta)
		})
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(64))
	require.NoError(t, err)

	// New runs are not schedulable.
	_, err = h.sched.RequestTask(ctx, "worker-a", caps)
	require.ErrorIs(t, err, scheduler.ErrNoWorkAvailable)

	require.NoError(t, h.ctrl.ApproveRun(ctx, id))
	require.ErrorIs(t, h.ctrl.ApproveRun(ctx, id), controller.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.ReopenRun(ctx, id), controller.ErrInvalidTransition)

	a, err := h.sched.RequestTask(ctx, "worker-a", caps)
	require.NoError(t, err)

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, view.Status)
	assert.Equal(t, 1, view.ActiveTasks)
	assert.Equal(t, 56, view.Remaining)

	_, err = h.agg.SubmitResult(ctx, aggregator.Report{
		WorkerID: "worker-a", RunID: id, TaskID: a.TaskID, Seq: 1,
		Delta: store.Results{Wins: 2, Pentanomial: stats.Pentanomial{0, 0, 0, 0, 1}},
	})
	require.NoError(t, err)

	require.NoError(t, h.ctrl.StopRun(ctx, id, ""))
	require.ErrorIs(t, h.ctrl.StopRun(ctx, id, ""), controller.ErrInvalidTransition)

	view, err = h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, view.Status)
	assert.Equal(t, store.VerdictManual, view.Verdict)
	require.NotNil(t, view.FinishedAt)
	require.NotNil(t, view.FinalStats)
	assert.Equal(t, 1, view.FinalStats.Pairs)

	_, err = h.sched.RequestTask(ctx, "worker-b", caps)
	require.ErrorIs(t, err, scheduler.ErrNoWorkAvailable)

	// The in-flight chunk may still report after the stop.
	ack, err := h.agg.SubmitResult(ctx, aggregator.Report{
		WorkerID: "worker-a", RunID: id, TaskID: a.TaskID, Seq: 2,
		Delta: store.Results{Draws: 2, Pentanomial: stats.Pentanomial{0, 0, 1, 0, 0}},
	})
	require.NoError(t, err)
	assert.False(t, ack.TaskAlive)

	require.NoError(t, h.ctrl.ReopenRun(ctx, id))

	// The chunk of worker-a is still held, so the run resumes running.
	view, err = h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, view.Status)
	assert.Empty(t, view.Verdict)
	assert.Nil(t, view.FinishedAt)
	assert.Nil(t, view.FinalStats)
	assert.Equal(t, 4, view.Results.Games())

	_, err = h.sched.RequestTask(ctx, "worker-b", caps)
	require.NoError(t, err)
}

func TestReopenRun_NoBudgetLeft(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(8))
	require.NoError(t, err)
	require.NoError(t, h.ctrl.ApproveRun(ctx, id))

	a, err := h.sched.RequestTask(ctx, "worker-a", caps)
	require.NoError(t, err)

	_, err = h.agg.SubmitResult(ctx, aggregator.Report{
		WorkerID: "worker-a", RunID: id, TaskID: a.TaskID, Seq: 1,
		Delta: store.Results{Draws: 8, Pentanomial: stats.Pentanomial{0, 0, 4, 0, 0}},
	})
	require.NoError(t, err)

	require.ErrorIs(t, h.ctrl.ReopenRun(ctx, id), controller.ErrInvalidTransition)

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, view.Status)
	assert.Equal(t, store.VerdictUnknown, view.Verdict)

	_, err = h.sched.RequestTask(ctx, "worker-b", caps)
	require.ErrorIs(t, err, scheduler.ErrNoWorkAvailable)
}

func TestReopenRun_WithBudgetIsApproved(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(16))
	require.NoError(t, err)
	require.NoError(t, h.ctrl.StopRun(ctx, id, ""))
	require.NoError(t, h.ctrl.ReopenRun(ctx, id))

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, view.Status)
	assert.Equal(t, 16, view.Remaining)
}

func TestSPSARun_TunesUntilBudget(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	args := fixedArgs(8)
	args.Stop = store.StopRule{SPSA: &spsa.Config{
		Params: []spsa.Param{{Name: "Cpuct", Start: 100, Min: 50, Max: 150, CEnd: 4, REnd: 0.002}},
	}}

	id, err := h.ctrl.CreateRun(ctx, "dev", args)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.ApproveRun(ctx, id))

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StopSPSA, view.Args.Stop.Kind)
	require.NotNil(t, view.SPSA)
	assert.Equal(t, []float64{100}, view.SPSA.Theta)
	assert.InDelta(t, 0.4, view.Args.Stop.SPSA.A, 1e-9)

	a, err := h.sched.RequestTask(ctx, "worker-a", caps)
	require.NoError(t, err)

	params, err := h.agg.RequestSPSA(ctx, "worker-a", id, a.TaskID)
	require.NoError(t, err)
	require.True(t, params.TaskAlive)

	ack, err := h.agg.SubmitResult(ctx, aggregator.Report{
		WorkerID: "worker-a", RunID: id, TaskID: a.TaskID, Seq: 1,
		Delta: store.Results{Wins: 6, Losses: 2, Pentanomial: stats.Pentanomial{0, 0, 2, 0, 2}},
		SPSA:  &spsa.Outcome{Wins: 6, Losses: 2},
	})
	require.NoError(t, err)
	assert.False(t, ack.TaskAlive)

	view, err = h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, view.Status)
	assert.Equal(t, store.VerdictUnknown, view.Verdict)
	assert.Equal(t, 4, view.SPSA.Iter)
	assert.NotEqual(t, 100.0, view.SPSA.Theta[0])

	params, err = h.agg.RequestSPSA(ctx, "worker-a", id, a.TaskID)
	require.NoError(t, err)
	assert.False(t, params.TaskAlive)
}

func TestStopRun_Verdicts(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(16))
	require.NoError(t, err)

	require.ErrorIs(t, h.ctrl.StopRun(ctx, id, "maybe"), controller.ErrInvalidArgument)
	require.NoError(t, h.ctrl.StopRun(ctx, id, store.VerdictRejected))

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.VerdictRejected, view.Verdict)

	require.ErrorIs(t, h.ctrl.ApproveRun(ctx, "missing"), store.ErrNotFound)
}

func TestEvaluate_SPRTAccept(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", sprtArgs(10000))
	require.NoError(t, err)
	require.NoError(t, h.ctrl.ApproveRun(ctx, id))

	finished, err := h.ctrl.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.False(t, finished, "approved runs are not evaluated")

	// 1000 pairs scoring about 54%.
	_, err = h.store.UpdateRun(ctx, id, func(run *store.Run) error {
		run.Status = store.StatusRunning
		run.Results.Pentanomial = stats.Pentanomial{40, 200, 420, 230, 110}

		return nil
	})
	require.NoError(t, err)

	finished, err = h.ctrl.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.True(t, finished)

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.VerdictAccepted, view.Verdict)
	require.NotNil(t, view.FinalStats)
	assert.Equal(t, stats.Accept, view.FinalStats.Verdict)
	assert.Greater(t, view.Stats.Elo.Elo, 0.0)

	_, err = h.sched.RequestTask(ctx, "worker-a", caps)
	require.ErrorIs(t, err, scheduler.ErrNoWorkAvailable)
}

func TestEvaluate_SPRTReject(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", sprtArgs(10000))
	require.NoError(t, err)

	_, err = h.store.UpdateRun(ctx, id, func(run *store.Run) error {
		run.Status = store.StatusRunning
		run.Results.Pentanomial = stats.Pentanomial{110, 230, 420, 200, 40}

		return nil
	})
	require.NoError(t, err)

	finished, err := h.ctrl.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.True(t, finished)

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.VerdictRejected, view.Verdict)
}

func TestEvaluate_FixedGamesFinishOnBudget(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(8))
	require.NoError(t, err)
	require.NoError(t, h.ctrl.ApproveRun(ctx, id))

	a, err := h.sched.RequestTask(ctx, "worker-a", caps)
	require.NoError(t, err)

	ack, err := h.agg.SubmitResult(ctx, aggregator.Report{
		WorkerID: "worker-a", RunID: id, TaskID: a.TaskID, Seq: 1,
		Delta: store.Results{Wins: 2, Draws: 4, Losses: 2, Pentanomial: stats.Pentanomial{0, 1, 2, 1, 0}},
	})
	require.NoError(t, err)
	assert.False(t, ack.TaskAlive)

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, view.Status)
	assert.Equal(t, store.VerdictUnknown, view.Verdict)
	assert.Zero(t, view.Stats.LLR)
}

func TestEvaluate_SPRTBudgetExhaustedIsUnknown(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", sprtArgs(8))
	require.NoError(t, err)

	_, err = h.store.UpdateRun(ctx, id, func(run *store.Run) error {
		run.Status = store.StatusRunning
		run.Results = store.Results{Draws: 8, Pentanomial: stats.Pentanomial{0, 0, 4, 0, 0}}

		return nil
	})
	require.NoError(t, err)

	finished, err := h.ctrl.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.True(t, finished)

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.VerdictUnknown, view.Verdict)
}

func TestEvaluate_ConcurrentFinishWritesOnce(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", sprtArgs(10000))
	require.NoError(t, err)

	before, err := h.store.UpdateRun(ctx, id, func(run *store.Run) error {
		run.Status = store.StatusRunning
		run.Results.Pentanomial = stats.Pentanomial{40, 200, 420, 230, 110}

		return nil
	})
	require.NoError(t, err)

	g, gCtx := errgroup.WithContext(ctx)

	for range 8 {
		g.Go(func() error {
			finished, err := h.ctrl.Evaluate(gCtx, id)
			if err != nil {
				return err
			}

			assert.True(t, finished)

			return nil
		})
	}

	require.NoError(t, g.Wait())

	after, err := h.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)
	assert.Equal(t, store.VerdictAccepted, after.Verdict)
}

func TestPurgeTask(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	id, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(16))
	require.NoError(t, err)
	require.NoError(t, h.ctrl.ApproveRun(ctx, id))

	a, err := h.sched.RequestTask(ctx, "worker-a", caps)
	require.NoError(t, err)

	_, err = h.agg.SubmitResult(ctx, aggregator.Report{
		WorkerID: "worker-a", RunID: id, TaskID: a.TaskID, Seq: 1,
		Delta: store.Results{Losses: 4, Pentanomial: stats.Pentanomial{2, 0, 0, 0, 0}},
	})
	require.NoError(t, err)

	require.NoError(t, h.ctrl.PurgeTask(ctx, id, a.TaskID))

	view, err := h.ctrl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Results.IsZero())
	assert.Equal(t, 16, view.Remaining)
	assert.Zero(t, view.ActiveTasks)

	require.Error(t, h.ctrl.PurgeTask(ctx, id, 42))
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	first, err := h.ctrl.CreateRun(ctx, "dev", fixedArgs(16))
	require.NoError(t, err)

	_, err = h.ctrl.CreateRun(ctx, "dev", fixedArgs(16))
	require.NoError(t, err)

	require.NoError(t, h.ctrl.ApproveRun(ctx, first))

	all, err := h.ctrl.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	approved, err := h.ctrl.ListRuns(ctx, store.StatusApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, first, approved[0].ID)
}
