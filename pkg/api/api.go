package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/official-monty/montytest/pkg/aggregator"
	"github.com/official-monty/montytest/pkg/config"
	"github.com/official-monty/montytest/pkg/controller"
	"github.com/official-monty/montytest/pkg/pgn"
	"github.com/official-monty/montytest/pkg/scheduler"
	"github.com/official-monty/montytest/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	sched      scheduler.Scheduler
	agg        aggregator.Aggregator
	ctrl       controller.Controller
	pgn        pgn.Store
	pgnPrefix  string
	httpServer *http.Server
	started    bool
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// setup creates the store and the scheduling components and wires them
// together.
func (s *server) setup(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database, s.cfg.Store)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.agg = aggregator.NewAggregator(s.log, s.store)
	s.sched = scheduler.NewScheduler(s.log, s.cfg.Scheduler, s.store, s.agg)
	s.ctrl = controller.NewController(s.log, s.cfg.Stats, s.store, s.sched)

	// Every accepted report re-evaluates the run's stopping rule.
	s.agg.SetEvaluator(s.ctrl)

	if st := pgn.NewStore(s.log, &s.cfg.PGN); st != nil {
		if err := st.Preflight(ctx); err != nil {
			return fmt.Errorf("checking pgn storage: %w", err)
		}

		s.pgn = st
		s.pgnPrefix = pgn.Prefix(&s.cfg.PGN)

		s.log.Info("PGN uploads enabled")
	}

	return nil
}

// Start initializes the store and scheduler, and starts the HTTP server.
// Nothing is left running when it fails.
func (s *server) Start(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		s.closeStore()

		return err
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		s.closeStore()

		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	if err := s.sched.Start(ctx); err != nil {
		_ = ln.Close()

		s.closeStore()

		return fmt.Errorf("starting scheduler: %w", err)
	}

	s.started = true

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, the scheduler and the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.started {
		if err := s.sched.Stop(); err != nil {
			s.log.WithError(err).Warn("Scheduler stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// closeStore releases the store after a failed start.
func (s *server) closeStore() {
	if s.store == nil {
		return
	}

	if err := s.store.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to close store")
	}

	s.store = nil
}
