package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jpillora/backoff"
	"github.com/official-monty/montytest/pkg/config"
	"github.com/official-monty/montytest/pkg/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a run or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a run changed between read and write and
	// the retry budget is exhausted. Callers may retry.
	ErrConflict = errors.New("write conflict")

	// ErrUnavailable is returned when the backing database cannot serve
	// the request.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNoChange may be returned by an UpdateRun mutator to abort the
	// update without writing and without failing.
	ErrNoChange = errors.New("no change")
)

// MutateFunc modifies a freshly read run in place. It may be invoked more
// than once when concurrent writers conflict, so it must not have side
// effects outside the run.
type MutateFunc func(run *Run) error

// Store provides durable keyed storage of runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, statuses ...string) ([]Run, error)
	ListSchedulableRuns(ctx context.Context) ([]Run, error)

	// UpdateRun applies mutate to the run atomically using optimistic
	// concurrency and returns the committed run.
	UpdateRun(ctx context.Context, id string, mutate MutateFunc) (*Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log      logrus.FieldLogger
	cfg      *config.DatabaseConfig
	retryCfg config.StoreConfig
	db       *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	retryCfg config.StoreConfig,
) Store {
	return &store{
		log:      log.WithField("component", "store"),
		cfg:      cfg,
		retryCfg: retryCfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps in-memory
		// databases shared across goroutines.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if run.Tasks == nil {
		run.Tasks = []Task{}
	}

	run.Priority = run.Args.Priority

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("%w: creating run: %w", ErrUnavailable, err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("%w: getting run %s: %w", ErrUnavailable, id, err)
	}

	return &run, nil
}

// ListRuns returns runs with any of the given statuses (all runs when none
// are given), newest first.
func (s *store) ListRuns(
	ctx context.Context, statuses ...string,
) ([]Run, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var runs []Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("%w: listing runs: %w", ErrUnavailable, err)
	}

	return runs, nil
}

// ListSchedulableRuns returns approved and running runs in scheduling order:
// highest priority first, then oldest first.
func (s *store) ListSchedulableRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusApproved, StatusRunning}).
		Order("priority DESC").
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("%w: listing schedulable runs: %w", ErrUnavailable, err)
	}

	return runs, nil
}

// UpdateRun reads the run, applies mutate and writes it back only if its
// version is unchanged, retrying with backoff on conflict.
func (s *store) UpdateRun(
	ctx context.Context, id string, mutate MutateFunc,
) (*Run, error) {
	b := &backoff.Backoff{
		Min:    s.retryCfg.BackoffMin,
		Max:    s.retryCfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; ; attempt++ {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}

		version := run.Version

		if err := mutate(run); err != nil {
			if errors.Is(err, ErrNoChange) {
				return run, nil
			}

			return nil, err
		}

		ok, err := s.compareAndSwap(ctx, run, version)
		if err != nil {
			return nil, err
		}

		if ok {
			return run, nil
		}

		metrics.StoreConflicts.Inc()

		if attempt >= s.retryCfg.MaxRetries {
			return nil, fmt.Errorf(
				"%w: run %s after %d attempts", ErrConflict, id, attempt+1,
			)
		}

		delay := b.Duration()

		s.log.WithFields(logrus.Fields{
			"run_id":  id,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("Run update conflicted, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// compareAndSwap writes run if the stored version still equals version.
func (s *store) compareAndSwap(
	ctx context.Context, run *Run, version int64,
) (bool, error) {
	run.Version = version + 1
	run.Priority = run.Args.Priority

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND version = ?", run.ID, version).
		Select("*").
		Omit("id", "created_at").
		Updates(run)
	if result.Error != nil {
		return false, fmt.Errorf(
			"%w: updating run %s: %w", ErrUnavailable, run.ID, result.Error,
		)
	}

	return result.RowsAffected == 1, nil
}
