package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StageMutation changes a stage record (and optionally its run) in place.
// Returning an error aborts the write.
type StageMutation func(run *Run, rec *StageRecord) error

// RunMutation changes run-level fields in place. Returning an error aborts
// the write.
type RunMutation func(run *Run) error

// Store persists runs and their stage records.
//
// Every write takes the version the caller last observed. A write based on
// a stale version fails with a ConflictError and leaves the run untouched,
// which serializes concurrent writers (e.g. two workers that claimed the
// same run after a restart) without locks.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateRun(ctx context.Context, url string) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateStage(
		ctx context.Context,
		runID string,
		version int64,
		stage StageName,
		mutate StageMutation,
	) (*Run, error)
	UpdateRun(
		ctx context.Context,
		runID string,
		version int64,
		mutate RunMutation,
	) (*Run, error)
	RequestCancel(ctx context.Context, runID string) (*Run, error)

	ListRunIDsByStatus(ctx context.Context, statuses ...RunStatus) ([]string, error)
	ListStaleRunIDs(ctx context.Context, before time.Time, statuses ...RunStatus) ([]string, error)
	ListRunsByURL(ctx context.Context, url string, limit int) ([]Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
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
		if dir := filepath.Dir(s.cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
		}

		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// SQLite allows a single writer; one connection makes transactions
	// queue instead of failing with SQLITE_BUSY.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&StageRecord{},
	); err != nil {
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

// CreateRun persists a new pending run with every stage not started.
func (s *store) CreateRun(ctx context.Context, url string) (*Run, error) {
	now := s.now()

	run := &Run{
		RunID:     uuid.NewString(),
		URL:       url,
		URLHash:   HashURL(url),
		Status:    RunStatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Stages:    make([]StageRecord, 0, len(StageOrder)),
	}

	for i, name := range StageOrder {
		run.Stages = append(run.Stages, StageRecord{
			Name:     name,
			Position: i,
			Status:   StageNotStarted,
		})
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return run, nil
}

// GetRun returns the run with its stages in execution order.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.loadRun(s.db.WithContext(ctx), runID)
}

func (s *store) loadRun(tx *gorm.DB, runID string) (*Run, error) {
	var run Run
	if err := tx.
		Preload("Stages", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{RunID: runID}
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// UpdateStage atomically applies mutate to the stage record and the run,
// provided the run is still at version.
func (s *store) UpdateStage(
	ctx context.Context,
	runID string,
	version int64,
	stage StageName,
	mutate StageMutation,
) (*Run, error) {
	var updated *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.loadRun(tx, runID)
		if err != nil {
			return err
		}

		rec := run.Stage(stage)
		if rec == nil {
			return fmt.Errorf("run %q has no stage %q", runID, stage)
		}

		if err := s.checkVersion(run, version); err != nil {
			return err
		}

		if err := mutate(run, rec); err != nil {
			return err
		}

		if err := s.bumpVersion(tx, run, version); err != nil {
			return err
		}

		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("saving stage %s: %w", stage, err)
		}

		updated = run

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// UpdateRun atomically applies mutate to the run, provided it is still at
// version.
func (s *store) UpdateRun(
	ctx context.Context,
	runID string,
	version int64,
	mutate RunMutation,
) (*Run, error) {
	var updated *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.loadRun(tx, runID)
		if err != nil {
			return err
		}

		if err := s.checkVersion(run, version); err != nil {
			return err
		}

		if err := mutate(run); err != nil {
			return err
		}

		if err := s.bumpVersion(tx, run, version); err != nil {
			return err
		}

		updated = run

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// RequestCancel flags the run for cancellation regardless of its version.
// The version still moves so that in-flight writers re-read and notice.
func (s *store) RequestCancel(ctx context.Context, runID string) (*Run, error) {
	var updated *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.loadRun(tx, runID)
		if err != nil {
			return err
		}

		if run.Status.IsTerminal() || run.CancelRequested {
			updated = run

			return nil
		}

		run.CancelRequested = true

		if err := s.bumpVersion(tx, run, run.Version); err != nil {
			return err
		}

		updated = run

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *store) checkVersion(run *Run, version int64) error {
	if run.Version != version {
		return &ConflictError{
			RunID:    run.RunID,
			Expected: version,
			Actual:   run.Version,
		}
	}

	return nil
}

// bumpVersion writes the run-level fields with a conditional update so a
// concurrent writer that committed first turns this write into a conflict.
func (s *store) bumpVersion(tx *gorm.DB, run *Run, version int64) error {
	now := s.now()

	result := tx.Model(&Run{}).
		Where("run_id = ? AND version = ?", run.RunID, version).
		Updates(map[string]any{
			"version":          version + 1,
			"status":           run.Status,
			"reason":           run.Reason,
			"cancel_requested": run.CancelRequested,
			"updated_at":       now,
		})
	if result.Error != nil {
		return fmt.Errorf("updating run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return &ConflictError{
			RunID:    run.RunID,
			Expected: version,
			Actual:   version + 1,
		}
	}

	run.Version = version + 1
	run.UpdatedAt = now

	return nil
}

// ListRunIDsByStatus returns the ids of runs in any of the given statuses,
// oldest first.
func (s *store) ListRunIDsByStatus(
	ctx context.Context, statuses ...RunStatus,
) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Pluck("run_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing run ids: %w", err)
	}

	return ids, nil
}

// ListStaleRunIDs returns the ids of runs in any of the given statuses that
// have not been written since before, oldest first.
func (s *store) ListStaleRunIDs(
	ctx context.Context, before time.Time, statuses ...RunStatus,
) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("status IN ? AND updated_at < ?", statuses, before.UTC()).
		Order("created_at ASC").
		Pluck("run_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing stale run ids: %w", err)
	}

	return ids, nil
}

// ListRunsByURL returns the most recent runs for a normalized URL.
func (s *store) ListRunsByURL(
	ctx context.Context, url string, limit int,
) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("url_hash = ?", HashURL(url)).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs by url: %w", err)
	}

	return runs, nil
}

// HashURL returns the hex BLAKE2b-256 digest used to index runs by URL.
func HashURL(url string) string {
	sum := blake2b.Sum256([]byte(url))

	return hex.EncodeToString(sum[:])
}
