// Package store persists finished runs to a SQL database.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/report"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store provides persistence for run results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	SaveReport(ctx context.Context, rep *report.Report) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListCaseHistory(ctx context.Context, caseID string, limit int) ([]CaseResult, error)
	DeleteRun(ctx context.Context, runID string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
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
		sslMode := s.cfg.Postgres.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}

		port := s.cfg.Postgres.Port
		if port == 0 {
			port = 5432
		}

		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			sslMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening results database: %w", err)
	}

	// A single connection keeps in-memory sqlite databases shared.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&CaseResult{},
		&CoverageResult{},
	); err != nil {
		return fmt.Errorf("running results migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Results database connected")

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

// SaveReport stores a run with its cases and coverage. Saving a run id
// again replaces the earlier record.
func (s *store) SaveReport(ctx context.Context, rep *report.Report) (*Run, error) {
	if rep.RunID == "" {
		return nil, fmt.Errorf("report has no run id")
	}

	run, err := FromReport(rep)
	if err != nil {
		return nil, fmt.Errorf("converting report: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteRun(tx, rep.RunID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"cases":  len(run.Cases),
	}).Debug("Stored run")

	return run, nil
}

// ListRuns returns runs newest first, without cases or coverage.
// A limit of zero or less returns every run.
func (s *store) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if offset > 0 {
		q = q.Offset(offset)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// GetRun returns one run with its cases and coverage.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Preload("Cases", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Coverage", func(db *gorm.DB) *gorm.DB { return db.Order("target, level") }).
		Where("run_id = ?", runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListCaseHistory returns the latest results of one test case across runs,
// newest first.
func (s *store) ListCaseHistory(ctx context.Context, caseID string, limit int) ([]CaseResult, error) {
	q := s.db.WithContext(ctx).
		Joins("JOIN runs ON runs.id = case_results.run_ref").
		Where("case_results.case_id = ?", caseID).
		Order("runs.started_at DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var cases []CaseResult
	if err := q.Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("listing case history: %w", err)
	}

	return cases, nil
}

// DeleteRun removes a run and everything stored with it.
func (s *store) DeleteRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRun(tx, runID)
	})
}

func deleteRun(tx *gorm.DB, runID string) error {
	var run Run
	if err := tx.Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}

		return fmt.Errorf("finding run: %w", err)
	}

	if err := tx.Where("run_ref = ?", run.ID).Delete(&CaseResult{}).Error; err != nil {
		return fmt.Errorf("deleting case results: %w", err)
	}

	if err := tx.Where("run_ref = ?", run.ID).Delete(&CoverageResult{}).Error; err != nil {
		return fmt.Errorf("deleting coverage results: %w", err)
	}

	if err := tx.Delete(&run).Error; err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}

	return nil
}
