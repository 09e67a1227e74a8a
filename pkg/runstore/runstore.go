package runstore

// Package runstore keeps a history of training runs, and the per-epoch statistics of each run,
// in a SQLite database.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/collectkid/speciesml/pkg/train"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("Run not found")

type RunStore struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create a run database
func Open(log logs.Log, dbFilename string) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0755); err != nil {
		return nil, err
	}
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open run database %v: %w", dbFilename, err)
	}
	return &RunStore{
		Log: log,
		DB:  db,
	}, nil
}

func (s *RunStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartRun records the start of a new run
func (s *RunStore) StartRun(version, labelsSHA256 string, params RunParams) (*Run, error) {
	run := &Run{
		UUID:         uuid.NewString(),
		Version:      version,
		Status:       RunStatusRunning,
		StartedAt:    dbh.MakeIntTime(time.Now()),
		LabelsSHA256: labelsSHA256,
		Params:       &dbh.JSONField[RunParams]{Data: params},
		Results:      &dbh.JSONField[RunResults]{},
	}
	if err := s.DB.Create(run).Error; err != nil {
		return nil, fmt.Errorf("Failed to record run: %w", err)
	}
	s.Log.Infof("Started run %v (id %v), version %v", run.UUID, run.ID, version)
	return run, nil
}

// RecordEpoch stores the statistics of one epoch of run
func (s *RunStore) RecordEpoch(run *Run, stats train.EpochStats) error {
	e := &Epoch{
		RunID:         run.ID,
		Epoch:         stats.Epoch,
		LearningRate:  stats.LearningRate,
		TrainLoss:     stats.TrainLoss,
		TrainAccuracy: stats.TrainAccuracy,
		ValLoss:       stats.ValLoss,
		ValAccuracy:   stats.ValAccuracy,
		Improved:      stats.Improved,
		DurationMS:    stats.Duration.Milliseconds(),
	}
	return s.DB.Create(e).Error
}

// FinishRun marks run as succeeded
func (s *RunStore) FinishRun(run *Run, results RunResults) error {
	run.Status = RunStatusSucceeded
	run.FinishedAt = dbh.MakeIntTime(time.Now())
	run.Results = &dbh.JSONField[RunResults]{Data: results}
	return s.DB.Model(run).Select("status", "finished_at", "results").Updates(run).Error
}

// FailRun marks run as failed
func (s *RunStore) FailRun(run *Run, cause error) error {
	run.Status = RunStatusFailed
	run.FinishedAt = dbh.MakeIntTime(time.Now())
	run.Error = cause.Error()
	return s.DB.Model(run).Select("status", "finished_at", "error").Updates(run).Error
}

// ListRuns returns the most recent runs first.
// If limit is zero or less, all runs are returned.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	runs := []*Run{}
	q := s.DB.Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun finds a run by its UUID
func (s *RunStore) GetRun(runUUID string) (*Run, error) {
	runs := []*Run{}
	if err := s.DB.Where("uuid = ?", runUUID).Find(&runs).Error; err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// Epochs returns the epoch statistics of a run, in order
func (s *RunStore) Epochs(run *Run) ([]*Epoch, error) {
	epochs := []*Epoch{}
	if err := s.DB.Where("run_id = ?", run.ID).Order("epoch").Find(&epochs).Error; err != nil {
		return nil, err
	}
	return epochs, nil
}
