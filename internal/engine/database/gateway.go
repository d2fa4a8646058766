// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

// notFound translates gorm's sentinel into the engine's error taxonomy.
func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return enginerr.New(enginerr.KindNotFound, "%s %s not found", what, id)
	}
	return err
}

// --- Repositories ---

// CreateRepository inserts a repository row. Used by fixtures and seeding;
// in production the external CRUD layer owns these rows.
func (db *GormDB) CreateRepository(ctx context.Context, repo *models.Repository) error {
	return db.conn(ctx).Create(repo).Error
}

// GetRepository reads a repository row. The engine never writes these; the
// external CRUD layer owns them.
func (db *GormDB) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	var repo models.Repository
	if err := db.conn(ctx).First(&repo, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "repository", id)
	}
	return &repo, nil
}

// --- Pipelines ---

func (db *GormDB) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	return db.conn(ctx).Create(p).Error
}

func (db *GormDB) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := db.conn(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "pipeline", id)
	}
	return &p, nil
}

func (db *GormDB) ListPipelines(ctx context.Context) ([]models.Pipeline, error) {
	var pipelines []models.Pipeline
	if err := db.conn(ctx).Order("created_at DESC").Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return pipelines, nil
}

// FindPipelinesForTrigger returns pipelines of a repository that declare a
// trigger of the given type. Branch filtering happens in the scheduler; the
// JSON triggers column is not queryable across both dialects.
func (db *GormDB) FindPipelinesForTrigger(ctx context.Context, repoID string) ([]models.Pipeline, error) {
	var pipelines []models.Pipeline
	if err := db.conn(ctx).Where("repo_id = ?", repoID).Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("failed to query pipelines for repo %s: %w", repoID, err)
	}
	return pipelines, nil
}

// --- Pipeline runs ---

func (db *GormDB) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.conn(ctx).Create(run).Error
}

func (db *GormDB) GetPipelineRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := db.conn(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "pipeline run", id)
	}
	return &run, nil
}

// GetPipelineRunDetail loads a run with its step runs and their executions.
func (db *GormDB) GetPipelineRunDetail(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.conn(ctx).
		Preload("StepRuns", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_index ASC") }).
		Preload("StepRuns.Executions", func(tx *gorm.DB) *gorm.DB { return tx.Order("attempt ASC") }).
		First(&run, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "pipeline run", id)
	}
	return &run, nil
}

func (db *GormDB) SavePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.conn(ctx).Save(run).Error
}

// UpdatePipelineRunStatusIfIn transitions a run's status only if the current
// status is one of from. Zero rows affected means a concurrent writer won;
// that surfaces as a conflict.
func (db *GormDB) UpdatePipelineRunStatusIfIn(ctx context.Context, id string, from []models.PipelineStatus, to models.PipelineStatus, extra map[string]any) error {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.conn(ctx).Model(&models.PipelineRun{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update run %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return enginerr.New(enginerr.KindConflict, "run %s not in %v, refusing transition to %s", id, from, to)
	}
	return nil
}

// ListRunsByStatus returns runs currently in any of the given statuses.
// Used by orphan recovery at startup.
func (db *GormDB) ListRunsByStatus(ctx context.Context, statuses []models.PipelineStatus) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	if err := db.conn(ctx).Where("status IN ?", statuses).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", err)
	}
	return runs, nil
}

// DeleteRunsCompletedBefore removes terminal runs older than cutoff. Step
// runs and executions go with them via cascade.
func (db *GormDB) DeleteRunsCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := db.conn(ctx).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?",
			[]models.PipelineStatus{models.PipelineStatusCompleted, models.PipelineStatusFailed, models.PipelineStatusCancelled},
			cutoff).
		Delete(&models.PipelineRun{})
	return res.RowsAffected, res.Error
}

// --- Step runs ---

func (db *GormDB) CreateStepRun(ctx context.Context, sr *models.StepRun) error {
	return db.conn(ctx).Create(sr).Error
}

func (db *GormDB) GetStepRun(ctx context.Context, id string) (*models.StepRun, error) {
	var sr models.StepRun
	if err := db.conn(ctx).First(&sr, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "step run", id)
	}
	return &sr, nil
}

// GetStepRunByRunAndStep returns the step run of a pipeline run for one step.
func (db *GormDB) GetStepRunByRunAndStep(ctx context.Context, runID, stepID string) (*models.StepRun, error) {
	var sr models.StepRun
	err := db.conn(ctx).First(&sr, "pipeline_run_id = ? AND step_id = ?", runID, stepID).Error
	if err != nil {
		return nil, notFound(err, "step run", runID+"/"+stepID)
	}
	return &sr, nil
}

func (db *GormDB) SaveStepRun(ctx context.Context, sr *models.StepRun) error {
	return db.conn(ctx).Save(sr).Error
}

// AppendStepRunLogs appends a chunk to the step run's aggregated log column.
func (db *GormDB) AppendStepRunLogs(ctx context.Context, id, chunk string) error {
	res := db.conn(ctx).Model(&models.StepRun{}).
		Where("id = ?", id).
		Update("logs", gorm.Expr("COALESCE(logs, '') || ?", chunk))
	if res.Error != nil {
		return fmt.Errorf("failed to append logs to step run %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return enginerr.New(enginerr.KindNotFound, "step run %s not found", id)
	}
	return nil
}

// --- Step executions ---

// ClaimExecution inserts the execution, relying on the unique index over
// execution_key. Returns claimed=true when this call created the row. On a
// key collision the already existing execution is returned instead, so the
// loser can await the winner's outcome.
func (db *GormDB) ClaimExecution(ctx context.Context, exec *models.StepExecution) (bool, *models.StepExecution, error) {
	res := db.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_key"}},
		DoNothing: true,
	}).Create(exec)
	if res.Error != nil {
		return false, nil, fmt.Errorf("failed to claim execution %s: %w", exec.ExecutionKey, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, exec, nil
	}
	existing, err := db.GetExecutionByKey(ctx, exec.ExecutionKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (db *GormDB) GetExecution(ctx context.Context, id string) (*models.StepExecution, error) {
	var exec models.StepExecution
	if err := db.conn(ctx).First(&exec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "step execution", id)
	}
	return &exec, nil
}

func (db *GormDB) GetExecutionByKey(ctx context.Context, key string) (*models.StepExecution, error) {
	var exec models.StepExecution
	if err := db.conn(ctx).First(&exec, "execution_key = ?", key).Error; err != nil {
		return nil, notFound(err, "step execution", key)
	}
	return &exec, nil
}

func (db *GormDB) SaveExecution(ctx context.Context, exec *models.StepExecution) error {
	return db.conn(ctx).Save(exec).Error
}

// UpdateExecutionStatusIfIn transitions an execution only if its current
// status is one of from, applying extra column updates atomically with the
// status write. Zero rows affected means the guard failed.
func (db *GormDB) UpdateExecutionStatusIfIn(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, extra map[string]any) error {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.conn(ctx).Model(&models.StepExecution{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update execution %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return enginerr.New(enginerr.KindConflict, "execution %s not in %v, refusing transition to %s", id, from, to)
	}
	return nil
}

// SetExecutionContainer records the container backing an execution.
func (db *GormDB) SetExecutionContainer(ctx context.Context, id, containerID string) error {
	return db.conn(ctx).Model(&models.StepExecution{}).
		Where("id = ?", id).
		Update("container_id", containerID).Error
}

// NextAttempt returns the next attempt number for a step run (1-based).
func (db *GormDB) NextAttempt(ctx context.Context, stepRunID string) (int, error) {
	var max *int
	err := db.conn(ctx).Model(&models.StepExecution{}).
		Where("step_run_id = ?", stepRunID).
		Select("MAX(attempt)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute next attempt for step run %s: %w", stepRunID, err)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// ListNonTerminalExecutions returns executions still in flight. Used by
// orphan recovery and heartbeat timeout sweeps.
func (db *GormDB) ListNonTerminalExecutions(ctx context.Context) ([]models.StepExecution, error) {
	var execs []models.StepExecution
	err := db.conn(ctx).
		Where("status IN ?", []models.ExecutionStatus{
			models.ExecutionStatusPending,
			models.ExecutionStatusAssigned,
			models.ExecutionStatusPreparing,
			models.ExecutionStatusRunning,
			models.ExecutionStatusCompleting,
		}).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight executions: %w", err)
	}
	return execs, nil
}

// ListExecutionsByRunner returns in-flight executions owned by a runner.
func (db *GormDB) ListExecutionsByRunner(ctx context.Context, runnerID string) ([]models.StepExecution, error) {
	var execs []models.StepExecution
	err := db.conn(ctx).
		Where("runner_id = ? AND status IN ?", runnerID, []models.ExecutionStatus{
			models.ExecutionStatusAssigned,
			models.ExecutionStatusPreparing,
			models.ExecutionStatusRunning,
		}).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for runner %s: %w", runnerID, err)
	}
	return execs, nil
}
