// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

func setupTestDB(t *testing.T) *GormDB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "engine-test.db"),
	}
	db, err := NewGormDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedRun(t *testing.T, db *GormDB) (*models.PipelineRun, *models.StepRun) {
	t.Helper()
	ctx := context.Background()

	run := &models.PipelineRun{
		ID:         clock.NewID(),
		PipelineID: clock.NewID(),
		Status:     models.PipelineStatusRunning,
	}
	require.NoError(t, db.CreatePipelineRun(ctx, run))

	sr := &models.StepRun{
		ID:            clock.NewID(),
		PipelineRunID: run.ID,
		StepID:        "build",
		StepIndex:     0,
		Status:        models.StepRunStatusPending,
	}
	require.NoError(t, db.CreateStepRun(ctx, sr))
	return run, sr
}

func TestClaimExecution_FirstClaimWins(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run, sr := seedRun(t, db)

	key := clock.ExecutionKey(run.ID, 0, 1)
	first := &models.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: key,
		StepRunID:    sr.ID,
		Attempt:      1,
		Status:       models.ExecutionStatusPending,
		Claimant:     "scheduler-a",
	}
	claimed, got, err := db.ClaimExecution(ctx, first)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, first.ID, got.ID)

	// A second claim on the same key loses and sees the winner's row.
	second := &models.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: key,
		StepRunID:    sr.ID,
		Attempt:      1,
		Status:       models.ExecutionStatusPending,
		Claimant:     "scheduler-b",
	}
	claimed, got, err = db.ClaimExecution(ctx, second)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "scheduler-a", got.Claimant)
}

func TestClaimExecution_ConcurrentClaims(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run, sr := seedRun(t, db)
	key := clock.ExecutionKey(run.ID, 0, 1)

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec := &models.StepExecution{
				ID:           clock.NewID(),
				ExecutionKey: key,
				StepRunID:    sr.ID,
				Attempt:      1,
				Status:       models.ExecutionStatusPending,
			}
			claimed, _, err := db.ClaimExecution(ctx, exec)
			if err == nil && claimed {
				wins <- exec.ID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	assert.Len(t, winners, 1, "exactly one claimant may win the key")
}

func TestUpdateExecutionStatusIfIn(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run, sr := seedRun(t, db)

	exec := &models.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: clock.ExecutionKey(run.ID, 0, 1),
		StepRunID:    sr.ID,
		Attempt:      1,
		Status:       models.ExecutionStatusPending,
	}
	_, _, err := db.ClaimExecution(ctx, exec)
	require.NoError(t, err)

	err = db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusAssigned,
		map[string]any{"runner_id": "runner-1"})
	require.NoError(t, err)

	// Guard failure: the execution is no longer PENDING.
	err = db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusAssigned, nil)
	require.Error(t, err)
	assert.True(t, enginerr.IsConflict(err))

	got, err := db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusAssigned, got.Status)
	assert.Equal(t, "runner-1", got.RunnerID)
}

func TestNextAttempt(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run, sr := seedRun(t, db)

	n, err := db.NextAttempt(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for attempt := 1; attempt <= 2; attempt++ {
		exec := &models.StepExecution{
			ID:           clock.NewID(),
			ExecutionKey: clock.ExecutionKey(run.ID, 0, attempt),
			StepRunID:    sr.ID,
			Attempt:      attempt,
			Status:       models.ExecutionStatusFailed,
		}
		_, _, err := db.ClaimExecution(ctx, exec)
		require.NoError(t, err)
	}

	n, err = db.NextAttempt(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAtomic_RollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	runID := clock.NewID()
	err := db.Atomic(ctx, func(ctx context.Context) error {
		if err := db.CreatePipelineRun(ctx, &models.PipelineRun{
			ID:         runID,
			PipelineID: clock.NewID(),
			Status:     models.PipelineStatusPending,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = db.GetPipelineRun(ctx, runID)
	assert.True(t, enginerr.IsNotFound(err))
}

func TestAtomic_NestedFlattens(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	runID := clock.NewID()
	err := db.Atomic(ctx, func(ctx context.Context) error {
		return db.Atomic(ctx, func(ctx context.Context) error {
			return db.CreatePipelineRun(ctx, &models.PipelineRun{
				ID:         runID,
				PipelineID: clock.NewID(),
				Status:     models.PipelineStatusPending,
			})
		})
	})
	require.NoError(t, err)

	got, err := db.GetPipelineRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusPending, got.Status)
}

func TestRecordTrigger_Dedup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := time.Hour

	key := models.TriggerKey(models.TriggerPush, "repo-1", "main")

	dup, owner, err := db.RecordTrigger(ctx, key, "run-1", now, window)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "run-1", owner)

	// Inside the window the second trigger is a duplicate.
	dup, owner, err = db.RecordTrigger(ctx, key, "run-2", now.Add(10*time.Minute), window)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "run-1", owner)

	// Past the window the record is stale and taken over.
	dup, owner, err = db.RecordTrigger(ctx, key, "run-3", now.Add(2*time.Hour), window)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "run-3", owner)
}

func TestUpdatePipelineRunStatusIfIn_Conflict(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run, _ := seedRun(t, db)

	err := db.UpdatePipelineRunStatusIfIn(ctx, run.ID,
		[]models.PipelineStatus{models.PipelineStatusRunning},
		models.PipelineStatusCompleting, nil)
	require.NoError(t, err)

	err = db.UpdatePipelineRunStatusIfIn(ctx, run.ID,
		[]models.PipelineStatus{models.PipelineStatusRunning},
		models.PipelineStatusCompleting, nil)
	assert.True(t, enginerr.IsConflict(err))
}

func TestAppendStepRunLogs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, sr := seedRun(t, db)

	require.NoError(t, db.AppendStepRunLogs(ctx, sr.ID, "line 1\n"))
	require.NoError(t, db.AppendStepRunLogs(ctx, sr.ID, "line 2\n"))

	got, err := db.GetStepRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", got.Logs)

	err = db.AppendStepRunLogs(ctx, "missing", "x")
	assert.True(t, enginerr.IsNotFound(err))
}

func TestListNonTerminalExecutions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	run, sr := seedRun(t, db)

	statuses := []models.ExecutionStatus{
		models.ExecutionStatusRunning,
		models.ExecutionStatusCompleted,
		models.ExecutionStatusPending,
	}
	for i, st := range statuses {
		exec := &models.StepExecution{
			ID:           clock.NewID(),
			ExecutionKey: clock.ExecutionKey(run.ID, i, 1),
			StepRunID:    sr.ID,
			Attempt:      1,
			Status:       st,
		}
		_, _, err := db.ClaimExecution(ctx, exec)
		require.NoError(t, err)
	}

	inflight, err := db.ListNonTerminalExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, inflight, 2)
}
