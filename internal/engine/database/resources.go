// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

// --- Workspaces ---

func (db *GormDB) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	return db.conn(ctx).Create(ws).Error
}

func (db *GormDB) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := db.conn(ctx).First(&ws, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "workspace", id)
	}
	return &ws, nil
}

func (db *GormDB) GetWorkspaceByRunID(ctx context.Context, runID string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := db.conn(ctx).First(&ws, "pipeline_run_id = ?", runID).Error; err != nil {
		return nil, notFound(err, "workspace for run", runID)
	}
	return &ws, nil
}

func (db *GormDB) GetWorkspaceByVolume(ctx context.Context, volumeName string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := db.conn(ctx).First(&ws, "volume_name = ?", volumeName).Error; err != nil {
		return nil, notFound(err, "workspace for volume", volumeName)
	}
	return &ws, nil
}

func (db *GormDB) SaveWorkspace(ctx context.Context, ws *models.Workspace) error {
	return db.conn(ctx).Save(ws).Error
}

// ListWorkspacesByStatus returns workspaces in any of the given states.
// Used by orphan cleanup for volumes whose run is already terminal.
func (db *GormDB) ListWorkspacesByStatus(ctx context.Context, statuses []models.WorkspaceStatus) ([]models.Workspace, error) {
	var wss []models.Workspace
	if err := db.conn(ctx).Where("status IN ?", statuses).Find(&wss).Error; err != nil {
		return nil, fmt.Errorf("failed to list workspaces by status: %w", err)
	}
	return wss, nil
}

// --- Runners ---

// UpsertRunner inserts or refreshes a runner row keyed by ID. Re-registration
// after a disconnect reuses the same row.
func (db *GormDB) UpsertRunner(ctx context.Context, r *models.Runner) error {
	return db.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "runner_type", "labels", "status",
			"websocket_id", "last_heartbeat", "connected_at", "updated_at",
		}),
	}).Create(r).Error
}

func (db *GormDB) GetRunner(ctx context.Context, id string) (*models.Runner, error) {
	var r models.Runner
	if err := db.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "runner", id)
	}
	return &r, nil
}

func (db *GormDB) SaveRunner(ctx context.Context, r *models.Runner) error {
	return db.conn(ctx).Save(r).Error
}

func (db *GormDB) ListRunners(ctx context.Context) ([]models.Runner, error) {
	var runners []models.Runner
	if err := db.conn(ctx).Order("name ASC").Find(&runners).Error; err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	return runners, nil
}

func (db *GormDB) ListRunnersByState(ctx context.Context, states []models.RunnerState) ([]models.Runner, error) {
	var runners []models.Runner
	if err := db.conn(ctx).Where("status IN ?", states).Find(&runners).Error; err != nil {
		return nil, fmt.Errorf("failed to list runners by state: %w", err)
	}
	return runners, nil
}

// UpdateRunnerStateIfIn transitions a runner only if its current state is one
// of from.
func (db *GormDB) UpdateRunnerStateIfIn(ctx context.Context, id string, from []models.RunnerState, to models.RunnerState, extra map[string]any) error {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.conn(ctx).Model(&models.Runner{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update runner %s state: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return enginerr.New(enginerr.KindConflict, "runner %s not in %v, refusing transition to %s", id, from, to)
	}
	return nil
}

// --- Debug sessions ---

func (db *GormDB) CreateDebugSession(ctx context.Context, s *models.DebugSession) error {
	return db.conn(ctx).Create(s).Error
}

func (db *GormDB) GetDebugSession(ctx context.Context, id string) (*models.DebugSession, error) {
	var s models.DebugSession
	if err := db.conn(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "debug session", id)
	}
	return &s, nil
}

func (db *GormDB) SaveDebugSession(ctx context.Context, s *models.DebugSession) error {
	return db.conn(ctx).Save(s).Error
}

// GetActiveDebugSessionForRun returns the non-terminal session of a run, if
// any. At most one exists at a time.
func (db *GormDB) GetActiveDebugSessionForRun(ctx context.Context, runID string) (*models.DebugSession, error) {
	var s models.DebugSession
	err := db.conn(ctx).
		Where("pipeline_run_id = ? AND status NOT IN ?", runID,
			[]models.DebugState{models.DebugStateEnded, models.DebugStateTimeout}).
		First(&s).Error
	if err != nil {
		return nil, notFound(err, "active debug session for run", runID)
	}
	return &s, nil
}

// ListExpiredDebugSessions returns non-terminal sessions past their expiry.
func (db *GormDB) ListExpiredDebugSessions(ctx context.Context, now time.Time) ([]models.DebugSession, error) {
	var sessions []models.DebugSession
	err := db.conn(ctx).
		Where("status NOT IN ? AND expires_at < ?",
			[]models.DebugState{models.DebugStateEnded, models.DebugStateTimeout}, now).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired debug sessions: %w", err)
	}
	return sessions, nil
}

// --- Trigger records ---

// RecordTrigger deduplicates a trigger within the window. Returns dup=true
// and the run that owns the key when an un-expired record already exists;
// a stale record is taken over by the new run.
func (db *GormDB) RecordTrigger(ctx context.Context, key, runID string, now time.Time, window time.Duration) (bool, string, error) {
	rec := models.TriggerRecord{Key: key, PipelineRunID: runID, RecordedAt: now}
	res := db.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return false, "", fmt.Errorf("failed to record trigger %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return false, runID, nil
	}

	var existing models.TriggerRecord
	if err := db.conn(ctx).First(&existing, "key = ?", key).Error; err != nil {
		return false, "", fmt.Errorf("failed to load trigger record %s: %w", key, err)
	}
	if now.Sub(existing.RecordedAt) < window {
		return true, existing.PipelineRunID, nil
	}

	// Stale record: take it over. The guard on recorded_at keeps two
	// concurrent takeovers from both winning.
	takeover := db.conn(ctx).Model(&models.TriggerRecord{}).
		Where("key = ? AND recorded_at = ?", key, existing.RecordedAt).
		Updates(map[string]any{"pipeline_run_id": runID, "recorded_at": now})
	if takeover.Error != nil {
		return false, "", fmt.Errorf("failed to refresh trigger record %s: %w", key, takeover.Error)
	}
	if takeover.RowsAffected == 0 {
		return true, existing.PipelineRunID, nil
	}
	return false, runID, nil
}

// DeleteTriggerRecordsBefore removes records older than cutoff.
func (db *GormDB) DeleteTriggerRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := db.conn(ctx).Where("recorded_at < ?", cutoff).Delete(&models.TriggerRecord{})
	return res.RowsAffected, res.Error
}
