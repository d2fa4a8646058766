// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"time"

	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

const interruptedMsg = "Execution interrupted by backend restart"

const (
	sweepInterval     = 30 * time.Second
	retentionInterval = time.Hour
)

// RecoverOrphans reconciles state left behind by a previous engine process.
// In-flight executions are failed, or requeued to PENDING when their runner
// may still reconnect inside the grace window; orphaned workspaces are
// collected. Returns the IDs of every non-terminal run; the caller restarts
// supervision for each with RunPipeline, which resumes the DAG walk from the
// persisted progress.
func (s *Scheduler) RecoverOrphans(ctx context.Context) ([]string, error) {
	execs, err := s.db.ListNonTerminalExecutions(ctx)
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		s.recoverExecution(ctx, &exec)
	}

	runs, err := s.db.ListRunsByStatus(ctx, []models.PipelineStatus{
		models.PipelineStatusPending,
		models.PipelineStatusPreparing,
		models.PipelineStatusRunning,
		models.PipelineStatusCompleting,
	})
	if err != nil {
		return nil, err
	}
	resume := make([]string, 0, len(runs))
	for _, run := range runs {
		resume = append(resume, run.ID)
	}

	if err := s.workspaces.GCOrphans(ctx); err != nil {
		getLog().Warn().Err(err).Msg("Workspace orphan collection failed")
	}

	getLog().Info().
		Int("executions", len(execs)).
		Int("resumed_runs", len(resume)).
		Msg("Orphan recovery complete")
	return resume, nil
}

// recoverExecution settles one in-flight execution from before the restart.
// Remote executions whose runner may still reconnect inside the grace window
// are requeued instead of failed; the resumed DAG walk adopts and
// redispatches them. Everything else is failed.
func (s *Scheduler) recoverExecution(ctx context.Context, exec *models.StepExecution) {
	sr, err := s.db.GetStepRun(ctx, exec.StepRunID)
	if err != nil {
		getLog().Warn().Err(err).Str("execution_id", exec.ID).Msg("Orphan execution has no step run")
		return
	}
	run, err := s.db.GetPipelineRun(ctx, sr.PipelineRunID)
	if err == nil && !run.Status.IsTerminal() && s.runnerMayReturn(ctx, exec) {
		if err := s.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
			[]models.ExecutionStatus{
				models.ExecutionStatusAssigned,
				models.ExecutionStatusPreparing,
				models.ExecutionStatusRunning,
			},
			models.ExecutionStatusPending,
			map[string]any{"runner_id": "", "claimant": ""}); err == nil {
			getLog().Info().Str("execution_id", exec.ID).Msg("Remote execution requeued after restart")
			return
		}
	}

	if err := s.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed, interruptedMsg); err != nil {
		getLog().Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to settle orphan execution")
	}
}

// runnerMayReturn reports whether a remote execution's runner was heard from
// recently enough that requeueing beats failing.
func (s *Scheduler) runnerMayReturn(ctx context.Context, exec *models.StepExecution) bool {
	if exec.RunnerID == "" {
		return false
	}
	runner, err := s.db.GetRunner(ctx, exec.RunnerID)
	if err != nil || runner.LastHeartbeat == nil {
		return false
	}
	return s.clk.Now().Sub(*runner.LastHeartbeat) <= s.cfg.Engine.RunnerReconnectGrace
}

// RunSweepers runs the periodic timeout and retention sweeps until ctx is
// cancelled.
func (s *Scheduler) RunSweepers(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	retention := time.NewTicker(retentionInterval)
	defer sweep.Stop()
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.sweepTimeouts(ctx)
		case <-retention.C:
			s.sweepRetention(ctx)
		}
	}
}

// sweepTimeouts aborts running executions whose timeout_at passed. Local
// attempts enforce their own deadline; this covers remote attempts and any
// supervisor that died mid-flight.
func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	execs, err := s.db.ListNonTerminalExecutions(ctx)
	if err != nil {
		getLog().Warn().Err(err).Msg("Timeout sweep list failed")
		return
	}
	now := s.clk.Now()
	for _, exec := range execs {
		if exec.Status != models.ExecutionStatusRunning || exec.TimeoutAt == nil || now.Before(*exec.TimeoutAt) {
			continue
		}
		if err := s.control.Abort(ctx, exec.ID, models.ExecutionStatusTimeout, "step execution timed out"); err != nil {
			getLog().Warn().Err(err).Str("execution_id", exec.ID).Msg("Timeout abort failed")
		}
	}
}

// sweepRetention deletes aged-out terminal runs and trigger records and
// cleans workspaces idle past the grace window.
func (s *Scheduler) sweepRetention(ctx context.Context) {
	now := s.clk.Now()

	if s.cfg.Engine.ExecRetention > 0 {
		deleted, err := s.db.DeleteRunsCompletedBefore(ctx, now.Add(-s.cfg.Engine.ExecRetention))
		if err != nil {
			getLog().Warn().Err(err).Msg("Run retention sweep failed")
		} else if deleted > 0 {
			getLog().Info().Int64("runs", deleted).Msg("Deleted aged-out runs")
		}
	}

	window := s.cfg.Engine.TriggerDedupWindow
	if window > 0 {
		if _, err := s.db.DeleteTriggerRecordsBefore(ctx, now.Add(-window)); err != nil {
			getLog().Warn().Err(err).Msg("Trigger record sweep failed")
		}
	}

	stale, err := s.workspaces.StaleBefore(ctx, now.Add(-s.cfg.Engine.OrphanGrace))
	if err != nil {
		getLog().Warn().Err(err).Msg("Stale workspace listing failed")
		return
	}
	for _, ws := range stale {
		run, err := s.db.GetPipelineRun(ctx, ws.PipelineRunID)
		if err == nil && !run.Status.IsTerminal() {
			continue // Still owned by a live run
		}
		if err := s.workspaces.Cleanup(ctx, ws.PipelineRunID); err != nil && !enginerr.IsConflict(err) {
			getLog().Warn().Err(err).Str("workspace_id", ws.ID).Msg("Stale workspace cleanup failed")
		}
	}
}
