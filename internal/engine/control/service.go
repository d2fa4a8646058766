// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package control

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	ctlLog     *zerolog.Logger
	ctlLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	ctlLogOnce.Do(func() {
		l := logger.GetControlLogger()
		ctlLog = &l
	})
	return ctlLog
}

// ReportedStatus is what a control process may report.
type ReportedStatus string

const (
	ReportRunning   ReportedStatus = "running"
	ReportCompleted ReportedStatus = "completed"
	ReportFailed    ReportedStatus = "failed"
)

// StatusReport is the body of a status callback.
type StatusReport struct {
	Status   ReportedStatus `json:"status"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Service handles control-plane callbacks from step containers and runners.
type Service struct {
	db  *database.GormDB
	bus *events.Bus
	clk clock.Clock
}

// NewService creates the control service.
func NewService(db *database.GormDB, bus *events.Bus, clk clock.Clock) *Service {
	return &Service{db: db, bus: bus, clk: clk}
}

// ReportStatus applies a status callback to the execution and mirrors the
// outcome onto its step run. Duplicate terminal reports with the same
// outcome are accepted silently; contradictory ones are conflicts.
func (s *Service) ReportStatus(ctx context.Context, stepExecutionID string, report StatusReport) error {
	var runID string
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		exec, err := s.db.GetExecution(ctx, stepExecutionID)
		if err != nil {
			return err
		}
		sr, err := s.db.GetStepRun(ctx, exec.StepRunID)
		if err != nil {
			return err
		}
		runID = sr.PipelineRunID

		switch report.Status {
		case ReportRunning:
			return s.applyRunning(ctx, exec, sr)
		case ReportCompleted:
			return s.applyTerminal(ctx, exec, sr, models.ExecutionStatusCompleted, report)
		case ReportFailed:
			return s.applyTerminal(ctx, exec, sr, models.ExecutionStatusFailed, report)
		default:
			return enginerr.New(enginerr.KindProtocol, "unknown status %q", report.Status)
		}
	})
	if err != nil {
		return err
	}

	getLog().Debug().
		Str("step_execution_id", stepExecutionID).
		Str("status", string(report.Status)).
		Msg("Status report applied")

	s.bus.Broadcast(events.Event{
		Type:      events.TypeJobStatus,
		RunID:     runID,
		Timestamp: s.clk.Now(),
		Payload: map[string]any{
			"step_execution_id": stepExecutionID,
			"status":            string(report.Status),
		},
	})
	return nil
}

func (s *Service) applyRunning(ctx context.Context, exec *models.StepExecution, sr *models.StepRun) error {
	switch exec.Status {
	case models.ExecutionStatusRunning:
		return nil // Duplicate report
	case models.ExecutionStatusAssigned, models.ExecutionStatusPreparing:
	default:
		return enginerr.New(enginerr.KindConflict, "execution %s is %s, cannot report running", exec.ID, exec.Status)
	}

	now := s.clk.Now()
	if err := s.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusAssigned, models.ExecutionStatusPreparing},
		models.ExecutionStatusRunning,
		map[string]any{"started_at": now, "last_heartbeat": now}); err != nil {
		return err
	}

	if sr.Status == models.StepRunStatusPending {
		sr.Status = models.StepRunStatusRunning
		sr.StartedAt = &now
		return s.db.SaveStepRun(ctx, sr)
	}
	return nil
}

func (s *Service) applyTerminal(ctx context.Context, exec *models.StepExecution, sr *models.StepRun, to models.ExecutionStatus, report StatusReport) error {
	if exec.Status.IsTerminal() {
		if exec.Status == to && sameExitCode(exec.ExitCode, report.ExitCode) {
			return nil // Idempotent duplicate
		}
		return enginerr.New(enginerr.KindConflict,
			"execution %s already %s, conflicting report %s", exec.ID, exec.Status, to)
	}

	now := s.clk.Now()

	// RUNNING → COMPLETING → terminal; earlier states jump straight to
	// FAILED (a container can die before reporting running).
	if exec.Status == models.ExecutionStatusRunning {
		if err := s.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
			[]models.ExecutionStatus{models.ExecutionStatusRunning},
			models.ExecutionStatusCompleting, nil); err != nil {
			return err
		}
		exec.Status = models.ExecutionStatusCompleting
	}
	if !exec.Status.CanTransition(to) {
		return enginerr.New(enginerr.KindConflict, "execution %s is %s, cannot report %s", exec.ID, exec.Status, to)
	}

	updates := map[string]any{"completed_at": now}
	if report.ExitCode != nil {
		updates["exit_code"] = *report.ExitCode
	}
	if report.Error != "" {
		updates["error_message"] = report.Error
	}
	if err := s.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{exec.Status}, to, updates); err != nil {
		return err
	}

	if !sr.Status.IsTerminal() {
		if to == models.ExecutionStatusCompleted {
			sr.Status = models.StepRunStatusCompleted
		} else {
			sr.Status = models.StepRunStatusFailed
			sr.ErrorMessage = report.Error
		}
		sr.CompletedAt = &now
		if err := s.db.SaveStepRun(ctx, sr); err != nil {
			return err
		}
	}
	return nil
}

// Abort forces an execution to a terminal status from engine-side decisions
// (timeout, cancellation, runner death). Aborting an already terminal
// execution is a no-op; the first terminal write wins.
func (s *Service) Abort(ctx context.Context, stepExecutionID string, to models.ExecutionStatus, reason string) error {
	switch to {
	case models.ExecutionStatusTimeout, models.ExecutionStatusCancelled, models.ExecutionStatusFailed:
	default:
		return enginerr.New(enginerr.KindProtocol, "abort target %s is not terminal", to)
	}

	var runID string
	aborted := false
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		exec, err := s.db.GetExecution(ctx, stepExecutionID)
		if err != nil {
			return err
		}
		sr, err := s.db.GetStepRun(ctx, exec.StepRunID)
		if err != nil {
			return err
		}
		runID = sr.PipelineRunID

		if exec.Status.IsTerminal() {
			return nil
		}

		actual := to
		if !exec.Status.CanTransition(actual) {
			// TIMEOUT is only reachable from RUNNING; anything else dies as
			// FAILED with the same reason.
			actual = models.ExecutionStatusFailed
		}

		now := s.clk.Now()
		updates := map[string]any{"completed_at": now}
		if reason != "" {
			updates["error_message"] = reason
		}
		if err := s.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
			[]models.ExecutionStatus{exec.Status}, actual, updates); err != nil {
			return err
		}

		if !sr.Status.IsTerminal() {
			switch actual {
			case models.ExecutionStatusTimeout:
				sr.Status = models.StepRunStatusTimeout
			case models.ExecutionStatusCancelled:
				sr.Status = models.StepRunStatusCancelled
			default:
				sr.Status = models.StepRunStatusFailed
			}
			sr.ErrorMessage = reason
			sr.CompletedAt = &now
			if err := s.db.SaveStepRun(ctx, sr); err != nil {
				return err
			}
		}
		aborted = true
		return nil
	})
	if err != nil || !aborted {
		return err
	}

	s.bus.Broadcast(events.Event{
		Type:      events.TypeJobStatus,
		RunID:     runID,
		Timestamp: s.clk.Now(),
		Payload: map[string]any{
			"step_execution_id": stepExecutionID,
			"status":            "aborted",
			"reason":            reason,
		},
	})
	return nil
}

// AppendLogs appends a log chunk to the execution's step run and broadcasts
// it for live viewers.
func (s *Service) AppendLogs(ctx context.Context, stepExecutionID, chunk string) error {
	if chunk == "" {
		return nil
	}

	var runID, stepRunID string
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		exec, err := s.db.GetExecution(ctx, stepExecutionID)
		if err != nil {
			return err
		}
		sr, err := s.db.GetStepRun(ctx, exec.StepRunID)
		if err != nil {
			return err
		}
		runID, stepRunID = sr.PipelineRunID, sr.ID
		return s.db.AppendStepRunLogs(ctx, sr.ID, chunk)
	})
	if err != nil {
		return err
	}

	s.bus.Broadcast(events.Event{
		Type:      events.TypeStepLogs,
		RunID:     runID,
		StepRunID: stepRunID,
		Timestamp: s.clk.Now(),
		Payload:   map[string]any{"chunk": chunk},
	})
	return nil
}

// Heartbeat refreshes an execution's liveness and optional progress note.
// A positive extendSeconds pushes timeout_at forward from now, so a step
// that keeps heartbeating keeps its timeout at arm's length. Heartbeats for
// terminal executions are conflicts so a zombie control process learns to
// stop.
func (s *Service) Heartbeat(ctx context.Context, stepExecutionID, progress string, extendSeconds int) error {
	return s.db.Atomic(ctx, func(ctx context.Context) error {
		exec, err := s.db.GetExecution(ctx, stepExecutionID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return enginerr.New(enginerr.KindConflict, "execution %s is %s, heartbeat rejected", exec.ID, exec.Status)
		}

		now := s.clk.Now()
		exec.LastHeartbeat = &now
		if progress != "" {
			exec.Progress = progress
		}
		if extendSeconds > 0 {
			deadline := now.Add(time.Duration(extendSeconds) * time.Second)
			exec.TimeoutAt = &deadline
		}
		return s.db.SaveExecution(ctx, exec)
	})
}

// GetExecutionState returns the execution for the GET status endpoint; the
// control process polls it after reconnecting to learn whether its work is
// still wanted.
func (s *Service) GetExecutionState(ctx context.Context, stepExecutionID string) (*models.StepExecution, error) {
	return s.db.GetExecution(ctx, stepExecutionID)
}

func sameExitCode(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
