// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/executor"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	remoteLog     *zerolog.Logger
	remoteLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	remoteLogOnce.Do(func() {
		l := logger.GetRunnerLogger().With().Str("component", "registry").Logger()
		remoteLog = &l
	})
	return remoteLog
}

// frameWriter delivers engine → runner frames. The websocket session
// implements it; tests substitute a recorder.
type frameWriter interface {
	writeFrame(f Frame) error
	closeWith(code int, reason string)
}

// runnerSession is the in-memory side of one connected runner. DB rows
// survive disconnects; sessions do not.
type runnerSession struct {
	id          string
	name        string
	runnerType  string
	labels      map[string]string
	websocketID string
	out         frameWriter

	mu            sync.Mutex
	lastHeartbeat time.Time
	idleSince     time.Time
	lastRunID     string // workspace affinity
	acks          map[string]chan struct{}
}

func (s *runnerSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

func (s *runnerSession) heartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// armAck registers interest in an ack for an execution and returns the
// channel the reader closes when it arrives.
func (s *runnerSession) armAck(executionID string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.acks[executionID] = ch
	s.mu.Unlock()
	return ch
}

func (s *runnerSession) resolveAck(executionID string) {
	s.mu.Lock()
	if ch, ok := s.acks[executionID]; ok {
		close(ch)
		delete(s.acks, executionID)
	}
	s.mu.Unlock()
}

func (s *runnerSession) disarmAck(executionID string) {
	s.mu.Lock()
	delete(s.acks, executionID)
	s.mu.Unlock()
}

// Registry tracks connected runners and owns dispatch and liveness.
type Registry struct {
	db      *database.GormDB
	control *control.Service
	bus     *events.Bus
	cfg     *config.EngineConfig
	clk     clock.Clock

	mu       sync.RWMutex
	sessions map[string]*runnerSession
}

// NewRegistry creates the runner registry.
func NewRegistry(db *database.GormDB, ctl *control.Service, bus *events.Bus, cfg *config.EngineConfig, clk clock.Clock) *Registry {
	return &Registry{
		db:       db,
		control:  ctl,
		bus:      bus,
		cfg:      cfg,
		clk:      clk,
		sessions: make(map[string]*runnerSession),
	}
}

// register admits a runner after its register frame. A reconnect under the
// same runner ID replaces any lingering session for it.
func (r *Registry) register(ctx context.Context, f Frame, out frameWriter) (*runnerSession, error) {
	if f.Name == "" || f.RunnerType == "" {
		return nil, enginerr.New(enginerr.KindProtocol, "register frame missing name or runner_type")
	}

	runnerID := f.RunnerID
	if runnerID == "" {
		runnerID = clock.NewID()
	}

	now := r.clk.Now()
	sess := &runnerSession{
		id:          runnerID,
		name:        f.Name,
		runnerType:  f.RunnerType,
		labels:      f.Labels,
		websocketID: clock.NewID(),
		out:         out,
		acks:        make(map[string]chan struct{}),
	}
	sess.lastHeartbeat = now
	sess.idleSince = now

	if err := r.db.UpsertRunner(ctx, &models.Runner{
		ID:            runnerID,
		Name:          f.Name,
		RunnerType:    f.RunnerType,
		Labels:        models.StringMap(f.Labels),
		Status:        models.RunnerStateIdle,
		WebsocketID:   sess.websocketID,
		LastHeartbeat: &now,
		ConnectedAt:   &now,
	}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if old, ok := r.sessions[runnerID]; ok {
		old.out.closeWith(CloseBadRegistration, "superseded by new connection")
	}
	r.sessions[runnerID] = sess
	r.mu.Unlock()

	r.reconcileOnReconnect(ctx, sess, f.ExecutionID)

	if err := out.writeFrame(Frame{Type: FrameRegistered, RunnerID: runnerID}); err != nil {
		return nil, err
	}

	getLog().Info().
		Str("runner_id", runnerID).
		Str("runner_type", f.RunnerType).
		Msg("Runner registered")
	r.broadcastRunnerStatus(runnerID, models.RunnerStateIdle)
	return sess, nil
}

// reconcileOnReconnect settles the difference between what a reconnecting
// runner claims to hold and what the database says it holds. An execution the
// runner still validly owns continues; one that was reassigned or finished
// gets an abort frame; executions the runner no longer claims are requeued.
func (r *Registry) reconcileOnReconnect(ctx context.Context, sess *runnerSession, claimedExecID string) {
	held, err := r.db.ListExecutionsByRunner(ctx, sess.id)
	if err != nil {
		getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Failed to list held executions on reconnect")
		return
	}

	stillOurs := false
	for _, exec := range held {
		if exec.ID == claimedExecID {
			stillOurs = true
			continue
		}
		// Runner no longer claims this one; free it for redispatch.
		r.requeueExecution(ctx, exec.ID)
	}

	switch {
	case claimedExecID == "" && len(held) == 0:
		// Clean reconnect, nothing to settle.
	case stillOurs:
		err := r.db.UpdateRunnerStateIfIn(ctx, sess.id,
			[]models.RunnerState{models.RunnerStateIdle},
			models.RunnerStateAssigned,
			map[string]any{"current_step_execution_id": claimedExecID})
		if err == nil {
			err = r.db.UpdateRunnerStateIfIn(ctx, sess.id,
				[]models.RunnerState{models.RunnerStateAssigned},
				models.RunnerStateBusy, nil)
		}
		if err != nil {
			getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Failed to restore busy state on reconnect")
		}
	case claimedExecID != "":
		// The work moved on while the runner was away.
		_ = sess.out.writeFrame(Frame{
			Type:        FrameAbort,
			ExecutionID: claimedExecID,
			Message:     "execution no longer assigned to this runner",
		})
	}
}

// unregister drops a session after its connection closes. In-flight work is
// requeued so another runner (or this one, after reconnect) can pick it up.
func (r *Registry) unregister(ctx context.Context, sess *runnerSession) {
	r.mu.Lock()
	if current, ok := r.sessions[sess.id]; !ok || current != sess {
		// A replacement session already took over; nothing to do.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.id)
	r.mu.Unlock()

	if err := r.db.UpdateRunnerStateIfIn(ctx, sess.id,
		[]models.RunnerState{models.RunnerStateIdle, models.RunnerStateAssigned, models.RunnerStateBusy},
		models.RunnerStateDisconnected,
		map[string]any{"current_step_execution_id": ""}); err != nil && !enginerr.IsConflict(err) {
		getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Failed to mark runner disconnected")
	}
	r.requeueRunnerExecutions(ctx, sess.id)

	getLog().Info().Str("runner_id", sess.id).Msg("Runner disconnected")
	r.broadcastRunnerStatus(sess.id, models.RunnerStateDisconnected)
}

// handleFrame processes one runner → engine frame.
func (r *Registry) handleFrame(ctx context.Context, sess *runnerSession, f Frame) {
	sess.touch(r.clk.Now())

	switch f.Type {
	case FrameHeartbeat:
		r.handleHeartbeat(ctx, sess, f)
	case FrameAck:
		sess.resolveAck(f.ExecutionID)
	case FrameLog:
		if err := r.control.AppendLogs(ctx, f.ExecutionID, f.Lines); err != nil {
			getLog().Debug().Err(err).Str("execution_id", f.ExecutionID).Msg("Runner log append failed")
		}
	case FrameStepComplete:
		r.handleStepComplete(ctx, sess, f)
	default:
		_ = sess.out.writeFrame(Frame{Type: FrameError, Message: "unknown frame type " + string(f.Type)})
	}
}

func (r *Registry) handleHeartbeat(ctx context.Context, sess *runnerSession, f Frame) {
	_ = sess.out.writeFrame(Frame{Type: FramePong})

	if f.ExecutionID == "" {
		return
	}
	// A heartbeat naming an execution means the runner is actively working
	// it; the first one flips the execution to running.
	if err := r.control.ReportStatus(ctx, f.ExecutionID, control.StatusReport{Status: control.ReportRunning}); err != nil && !enginerr.IsConflict(err) {
		getLog().Debug().Err(err).Str("execution_id", f.ExecutionID).Msg("Running report from heartbeat failed")
	}
	if err := r.control.Heartbeat(ctx, f.ExecutionID, f.Progress, f.ExtendSeconds); err != nil {
		if enginerr.IsConflict(err) {
			// Execution already settled elsewhere; tell the runner to stop.
			_ = sess.out.writeFrame(Frame{
				Type:        FrameAbort,
				ExecutionID: f.ExecutionID,
				Message:     "execution is no longer running",
			})
		}
	}
}

func (r *Registry) handleStepComplete(ctx context.Context, sess *runnerSession, f Frame) {
	report := control.StatusReport{ExitCode: f.ExitCode, Error: f.Message}
	if f.ExitCode != nil && *f.ExitCode == 0 && f.Message == "" {
		report.Status = control.ReportCompleted
	} else {
		report.Status = control.ReportFailed
		if report.Error == "" && f.ExitCode != nil {
			report.Error = "step exited with non-zero code"
		}
	}

	// Runners that never heartbeated with the execution ID complete from
	// PREPARING; flip to running first so the terminal transition is legal.
	if err := r.control.ReportStatus(ctx, f.ExecutionID, control.StatusReport{Status: control.ReportRunning}); err != nil && !enginerr.IsConflict(err) {
		getLog().Debug().Err(err).Str("execution_id", f.ExecutionID).Msg("Pre-completion running report failed")
	}
	if err := r.control.ReportStatus(ctx, f.ExecutionID, report); err != nil {
		getLog().Warn().Err(err).
			Str("execution_id", f.ExecutionID).
			Str("runner_id", sess.id).
			Msg("Failed to finalize remote execution")
	}

	now := r.clk.Now()
	sess.mu.Lock()
	sess.idleSince = now
	sess.mu.Unlock()

	if err := r.db.UpdateRunnerStateIfIn(ctx, sess.id,
		[]models.RunnerState{models.RunnerStateAssigned, models.RunnerStateBusy},
		models.RunnerStateIdle,
		map[string]any{"current_step_execution_id": "", "last_heartbeat": now}); err != nil && !enginerr.IsConflict(err) {
		getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Failed to idle runner after completion")
	}
	r.broadcastRunnerStatus(sess.id, models.RunnerStateIdle)
}

// Dispatch assigns a pending execution to a connected runner and waits for
// the runner's ack. No matching runner or a missed ack is a transient error;
// the caller retries.
func (r *Registry) Dispatch(ctx context.Context, req *executor.Request, stepCfg *control.StepConfig, timeoutAt time.Time) error {
	exec, step := req.Execution, req.Step

	sess := r.pickRunner(step, req.Run.ID)
	if sess == nil {
		return enginerr.New(enginerr.KindTransient, "no connected runner matches step %s", step.StepID)
	}

	now := r.clk.Now()
	if err := r.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusAssigned,
		map[string]any{"claimant": "runner:" + sess.id, "runner_id": sess.id, "timeout_at": timeoutAt}); err != nil {
		return err
	}
	if err := r.db.UpdateRunnerStateIfIn(ctx, sess.id,
		[]models.RunnerState{models.RunnerStateIdle},
		models.RunnerStateAssigned,
		map[string]any{"current_step_execution_id": exec.ID, "last_heartbeat": now}); err != nil {
		// Runner raced into another state; put the execution back.
		r.requeueExecution(ctx, exec.ID)
		return enginerr.Wrap(enginerr.KindTransient, err, "runner %s no longer idle", sess.id)
	}

	ackCh := sess.armAck(exec.ID)
	if err := sess.out.writeFrame(Frame{
		Type:         FrameExecuteStep,
		ExecutionID:  exec.ID,
		ExecutionKey: exec.ExecutionKey,
		StepConfig:   stepCfg,
		VolumeName:   req.VolumeName,
	}); err != nil {
		sess.disarmAck(exec.ID)
		r.markDead(ctx, sess, "dispatch write failed")
		return enginerr.Wrap(enginerr.KindTransient, err, "failed to send execute_step to runner %s", sess.id)
	}

	select {
	case <-ackCh:
	case <-ctx.Done():
		sess.disarmAck(exec.ID)
		r.requeueExecution(context.WithoutCancel(ctx), exec.ID)
		return ctx.Err()
	case <-time.After(r.cfg.AckTimeout):
		sess.disarmAck(exec.ID)
		r.markDead(context.WithoutCancel(ctx), sess, "dispatch ack timeout")
		return enginerr.New(enginerr.KindTransient, "runner %s did not ack within %s", sess.id, r.cfg.AckTimeout)
	}

	sess.mu.Lock()
	sess.lastRunID = req.Run.ID
	sess.mu.Unlock()

	if err := r.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusAssigned},
		models.ExecutionStatusPreparing, nil); err != nil {
		return err
	}
	if err := r.db.UpdateRunnerStateIfIn(ctx, sess.id,
		[]models.RunnerState{models.RunnerStateAssigned},
		models.RunnerStateBusy, nil); err != nil && !enginerr.IsConflict(err) {
		return err
	}

	getLog().Info().
		Str("execution_id", exec.ID).
		Str("runner_id", sess.id).
		Msg("Execution dispatched to runner")
	return nil
}

// pickRunner selects a connected runner for the step. Matching is by runner
// type and hardware labels; ties prefer the runner last used for the same
// run's workspace, then the longest idle one.
func (r *Registry) pickRunner(step models.StepDefinition, runID string) *runnerSession {
	wantType := r.effectiveRunnerType(step)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *runnerSession
	var bestAffinity bool
	var bestIdle time.Time

	for _, sess := range r.sessions {
		if step.RequiredRunnerID != "" && sess.id != step.RequiredRunnerID {
			continue
		}
		if !runnerTypeMatches(wantType, sess.runnerType) {
			continue
		}
		if !labelsSatisfy(sess.labels, step.Requires.Hardware) {
			continue
		}

		sess.mu.Lock()
		busy := len(sess.acks) > 0
		affinity := sess.lastRunID == runID && runID != ""
		idle := sess.idleSince
		sess.mu.Unlock()
		if busy || !r.isIdle(sess.id) {
			continue
		}

		switch {
		case best == nil:
			best, bestAffinity, bestIdle = sess, affinity, idle
		case affinity && !bestAffinity:
			best, bestAffinity, bestIdle = sess, affinity, idle
		case affinity == bestAffinity && idle.Before(bestIdle):
			best, bestIdle = sess, idle
		}
	}
	return best
}

// isIdle consults the persisted runner state so a dispatch racing a recently
// assigned runner loses cleanly.
func (r *Registry) isIdle(runnerID string) bool {
	runner, err := r.db.GetRunner(context.Background(), runnerID)
	if err != nil {
		return false
	}
	return runner.Status == models.RunnerStateIdle
}

func (r *Registry) effectiveRunnerType(step models.StepDefinition) string {
	if step.RunnerType != "" {
		return step.RunnerType
	}
	if step.Type == models.StepTypeAgent {
		return r.cfg.DefaultRunnerType
	}
	return "any"
}

func runnerTypeMatches(want, have string) bool {
	if want == "" || want == "any" {
		return true
	}
	return want == have
}

func labelsSatisfy(labels, required map[string]string) bool {
	for k, v := range required {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// HasRunnerFor reports whether any connected runner could take the step,
// regardless of whether it is currently free.
func (r *Registry) HasRunnerFor(step models.StepDefinition) bool {
	wantType := r.effectiveRunnerType(step)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if step.RequiredRunnerID != "" && sess.id != step.RequiredRunnerID {
			continue
		}
		if runnerTypeMatches(wantType, sess.runnerType) && labelsSatisfy(sess.labels, step.Requires.Hardware) {
			return true
		}
	}
	return false
}

// AbortExecution tells whichever runner holds the execution to stop it.
// Best effort; the authoritative abort is the database write the caller made.
func (r *Registry) AbortExecution(ctx context.Context, executionID, reason string) {
	exec, err := r.db.GetExecution(ctx, executionID)
	if err != nil || exec.RunnerID == "" {
		return
	}
	r.mu.RLock()
	sess := r.sessions[exec.RunnerID]
	r.mu.RUnlock()
	if sess == nil {
		return
	}
	_ = sess.out.writeFrame(Frame{Type: FrameAbort, ExecutionID: executionID, Message: reason})
}

// markDead declares a runner dead, requeues its work, and closes its
// connection. Reconnecting later revives the same runner row.
func (r *Registry) markDead(ctx context.Context, sess *runnerSession, reason string) {
	r.mu.Lock()
	if current, ok := r.sessions[sess.id]; ok && current == sess {
		delete(r.sessions, sess.id)
	}
	r.mu.Unlock()

	if err := r.db.UpdateRunnerStateIfIn(ctx, sess.id,
		[]models.RunnerState{models.RunnerStateIdle, models.RunnerStateAssigned, models.RunnerStateBusy},
		models.RunnerStateDead,
		map[string]any{"current_step_execution_id": ""}); err != nil && !enginerr.IsConflict(err) {
		getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Failed to mark runner dead")
	}
	r.requeueRunnerExecutions(ctx, sess.id)
	sess.out.closeWith(CloseRuntimeError, reason)

	getLog().Warn().Str("runner_id", sess.id).Str("reason", reason).Msg("Runner declared dead")
	r.broadcastRunnerStatus(sess.id, models.RunnerStateDead)
}

// requeueRunnerExecutions resets every in-flight execution a runner holds
// back to PENDING so dispatch can try again.
func (r *Registry) requeueRunnerExecutions(ctx context.Context, runnerID string) {
	execs, err := r.db.ListExecutionsByRunner(ctx, runnerID)
	if err != nil {
		getLog().Error().Err(err).Str("runner_id", runnerID).Msg("Failed to list executions for requeue")
		return
	}
	for _, exec := range execs {
		r.requeueExecution(ctx, exec.ID)
	}
}

func (r *Registry) requeueExecution(ctx context.Context, executionID string) {
	err := r.db.UpdateExecutionStatusIfIn(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusAssigned, models.ExecutionStatusPreparing, models.ExecutionStatusRunning},
		models.ExecutionStatusPending,
		map[string]any{"runner_id": "", "claimant": ""})
	if err != nil && !enginerr.IsConflict(err) {
		getLog().Error().Err(err).Str("execution_id", executionID).Msg("Failed to requeue execution")
		return
	}
	if err == nil {
		getLog().Info().Str("execution_id", executionID).Msg("Execution requeued after runner loss")
	}
}

// RunLivenessSweeper marks runners dead when their heartbeats stop. Blocks
// until ctx is cancelled.
func (r *Registry) RunLivenessSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepDead(ctx)
		}
	}
}

func (r *Registry) sweepDead(ctx context.Context) {
	cutoff := r.clk.Now().Add(-r.cfg.RunnerDeathTimeout)

	r.mu.RLock()
	var stale []*runnerSession
	for _, sess := range r.sessions {
		if sess.heartbeatAt().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range stale {
		r.markDead(ctx, sess, "heartbeat timeout")
	}
}

// Shutdown closes every runner connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*runnerSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*runnerSession)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.out.closeWith(CloseRuntimeError, "server shutting down")
	}
}

func (r *Registry) broadcastRunnerStatus(runnerID string, state models.RunnerState) {
	r.bus.Broadcast(events.Event{
		Type:      events.TypeRunnerStatus,
		RunnerID:  runnerID,
		Timestamp: r.clk.Now(),
		Payload:   map[string]any{"state": string(state)},
	})
}
