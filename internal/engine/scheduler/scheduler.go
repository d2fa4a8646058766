// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler walks pipeline DAGs. It owns run lifecycle transitions,
// fan-out of ready steps, edge application on step outcomes, trigger
// deduplication, and the recovery and retention sweepers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/executor"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/engine/workspace"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	schedLog     *zerolog.Logger
	schedLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	schedLogOnce.Do(func() {
		l := logger.GetSchedulerLogger()
		schedLog = &l
	})
	return schedLog
}

// BreakpointGate lets the debug service pause scheduling before a step.
// CheckBreakpoint blocks while a session holds the run at the step; a nil
// return proceeds, an error abandons the step (the session aborted or timed
// out).
type BreakpointGate interface {
	CheckBreakpoint(ctx context.Context, run *models.PipelineRun, stepIndex int) error
}

// GitMerger applies merge edges by fast-forwarding a branch to the
// workspace's HEAD.
type GitMerger interface {
	FastForward(ctx context.Context, ws *models.Workspace, branch string) error
}

// NoopMerger logs merge edges without touching any branch. Used when no git
// collaborator is wired in.
type NoopMerger struct{}

func (NoopMerger) FastForward(_ context.Context, ws *models.Workspace, branch string) error {
	getLog().Info().
		Str("workspace_id", ws.ID).
		Str("branch", branch).
		Msg("Merge edge ignored, no git collaborator configured")
	return nil
}

// Scheduler drives pipeline runs to a terminal status.
type Scheduler struct {
	db         *database.GormDB
	bus        *events.Bus
	workspaces *workspace.Manager
	router     *executor.Router
	local      executor.Executor
	remote     executor.Executor
	control    *control.Service
	gate       BreakpointGate
	merger     GitMerger
	cfg        *config.AppConfig
	clk        clock.Clock

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a scheduler. local and remote may each be nil when the
// corresponding executor is not deployed; gate may be nil when debugging is
// disabled; a nil merger gets the no-op one.
func New(db *database.GormDB, bus *events.Bus, workspaces *workspace.Manager, router *executor.Router, local, remote executor.Executor, ctl *control.Service, cfg *config.AppConfig, clk clock.Clock) *Scheduler {
	return &Scheduler{
		db:         db,
		bus:        bus,
		workspaces: workspaces,
		router:     router,
		local:      local,
		remote:     remote,
		control:    ctl,
		merger:     NoopMerger{},
		cfg:        cfg,
		clk:        clk,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// SetBreakpointGate wires the debug service in. Called once at startup;
// breaks the construction cycle between scheduler and debug.
func (s *Scheduler) SetBreakpointGate(gate BreakpointGate) { s.gate = gate }

// SetMerger replaces the merge-edge collaborator.
func (s *Scheduler) SetMerger(m GitMerger) {
	if m != nil {
		s.merger = m
	}
}

// TriggerRun creates a pipeline run for a trigger, deduplicating by trigger
// key inside the configured window. Returns the run and whether this call
// created it; a duplicate returns the original run with created=false.
func (s *Scheduler) TriggerRun(ctx context.Context, pipeline *models.Pipeline, trigger models.TriggerType, ref string, triggerCtx map[string]string, branch, commitSHA string) (*models.PipelineRun, bool, error) {
	run := &models.PipelineRun{
		ID:             clock.NewID(),
		PipelineID:     pipeline.ID,
		Status:         models.PipelineStatusPending,
		TriggerType:    trigger,
		TriggerContext: models.StringMap(triggerCtx),
		Branch:         branch,
		CommitSHA:      commitSHA,
	}

	window := s.cfg.Engine.TriggerDedupWindow
	var dupRunID string
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		if window > 0 {
			key := models.TriggerKey(trigger, pipeline.RepoID, ref)
			dup, ownerRunID, err := s.db.RecordTrigger(ctx, key, run.ID, s.clk.Now(), window)
			if err != nil {
				return err
			}
			if dup {
				dupRunID = ownerRunID
				return nil
			}
		}
		return s.db.CreatePipelineRun(ctx, run)
	})
	if err != nil {
		return nil, false, err
	}
	if dupRunID != "" {
		original, err := s.db.GetPipelineRun(ctx, dupRunID)
		if err != nil {
			return nil, false, err
		}
		return original, false, nil
	}
	return run, true, nil
}

// FindTriggeredPipelines returns a repository's pipelines whose trigger
// specs match the given trigger type and ref.
func (s *Scheduler) FindTriggeredPipelines(ctx context.Context, repoID string, trigger models.TriggerType, ref string) ([]models.Pipeline, error) {
	pipelines, err := s.db.FindPipelinesForTrigger(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(pipelines, func(p models.Pipeline, _ int) bool {
		for _, spec := range p.Triggers {
			if spec.Type != trigger {
				continue
			}
			if len(spec.Branches) == 0 || lo.Contains(spec.Branches, ref) {
				return true
			}
		}
		return false
	}), nil
}

// stepResult is what one step's supervision goroutine reports back.
type stepResult struct {
	stepID string
	status models.StepRunStatus
	// gateAborted means the debug session abandoned the step before it ran.
	gateAborted bool
}

// RunPipeline drives one run to a terminal status. A PENDING run starts from
// scratch; a run interrupted mid-flight by a restart resumes the DAG walk
// from the persisted step progress. Blocks until the run is terminal; callers
// start it in its own goroutine.
func (s *Scheduler) RunPipeline(ctx context.Context, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.registerCancel(runID, cancel)
	defer s.dropCancel(runID)

	run, err := s.db.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	pipeline, err := s.db.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return s.failRun(ctx, run, err.Error())
	}
	dag, err := models.BuildDAG(pipeline.Steps)
	if err != nil {
		return s.failRun(ctx, run, fmt.Sprintf("invalid pipeline definition: %v", err))
	}

	if run.Status == models.PipelineStatusPending {
		if err := s.transitionRun(ctx, run.ID,
			[]models.PipelineStatus{models.PipelineStatusPending},
			models.PipelineStatusPreparing, nil); err != nil {
			if enginerr.IsConflict(err) {
				return nil // Another scheduler instance owns this run
			}
			return err
		}
	}

	// A pipeline with no steps completes without ever running.
	if dag.Len() == 0 {
		now := s.clk.Now()
		return s.transitionRun(ctx, run.ID,
			[]models.PipelineStatus{models.PipelineStatusPreparing},
			models.PipelineStatusCompleted, map[string]any{"completed_at": now})
	}

	// Create is idempotent, so a resumed run gets its existing workspace back.
	ws, err := s.prepareWorkspace(ctx, run, pipeline)
	if err != nil {
		return s.failRun(ctx, run, fmt.Sprintf("workspace setup failed: %v", err))
	}

	now := s.clk.Now()
	if err := s.transitionRun(ctx, run.ID,
		[]models.PipelineStatus{models.PipelineStatusPreparing},
		models.PipelineStatusRunning, map[string]any{"started_at": now}); err != nil && !enginerr.IsConflict(err) {
		// A resumed run is already past PREPARING.
		return err
	}

	outcome := s.walk(ctx, run, dag, ws)
	return s.finishRun(ctx, run.ID, outcome)
}

func (s *Scheduler) prepareWorkspace(ctx context.Context, run *models.PipelineRun, pipeline *models.Pipeline) (*models.Workspace, error) {
	repo, err := s.db.GetRepository(ctx, pipeline.RepoID)
	if err != nil {
		if !enginerr.IsNotFound(err) {
			return nil, err
		}
		// Runs without a known repository still get an empty workspace.
		repo = nil
	}
	return s.workspaces.Create(ctx, run, repo)
}

// walkOutcome summarizes the DAG walk for the final run transition.
type walkOutcome struct {
	failed    bool
	cancelled bool
	errorMsg  string
}

// walk runs the DAG to completion: launches ready steps, applies edges as
// they finish, and returns when no step is active. Steps already recorded in
// CompletedStepIDs are treated as satisfied (unless their success edge stops
// the branch), so a resumed walk picks up where the previous process stopped.
func (s *Scheduler) walk(ctx context.Context, run *models.PipelineRun, dag *models.DAG, ws *models.Workspace) walkOutcome {
	results := make(chan stepResult)
	inFlight := 0
	launched := make(map[string]bool)
	satisfied := make(map[string]bool) // terminal and allows successors
	var outcome walkOutcome

	for _, id := range run.CompletedStepIDs {
		launched[id] = true
		if step, ok := dag.Step(id); ok && s.edgeFor(step, models.StepRunStatusCompleted).Kind == models.EdgeStop {
			continue // Completed through a stop edge; dependents stay blocked
		}
		satisfied[id] = true
	}
	run.ActiveStepIDs = nil // Rebuilt as steps launch

	launch := func(stepID string) {
		if launched[stepID] {
			return
		}
		step, ok := dag.Step(stepID)
		if !ok {
			getLog().Error().Str("step_id", stepID).Msg("Edge target missing from DAG")
			return
		}
		launched[stepID] = true
		inFlight++
		run.ActiveStepIDs = append(run.ActiveStepIDs, stepID)
		go func() {
			results <- s.runStep(ctx, run, dag, step, ws)
		}()
	}

	// ready activates every unlaunched step whose predecessors are all
	// satisfied.
	ready := func() {
		for _, step := range dag.Steps {
			if launched[step.StepID] {
				continue
			}
			preds := dag.Predecessors(step.StepID)
			if len(preds) == 0 {
				continue // Entry is launched explicitly
			}
			if lo.EveryBy(preds, func(p string) bool { return satisfied[p] }) {
				launch(step.StepID)
			}
		}
	}

	launch(dag.Entry().StepID)
	ready()
	s.saveProgress(ctx, run)

	for inFlight > 0 {
		res := <-results
		inFlight--
		run.ActiveStepIDs = lo.Without(run.ActiveStepIDs, res.stepID)

		step, _ := dag.Step(res.stepID)
		edge := s.edgeFor(step, res.status)

		if res.gateAborted || res.status == models.StepRunStatusCancelled {
			outcome.cancelled = true
			s.saveProgress(ctx, run)
			continue // Drain remaining steps; ctx is already cancelled
		}

		switch edge.Kind {
		case models.EdgeStop:
			if res.status != models.StepRunStatusCompleted {
				outcome.failed = true
				outcome.errorMsg = fmt.Sprintf("step %s ended %s", res.stepID, res.status)
			} else {
				// A successful stop halts this branch: the step counts as
				// completed but never satisfies its dependents.
				run.CompletedStepIDs = append(run.CompletedStepIDs, res.stepID)
			}
		case models.EdgeTrigger:
			satisfied[res.stepID] = true
			launch(edge.Target)
		case models.EdgeMerge:
			if res.status == models.StepRunStatusCompleted {
				if err := s.merger.FastForward(ctx, ws, edge.Target); err != nil {
					getLog().Error().Err(err).Str("branch", edge.Target).Msg("Merge edge failed")
				}
			}
			satisfied[res.stepID] = true
		default: // next
			satisfied[res.stepID] = true
		}

		if satisfied[res.stepID] {
			run.CompletedStepIDs = append(run.CompletedStepIDs, res.stepID)
			ready()
		}
		s.saveProgress(ctx, run)

		s.bus.Broadcast(events.Event{
			Type:      events.TypeStepRunStatus,
			RunID:     run.ID,
			Timestamp: s.clk.Now(),
			Payload: map[string]any{
				"step_id": res.stepID,
				"status":  string(res.status),
			},
		})
	}

	if ctx.Err() != nil {
		outcome.cancelled = true
	}
	return outcome
}

// edgeFor picks the step's edge for the outcome, defaulting unset edges the
// way the YAML parser does: success → next, failure → stop.
func (s *Scheduler) edgeFor(step models.StepDefinition, status models.StepRunStatus) models.EdgeAction {
	if status == models.StepRunStatusCompleted {
		if step.OnSuccess.Kind == "" {
			return models.EdgeAction{Kind: models.EdgeNext}
		}
		return step.OnSuccess
	}
	if step.OnFailure.Kind == "" {
		return models.EdgeAction{Kind: models.EdgeStop}
	}
	return step.OnFailure
}

// runStep supervises one step: breakpoint gate, step run + claimed attempt,
// workspace lease, executor dispatch, terminal status readback.
func (s *Scheduler) runStep(ctx context.Context, run *models.PipelineRun, dag *models.DAG, step models.StepDefinition, ws *models.Workspace) stepResult {
	stepIndex, _ := dag.Index(step.StepID)
	res := stepResult{stepID: step.StepID}

	if s.gate != nil {
		if err := s.gate.CheckBreakpoint(ctx, run, stepIndex); err != nil {
			getLog().Info().
				Str("run_id", run.ID).
				Str("step_id", step.StepID).
				Err(err).
				Msg("Step abandoned at breakpoint")
			res.gateAborted = true
			res.status = models.StepRunStatusCancelled
			return res
		}
	}

	// A resumed run already has the step run row from before the restart.
	sr, err := s.db.GetStepRunByRunAndStep(ctx, run.ID, step.StepID)
	if err != nil {
		if !enginerr.IsNotFound(err) {
			res.status = models.StepRunStatusFailed
			return res
		}
		sr = &models.StepRun{
			ID:            clock.NewID(),
			PipelineRunID: run.ID,
			StepID:        step.StepID,
			StepIndex:     stepIndex,
			Name:          step.Name,
			Status:        models.StepRunStatusPending,
		}
		if err := s.db.CreateStepRun(ctx, sr); err != nil {
			res.status = models.StepRunStatusFailed
			return res
		}
	}

	attempt := 1
	var exec *models.StepExecution
	for {
		exec = &models.StepExecution{
			ID:           clock.NewID(),
			ExecutionKey: clock.ExecutionKey(run.ID, stepIndex, attempt),
			StepRunID:    sr.ID,
			Attempt:      attempt,
			Status:       models.ExecutionStatusPending,
		}
		claimed, existing, err := s.db.ClaimExecution(ctx, exec)
		if err != nil {
			res.status = models.StepRunStatusFailed
			return res
		}
		if claimed {
			break
		}
		switch {
		case existing.Status == models.ExecutionStatusFailed && existing.ErrorMessage == interruptedMsg:
			// A restart interrupted this attempt and recovery settled it.
			// Reopen the step run and claim the next attempt.
			next, nerr := s.db.NextAttempt(ctx, sr.ID)
			if nerr != nil {
				res.status = models.StepRunStatusFailed
				return res
			}
			sr.Status = models.StepRunStatusPending
			sr.ErrorMessage = ""
			sr.CompletedAt = nil
			if serr := s.db.SaveStepRun(ctx, sr); serr != nil {
				res.status = models.StepRunStatusFailed
				return res
			}
			attempt = next
			continue
		case existing.Status.IsTerminal():
			res.status = s.stepStatus(ctx, existing.StepRunID)
			return res
		case existing.Status == models.ExecutionStatusPending && existing.Claimant == "":
			// Orphan recovery requeued this attempt; adopt and redispatch it.
			exec = existing
		default:
			// A concurrent claimant owns this attempt; await its outcome.
			return s.awaitExisting(ctx, step.StepID, existing.ID)
		}
		break
	}

	// A continue_in_context step reuses the prior step's workspace state.
	// Dispatching it against a recycled workspace would silently run in a
	// fresh context, so the workspace must still be live.
	if step.ContinueInContext {
		cws, werr := s.db.GetWorkspaceByRunID(ctx, run.ID)
		if werr != nil || (cws.Status != models.WorkspaceStatusReady && cws.Status != models.WorkspaceStatusInUse) {
			_ = s.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed,
				"workspace context no longer available")
			res.status = s.stepStatus(ctx, sr.ID)
			return res
		}
	}

	lease, err := s.workspaces.Acquire(ctx, run.ID, workspace.LockShared)
	if err != nil {
		_ = s.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed,
			fmt.Sprintf("could not lease workspace: %v", err))
		res.status = s.stepStatus(ctx, sr.ID)
		return res
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			getLog().Warn().Err(err).Str("run_id", run.ID).Msg("Workspace lease release failed")
		}
	}()

	req := &executor.Request{
		Run:        run,
		StepRun:    sr,
		Execution:  exec,
		Step:       step,
		VolumeName: ws.VolumeName,
	}
	exe := s.executorFor(step)
	if exe == nil {
		_ = s.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed,
			"no executor available for step placement")
		res.status = s.stepStatus(ctx, sr.ID)
		return res
	}

	if err := exe.Execute(ctx, req); err != nil {
		getLog().Error().Err(err).
			Str("run_id", run.ID).
			Str("step_id", step.StepID).
			Str("executor", exe.Name()).
			Msg("Executor error")
		_ = s.control.Abort(context.WithoutCancel(ctx), exec.ID, models.ExecutionStatusFailed, err.Error())
	}

	res.status = s.stepStatus(ctx, sr.ID)
	return res
}

// awaitExisting polls another claimant's execution until it is terminal.
func (s *Scheduler) awaitExisting(ctx context.Context, stepID, execID string) stepResult {
	res := stepResult{stepID: stepID}
	readCtx := context.WithoutCancel(ctx)
	for {
		exec, err := s.db.GetExecution(readCtx, execID)
		if err != nil {
			res.status = models.StepRunStatusFailed
			return res
		}
		if exec.Status.IsTerminal() {
			res.status = s.stepStatus(readCtx, exec.StepRunID)
			return res
		}
		select {
		case <-ctx.Done():
			res.status = models.StepRunStatusCancelled
			return res
		case <-time.After(time.Second):
		}
	}
}

func (s *Scheduler) stepStatus(ctx context.Context, stepRunID string) models.StepRunStatus {
	sr, err := s.db.GetStepRun(context.WithoutCancel(ctx), stepRunID)
	if err != nil {
		return models.StepRunStatusFailed
	}
	if !sr.Status.IsTerminal() {
		return models.StepRunStatusFailed
	}
	return sr.Status
}

func (s *Scheduler) executorFor(step models.StepDefinition) executor.Executor {
	if s.router.Route(step) == executor.TargetRemote {
		return s.remote
	}
	return s.local
}

// finishRun applies the terminal run transition and releases the workspace
// unless a debug session still holds it open.
func (s *Scheduler) finishRun(ctx context.Context, runID string, outcome walkOutcome) error {
	ctx = context.WithoutCancel(ctx)
	now := s.clk.Now()

	nonTerminal := []models.PipelineStatus{
		models.PipelineStatusPending,
		models.PipelineStatusPreparing,
		models.PipelineStatusRunning,
		models.PipelineStatusCompleting,
	}

	var err error
	switch {
	case outcome.cancelled:
		err = s.transitionRun(ctx, runID, nonTerminal, models.PipelineStatusCancelled,
			map[string]any{"completed_at": now})
	case outcome.failed:
		err = s.transitionRun(ctx, runID, nonTerminal, models.PipelineStatusFailed,
			map[string]any{"completed_at": now, "error_message": outcome.errorMsg})
	default:
		err = s.transitionRun(ctx, runID,
			[]models.PipelineStatus{models.PipelineStatusRunning},
			models.PipelineStatusCompleting, nil)
		if err == nil || enginerr.IsConflict(err) {
			// Conflict here means the run resumed already in COMPLETING, or
			// a concurrent cancel won; the second guard decides which.
			err = s.transitionRun(ctx, runID,
				[]models.PipelineStatus{models.PipelineStatusCompleting},
				models.PipelineStatusCompleted, map[string]any{"completed_at": now})
		}
	}
	if enginerr.IsConflict(err) {
		// Cancellation raced us; the first terminal write wins.
		err = nil
	}
	if err != nil {
		return err
	}

	s.releaseWorkspace(ctx, runID)
	return nil
}

// releaseWorkspace cleans the run's workspace unless a live debug session
// still needs it.
func (s *Scheduler) releaseWorkspace(ctx context.Context, runID string) {
	if _, err := s.db.GetActiveDebugSessionForRun(ctx, runID); err == nil {
		getLog().Info().Str("run_id", runID).Msg("Workspace kept for active debug session")
		return
	}
	if err := s.workspaces.Cleanup(ctx, runID); err != nil {
		getLog().Warn().Err(err).Str("run_id", runID).Msg("Workspace cleanup failed")
	}
}

func (s *Scheduler) failRun(ctx context.Context, run *models.PipelineRun, msg string) error {
	return s.transitionRun(context.WithoutCancel(ctx), run.ID,
		[]models.PipelineStatus{
			models.PipelineStatusPending,
			models.PipelineStatusPreparing,
			models.PipelineStatusRunning,
			models.PipelineStatusCompleting,
		},
		models.PipelineStatusFailed,
		map[string]any{"completed_at": s.clk.Now(), "error_message": msg})
}

// transitionRun wraps the guarded status update and broadcasts the change.
func (s *Scheduler) transitionRun(ctx context.Context, runID string, from []models.PipelineStatus, to models.PipelineStatus, extra map[string]any) error {
	if err := s.db.UpdatePipelineRunStatusIfIn(ctx, runID, from, to, extra); err != nil {
		return err
	}
	s.bus.Broadcast(events.Event{
		Type:      events.TypePipelineRunStatus,
		RunID:     runID,
		Timestamp: s.clk.Now(),
		Payload:   map[string]any{"status": string(to)},
	})
	return nil
}

// saveProgress persists the run's active/completed step bookkeeping.
func (s *Scheduler) saveProgress(ctx context.Context, run *models.PipelineRun) {
	if err := s.db.SavePipelineRun(context.WithoutCancel(ctx), run); err != nil {
		getLog().Warn().Err(err).Str("run_id", run.ID).Msg("Failed to save run progress")
	}
}

// CancelRun cancels a run: its scheduler context is cancelled so in-flight
// executors abort their work, and any executions with no live supervisor are
// aborted directly.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.db.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return enginerr.New(enginerr.KindConflict, "run %s already %s", runID, run.Status)
	}

	s.mu.Lock()
	cancel, supervised := s.cancels[runID]
	s.mu.Unlock()

	if supervised {
		cancel()
		// The run loop settles executions and writes the terminal status.
		return nil
	}

	// No loop is driving this run (engine restarted); settle it directly.
	detail, err := s.db.GetPipelineRunDetail(ctx, runID)
	if err != nil {
		return err
	}
	for _, sr := range detail.StepRuns {
		for _, exec := range sr.Executions {
			if !exec.Status.IsTerminal() {
				if err := s.control.Abort(ctx, exec.ID, models.ExecutionStatusCancelled, "pipeline run cancelled"); err != nil {
					getLog().Warn().Err(err).Str("execution_id", exec.ID).Msg("Abort on cancel failed")
				}
			}
		}
	}
	if err := s.transitionRun(ctx, runID,
		[]models.PipelineStatus{
			models.PipelineStatusPending,
			models.PipelineStatusPreparing,
			models.PipelineStatusRunning,
			models.PipelineStatusCompleting,
		},
		models.PipelineStatusCancelled,
		map[string]any{"completed_at": s.clk.Now()}); err != nil && !enginerr.IsConflict(err) {
		return err
	}
	s.releaseWorkspace(ctx, runID)
	return nil
}

func (s *Scheduler) registerCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) dropCancel(runID string) {
	s.mu.Lock()
	delete(s.cancels, runID)
	s.mu.Unlock()
}
