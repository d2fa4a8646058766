// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

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
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/executor"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    []Frame
	closeCode int
}

func (c *fakeConn) writeFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
}

func (c *fakeConn) framesOf(t FrameType) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// waitFor polls for the first frame of the given type.
func (c *fakeConn) waitFor(t FrameType, timeout time.Duration) *Frame {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := c.framesOf(t); len(frames) > 0 {
			return &frames[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

type remoteFixture struct {
	db  *database.GormDB
	reg *Registry
	ctl *control.Service
	cfg *config.EngineConfig
}

func setupRegistry(t *testing.T) *remoteFixture {
	t.Helper()

	db, err := database.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "remote-test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.Real{}
	bus := events.NewBus()
	ctl := control.NewService(db, bus, clk)
	cfg := &config.EngineConfig{
		DefaultRunnerType:   "claude-code",
		HeartbeatInterval:   time.Second,
		RegistrationTimeout: time.Second,
		AckTimeout:          100 * time.Millisecond,
		RunnerDeathTimeout:  3 * time.Second,
		DefaultStepTimeout:  time.Minute,
	}

	return &remoteFixture{
		db:  db,
		reg: NewRegistry(db, ctl, bus, cfg, clk),
		ctl: ctl,
		cfg: cfg,
	}
}

func (f *remoteFixture) mustRegister(t *testing.T, frame Frame) (*runnerSession, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess, err := f.reg.register(context.Background(), frame, conn)
	require.NoError(t, err)
	return sess, conn
}

func (f *remoteFixture) seedRequest(t *testing.T, step models.StepDefinition) *executor.Request {
	t.Helper()
	ctx := context.Background()

	run := &models.PipelineRun{ID: clock.NewID(), PipelineID: clock.NewID(), Status: models.PipelineStatusRunning}
	require.NoError(t, f.db.CreatePipelineRun(ctx, run))
	sr := &models.StepRun{
		ID:            clock.NewID(),
		PipelineRunID: run.ID,
		StepID:        step.StepID,
		Status:        models.StepRunStatusPending,
	}
	require.NoError(t, f.db.CreateStepRun(ctx, sr))
	exec := &models.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: clock.ExecutionKey(run.ID, 0, 1),
		StepRunID:    sr.ID,
		Attempt:      1,
		Status:       models.ExecutionStatusPending,
	}
	_, _, err := f.db.ClaimExecution(ctx, exec)
	require.NoError(t, err)

	return &executor.Request{
		Run:        run,
		StepRun:    sr,
		Execution:  exec,
		Step:       step,
		VolumeName: clock.VolumeName(run.ID),
	}
}

// ackWhenDispatched simulates the runner side of a dispatch: it waits for
// the execute_step frame and acks it.
func (f *remoteFixture) ackWhenDispatched(sess *runnerSession, conn *fakeConn) {
	go func() {
		if frame := conn.waitFor(FrameExecuteStep, time.Second); frame != nil {
			f.reg.handleFrame(context.Background(), sess, Frame{Type: FrameAck, ExecutionID: frame.ExecutionID})
		}
	}()
}

func TestRegister_PersistsRunnerAndConfirms(t *testing.T) {
	f := setupRegistry(t)
	sess, conn := f.mustRegister(t, Frame{
		Type: FrameRegister, Name: "worker-1", RunnerType: "claude-code",
		Labels: map[string]string{"gpu": "a100"},
	})

	registered := conn.framesOf(FrameRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, sess.id, registered[0].RunnerID)

	runner, err := f.db.GetRunner(context.Background(), sess.id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStateIdle, runner.Status)
	assert.Equal(t, "worker-1", runner.Name)
	assert.Equal(t, "a100", runner.Labels["gpu"])
	assert.NotNil(t, runner.ConnectedAt)
}

func TestRegister_RejectsIncompleteFrame(t *testing.T) {
	f := setupRegistry(t)
	_, err := f.reg.register(context.Background(), Frame{Type: FrameRegister, Name: "no-type"}, &fakeConn{})
	require.Error(t, err)
	assert.Equal(t, enginerr.KindProtocol, enginerr.KindOf(err))
}

func TestRegister_ReconnectKeepsRunnerID(t *testing.T) {
	f := setupRegistry(t)
	sess1, conn1 := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	sess2, _ := f.mustRegister(t, Frame{Type: FrameRegister, RunnerID: sess1.id, Name: "w", RunnerType: "generic"})

	assert.Equal(t, sess1.id, sess2.id)
	assert.Equal(t, CloseBadRegistration, conn1.closeCode)
}

func TestDispatch_AssignsAndAwaitsAck(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, Command: "make", RunnerType: "generic"})
	f.ackWhenDispatched(sess, conn)

	stepCfg := &control.StepConfig{StepExecutionID: req.Execution.ID, Command: "make"}
	require.NoError(t, f.reg.Dispatch(ctx, req, stepCfg, time.Now().Add(time.Minute)))

	dispatched := conn.framesOf(FrameExecuteStep)
	require.Len(t, dispatched, 1)
	assert.Equal(t, req.Execution.ExecutionKey, dispatched[0].ExecutionKey)
	assert.Equal(t, req.VolumeName, dispatched[0].VolumeName)
	require.NotNil(t, dispatched[0].StepConfig)

	exec, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPreparing, exec.Status)
	assert.Equal(t, sess.id, exec.RunnerID)

	runner, err := f.db.GetRunner(ctx, sess.id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStateBusy, runner.Status)
	assert.Equal(t, req.Execution.ID, runner.CurrentStepExecutionID)
}

func TestDispatch_NoMatchingRunnerIsTransient(t *testing.T) {
	f := setupRegistry(t)
	f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "gemini"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "a", Type: models.StepTypeAgent, RunnerType: "claude-code"})

	err := f.reg.Dispatch(context.Background(), req, &control.StepConfig{}, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, enginerr.KindTransient, enginerr.KindOf(err))
}

func TestDispatch_AckTimeoutMarksRunnerDeadAndRequeues(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})

	err := f.reg.Dispatch(ctx, req, &control.StepConfig{}, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, enginerr.KindTransient, enginerr.KindOf(err))
	assert.Equal(t, CloseRuntimeError, conn.closeCode)

	runner, err := f.db.GetRunner(ctx, sess.id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStateDead, runner.Status)

	exec, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, exec.Status)
	assert.Empty(t, exec.RunnerID)
}

func TestDispatch_RequiredRunnerIDPinning(t *testing.T) {
	f := setupRegistry(t)
	sessA, _ := f.mustRegister(t, Frame{Type: FrameRegister, Name: "a", RunnerType: "generic"})
	sessB, connB := f.mustRegister(t, Frame{Type: FrameRegister, Name: "b", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{
		StepID: "s", Type: models.StepTypeScript, RunnerType: "generic", RequiredRunnerID: sessB.id,
	})
	f.ackWhenDispatched(sessB, connB)

	require.NoError(t, f.reg.Dispatch(context.Background(), req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	exec, err := f.db.GetExecution(context.Background(), req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, sessB.id, exec.RunnerID)
	assert.NotEqual(t, sessA.id, exec.RunnerID)
}

func TestDispatch_HardwareLabelsFilterRunners(t *testing.T) {
	f := setupRegistry(t)
	f.mustRegister(t, Frame{Type: FrameRegister, Name: "cpu", RunnerType: "generic"})
	gpuSess, gpuConn := f.mustRegister(t, Frame{
		Type: FrameRegister, Name: "gpu", RunnerType: "generic",
		Labels: map[string]string{"gpu": "a100"},
	})
	req := f.seedRequest(t, models.StepDefinition{
		StepID: "train", Type: models.StepTypeScript, RunnerType: "generic",
		Requires: models.StepRequires{Hardware: map[string]string{"gpu": "a100"}},
	})
	f.ackWhenDispatched(gpuSess, gpuConn)

	require.NoError(t, f.reg.Dispatch(context.Background(), req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	exec, err := f.db.GetExecution(context.Background(), req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, gpuSess.id, exec.RunnerID)
}

func TestStepComplete_FinalizesExecutionAndIdlesRunner(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})
	f.ackWhenDispatched(sess, conn)
	require.NoError(t, f.reg.Dispatch(ctx, req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	exitCode := 0
	f.reg.handleFrame(ctx, sess, Frame{Type: FrameStepComplete, ExecutionID: req.Execution.ID, ExitCode: &exitCode})

	exec, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.ExitCode)
	assert.Equal(t, 0, *exec.ExitCode)

	runner, err := f.db.GetRunner(ctx, sess.id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStateIdle, runner.Status)
	assert.Empty(t, runner.CurrentStepExecutionID)
}

func TestStepComplete_NonZeroExitFails(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})
	f.ackWhenDispatched(sess, conn)
	require.NoError(t, f.reg.Dispatch(ctx, req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	exitCode := 3
	f.reg.handleFrame(ctx, sess, Frame{
		Type: FrameStepComplete, ExecutionID: req.Execution.ID, ExitCode: &exitCode, Message: "tests failed",
	})

	exec, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "tests failed", exec.ErrorMessage)

	sr, err := f.db.GetStepRun(ctx, req.StepRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepRunStatusFailed, sr.Status)
}

func TestLogFrame_AppendsToStepRun(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})
	f.ackWhenDispatched(sess, conn)
	require.NoError(t, f.reg.Dispatch(ctx, req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	f.reg.handleFrame(ctx, sess, Frame{Type: FrameLog, ExecutionID: req.Execution.ID, Lines: "compiling\n"})

	sr, err := f.db.GetStepRun(ctx, req.StepRun.ID)
	require.NoError(t, err)
	assert.Contains(t, sr.Logs, "compiling")
}

func TestHeartbeat_FlipsExecutionToRunning(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})
	f.ackWhenDispatched(sess, conn)
	require.NoError(t, f.reg.Dispatch(ctx, req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	f.reg.handleFrame(ctx, sess, Frame{Type: FrameHeartbeat, ExecutionID: req.Execution.ID, Progress: "step 2/5"})

	assert.NotEmpty(t, conn.framesOf(FramePong))
	exec, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, "step 2/5", exec.Progress)
	assert.NotNil(t, exec.LastHeartbeat)
}

func TestHeartbeat_TerminalExecutionGetsAbortFrame(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})

	require.NoError(t, f.db.UpdateExecutionStatusIfIn(ctx, req.Execution.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusCancelled, nil))

	f.reg.handleFrame(ctx, sess, Frame{Type: FrameHeartbeat, ExecutionID: req.Execution.ID})

	aborts := conn.framesOf(FrameAbort)
	require.Len(t, aborts, 1)
	assert.Equal(t, req.Execution.ID, aborts[0].ExecutionID)
}

func TestUnregister_RequeuesInFlightWork(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, RunnerType: "generic"})
	f.ackWhenDispatched(sess, conn)
	require.NoError(t, f.reg.Dispatch(ctx, req, &control.StepConfig{}, time.Now().Add(time.Minute)))

	f.reg.unregister(ctx, sess)

	runner, err := f.db.GetRunner(ctx, sess.id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStateDisconnected, runner.Status)

	exec, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, exec.Status)
	assert.Empty(t, exec.RunnerID)
	assert.False(t, f.reg.HasRunnerFor(req.Step))
}

func TestHasRunnerFor_Matching(t *testing.T) {
	f := setupRegistry(t)
	f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "claude-code"})

	// Agent step without explicit type falls back to the configured default.
	assert.True(t, f.reg.HasRunnerFor(models.StepDefinition{Type: models.StepTypeAgent}))
	assert.True(t, f.reg.HasRunnerFor(models.StepDefinition{Type: models.StepTypeAgent, RunnerType: "claude-code"}))
	assert.False(t, f.reg.HasRunnerFor(models.StepDefinition{Type: models.StepTypeAgent, RunnerType: "gemini"}))
	// Script steps match any runner.
	assert.True(t, f.reg.HasRunnerFor(models.StepDefinition{Type: models.StepTypeScript}))
	assert.False(t, f.reg.HasRunnerFor(models.StepDefinition{
		Type: models.StepTypeScript,
		Requires: models.StepRequires{Hardware: map[string]string{"gpu": "a100"}},
	}))
}

func TestPickRunner_PrefersWorkspaceAffinity(t *testing.T) {
	f := setupRegistry(t)
	sessA, _ := f.mustRegister(t, Frame{Type: FrameRegister, Name: "a", RunnerType: "generic"})
	sessB, _ := f.mustRegister(t, Frame{Type: FrameRegister, Name: "b", RunnerType: "generic"})

	runID := clock.NewID()
	sessB.mu.Lock()
	sessB.lastRunID = runID
	// Make B the worse choice by idle time so affinity has to win.
	sessB.idleSince = time.Now()
	sessB.mu.Unlock()
	sessA.mu.Lock()
	sessA.idleSince = time.Now().Add(-time.Hour)
	sessA.mu.Unlock()

	picked := f.reg.pickRunner(models.StepDefinition{Type: models.StepTypeScript, RunnerType: "generic"}, runID)
	require.NotNil(t, picked)
	assert.Equal(t, sessB.id, picked.id)

	// Without affinity the longest-idle runner wins.
	picked = f.reg.pickRunner(models.StepDefinition{Type: models.StepTypeScript, RunnerType: "generic"}, clock.NewID())
	require.NotNil(t, picked)
	assert.Equal(t, sessA.id, picked.id)
}

func TestSweepDead_ReapsSilentRunners(t *testing.T) {
	f := setupRegistry(t)
	ctx := context.Background()
	sess, conn := f.mustRegister(t, Frame{Type: FrameRegister, Name: "w", RunnerType: "generic"})

	sess.mu.Lock()
	sess.lastHeartbeat = time.Now().Add(-time.Minute)
	sess.mu.Unlock()

	f.reg.sweepDead(ctx)

	assert.Equal(t, CloseRuntimeError, conn.closeCode)
	runner, err := f.db.GetRunner(ctx, sess.id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStateDead, runner.Status)
	assert.False(t, f.reg.HasRunnerFor(models.StepDefinition{Type: models.StepTypeScript}))
}

func TestCloseCodes_WireValues(t *testing.T) {
	// Runners are built against these numeric values; the names are not on
	// the wire.
	assert.Equal(t, 4000, CloseRuntimeError)
	assert.Equal(t, 4001, CloseBadRegistration)
	assert.Equal(t, 4002, CloseIllegalState)
	assert.Equal(t, 4004, CloseSessionNotFound)
}
