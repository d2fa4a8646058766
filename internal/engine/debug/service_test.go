// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package debug

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

type cancelRecorder struct {
	mu     sync.Mutex
	runIDs []string
}

func (c *cancelRecorder) CancelRun(_ context.Context, runID string) error {
	c.mu.Lock()
	c.runIDs = append(c.runIDs, runID)
	c.mu.Unlock()
	return nil
}

func (c *cancelRecorder) cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.runIDs...)
}

type debugFixture struct {
	svc       *Service
	db        *database.GormDB
	runtime   *docker.MockRuntime
	canceller *cancelRecorder
	cfg       *config.AppConfig
}

func setupDebug(t *testing.T) *debugFixture {
	t.Helper()

	db, err := database.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "debug-test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	runtime := &docker.MockRuntime{}
	cfg := &config.AppConfig{
		Container: config.ContainerConfig{BaseImage: "lazyaf-base"},
		Debug: config.DebugConfig{
			DefaultTimeout: time.Hour,
			MaxTimeout:     4 * time.Hour,
		},
	}

	canceller := &cancelRecorder{}
	svc := NewService(db, events.NewBus(), service.NewServiceWithRuntime(runtime, nil), cfg, clock.Real{})
	svc.SetCanceller(canceller)

	return &debugFixture{svc: svc, db: db, runtime: runtime, canceller: canceller, cfg: cfg}
}

func (f *debugFixture) seedRun(t *testing.T, status models.PipelineStatus) *models.PipelineRun {
	t.Helper()
	run := &models.PipelineRun{
		ID:         clock.NewID(),
		PipelineID: clock.NewID(),
		Status:     status,
		Branch:     "main",
		CommitSHA:  "abc1234",
	}
	require.NoError(t, f.db.CreatePipelineRun(context.Background(), run))
	return run
}

func (f *debugFixture) seedSession(t *testing.T, run *models.PipelineRun, status models.DebugState, breakpoints ...int) *models.DebugSession {
	t.Helper()
	token, err := newToken()
	require.NoError(t, err)
	sess := &models.DebugSession{
		ID:                clock.NewID(),
		PipelineRunID:     run.ID,
		Status:            status,
		Breakpoints:       models.IntSlice(breakpoints),
		Token:             token,
		TimeoutSeconds:    3600,
		MaxTimeoutSeconds: int((4 * time.Hour).Seconds()),
		ExpiresAt:         time.Now().Add(time.Hour),
	}
	require.NoError(t, f.db.CreateDebugSession(context.Background(), sess))
	return sess
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCreateRerun_PinsCommitAndIssuesToken(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	orig := f.seedRun(t, models.PipelineStatusFailed)

	run, sess, err := f.svc.CreateRerun(ctx, orig.ID, []int{2}, 0)
	require.NoError(t, err)

	assert.Equal(t, models.PipelineStatusPending, run.Status)
	assert.Equal(t, orig.ID, run.OriginalRunID)
	assert.Equal(t, orig.PipelineID, run.PipelineID)
	assert.Equal(t, "main", run.Branch)
	assert.Equal(t, "abc1234", run.CommitSHA)

	assert.Len(t, sess.Token, 64) // 256 bits, hex
	assert.Equal(t, run.ID, sess.PipelineRunID)
	assert.Equal(t, []int{2}, []int(sess.Breakpoints))
	assert.Equal(t, 3600, sess.TimeoutSeconds)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)
}

func TestCreateRerun_CapsTimeoutAtMax(t *testing.T) {
	f := setupDebug(t)
	orig := f.seedRun(t, models.PipelineStatusFailed)

	_, sess, err := f.svc.CreateRerun(context.Background(), orig.ID, nil, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int((4 * time.Hour).Seconds()), sess.TimeoutSeconds)
}

func TestCreateRerun_UnknownRunIsNotFound(t *testing.T) {
	f := setupDebug(t)
	_, _, err := f.svc.CreateRerun(context.Background(), "missing", nil, 0)
	assert.True(t, enginerr.IsNotFound(err))
}

func TestCheckBreakpoint_NoSessionProceeds(t *testing.T) {
	f := setupDebug(t)
	run := f.seedRun(t, models.PipelineStatusRunning)
	assert.NoError(t, f.svc.CheckBreakpoint(context.Background(), run, 0))
}

func TestCheckBreakpoint_NonMatchingIndexProceeds(t *testing.T) {
	f := setupDebug(t)
	run := f.seedRun(t, models.PipelineStatusRunning)
	f.seedSession(t, run, models.DebugStatePending, 3)
	assert.NoError(t, f.svc.CheckBreakpoint(context.Background(), run, 1))
}

func TestCheckBreakpoint_BlocksUntilResume(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStatePending, 2)

	done := make(chan error, 1)
	go func() { done <- f.svc.CheckBreakpoint(ctx, run, 2) }()

	waitUntil(t, 5*time.Second, func() bool {
		got, err := f.db.GetDebugSession(ctx, sess.ID)
		return err == nil && got.Status == models.DebugStateWaitingAtBP
	})
	got, err := f.db.GetDebugSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentStepIndex)
	assert.Equal(t, 2, *got.CurrentStepIndex)

	require.NoError(t, f.svc.Resume(ctx, sess.ID))
	require.NoError(t, <-done)

	got, err = f.db.GetDebugSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentStepIndex)
}

func TestCheckBreakpoint_AbortUnblocksWithError(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStatePending, 0)

	done := make(chan error, 1)
	go func() { done <- f.svc.CheckBreakpoint(ctx, run, 0) }()

	waitUntil(t, 5*time.Second, func() bool {
		got, err := f.db.GetDebugSession(ctx, sess.ID)
		return err == nil && got.Status == models.DebugStateWaitingAtBP
	})

	require.NoError(t, f.svc.Abort(ctx, sess.ID))
	assert.Error(t, <-done)

	got, err := f.db.GetDebugSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebugStateEnded, got.Status)
	assert.Equal(t, []string{run.ID}, f.canceller.cancelled())
}

func TestAttach_SidecarStartsContainer(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStateWaitingAtBP, 1)

	require.NoError(t, f.db.CreateWorkspace(ctx, &models.Workspace{
		ID:            clock.WorkspaceID(run.ID),
		PipelineRunID: run.ID,
		Status:        models.WorkspaceStatusInUse,
		VolumeName:    clock.VolumeName(run.ID),
	}))

	f.runtime.On("EnsureImage", mock.Anything, "lazyaf-base").Return(nil)
	f.runtime.On("CreateContainer", mock.Anything, mock.MatchedBy(func(cfg containermodels.ContainerConfig) bool {
		return cfg.Image == "lazyaf-base" &&
			len(cfg.Mounts) == 1 && cfg.Mounts[0].Source == clock.VolumeName(run.ID) &&
			cfg.Labels[containermodels.LabelRole] == "sidecar"
	})).Return(&containermodels.Container{ID: "sidecar-1"}, nil)
	f.runtime.On("StartContainer", mock.Anything, "sidecar-1").Return(nil)

	got, containerID, err := f.svc.Attach(ctx, sess.ID, sess.Token, ModeSidecar)
	require.NoError(t, err)
	assert.Equal(t, "sidecar-1", containerID)
	assert.Equal(t, models.DebugStateConnected, got.Status)
	assert.Equal(t, ModeSidecar, got.ConnectionMode)
	assert.Equal(t, "sidecar-1", got.SidecarContainerID)
}

func TestAttach_WrongTokenIsForbidden(t *testing.T) {
	f := setupDebug(t)
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStateWaitingAtBP, 1)

	_, _, err := f.svc.Attach(context.Background(), sess.ID, "deadbeef", ModeSidecar)
	require.Error(t, err)
	assert.True(t, enginerr.Is(err, enginerr.KindForbidden))
}

func TestAttach_RequiresPausedSession(t *testing.T) {
	f := setupDebug(t)
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStatePending, 1)

	_, _, err := f.svc.Attach(context.Background(), sess.ID, sess.Token, ModeSidecar)
	require.Error(t, err)
	assert.True(t, enginerr.IsConflict(err))
}

func TestAttach_ShellFindsLiveStepContainer(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStateWaitingAtBP, 1)

	sr := &models.StepRun{
		ID:            clock.NewID(),
		PipelineRunID: run.ID,
		StepID:        "build",
		Status:        models.StepRunStatusRunning,
	}
	require.NoError(t, f.db.CreateStepRun(ctx, sr))
	exec := &models.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: clock.ExecutionKey(run.ID, 0, 1),
		StepRunID:    sr.ID,
		Attempt:      1,
		Status:       models.ExecutionStatusRunning,
		ContainerID:  "step-c9",
	}
	_, _, err := f.db.ClaimExecution(ctx, exec)
	require.NoError(t, err)

	got, containerID, err := f.svc.Attach(ctx, sess.ID, sess.Token, ModeShell)
	require.NoError(t, err)
	assert.Equal(t, "step-c9", containerID)
	assert.Equal(t, ModeShell, got.ConnectionMode)
	assert.Empty(t, got.SidecarContainerID)
}

func TestExtendTimeout_ValidatesAndCaps(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStateWaitingAtBP, 1)

	_, err := f.svc.ExtendTimeout(ctx, sess.ID, 0)
	assert.Error(t, err)
	_, err = f.svc.ExtendTimeout(ctx, sess.ID, 181)
	assert.Error(t, err)

	before, err := f.db.GetDebugSession(ctx, sess.ID)
	require.NoError(t, err)

	extended, err := f.svc.ExtendTimeout(ctx, sess.ID, 30)
	require.NoError(t, err)
	assert.WithinDuration(t, before.ExpiresAt.Add(30*time.Minute), extended.ExpiresAt, time.Second)

	// Repeated extension cannot push past creation + max timeout.
	limit := before.CreatedAt.Add(4 * time.Hour)
	for i := 0; i < 5; i++ {
		extended, err = f.svc.ExtendTimeout(ctx, sess.ID, 180)
		require.NoError(t, err)
	}
	assert.WithinDuration(t, limit, extended.ExpiresAt, time.Second)
}

func TestSweepExpired_TimesOutAndCancelsRun(t *testing.T) {
	f := setupDebug(t)
	ctx := context.Background()
	run := f.seedRun(t, models.PipelineStatusRunning)
	sess := f.seedSession(t, run, models.DebugStateWaitingAtBP, 1)

	expired, err := f.db.GetDebugSession(ctx, sess.ID)
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.db.SaveDebugSession(ctx, expired))

	f.svc.sweepExpired(ctx)

	got, err := f.db.GetDebugSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebugStateTimeout, got.Status)
	assert.Equal(t, []string{run.ID}, f.canceller.cancelled())
}
