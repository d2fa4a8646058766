// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

type localFixture struct {
	exec    *LocalExecutor
	db      *database.GormDB
	runtime *docker.MockRuntime
	ctl     *control.Service
}

func setupLocal(t *testing.T) *localFixture {
	t.Helper()

	db, err := database.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "local-test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	runtime := &docker.MockRuntime{}
	containers := service.NewServiceWithRuntime(runtime, nil)

	clk := clock.Real{}
	bus := events.NewBus()
	ctl := control.NewService(db, bus, clk)
	tokens, err := control.NewTokenManager("test-secret", time.Hour, clk)
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Server: config.ServerConfig{Host: "localhost", Port: 8080},
		Container: config.ContainerConfig{
			BaseImage:   "lazyaf-base",
			ClaudeImage: "lazyaf-claude",
			GeminiImage: "lazyaf-gemini",
		},
		Engine: config.EngineConfig{
			DefaultStepTimeout: time.Minute,
			DefaultRunnerType:  "claude-code",
		},
	}

	return &localFixture{
		exec:    NewLocalExecutor(db, containers, ctl, tokens, cfg, clk),
		db:      db,
		runtime: runtime,
		ctl:     ctl,
	}
}

func (f *localFixture) seedRequest(t *testing.T, step models.StepDefinition) *Request {
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

	return &Request{
		Run:        run,
		StepRun:    sr,
		Execution:  exec,
		Step:       step,
		VolumeName: clock.VolumeName(run.ID),
	}
}

func TestLocalExecute_ScriptStepCompletes(t *testing.T) {
	f := setupLocal(t)
	ctx := context.Background()
	req := f.seedRequest(t, models.StepDefinition{
		StepID:  "build",
		Type:    models.StepTypeScript,
		Command: "make build",
	})

	f.runtime.On("EnsureImage", mock.Anything, "lazyaf-base").Return(nil)
	f.runtime.On("CreateContainer", mock.Anything, mock.MatchedBy(func(cfg containermodels.ContainerConfig) bool {
		return cfg.Image == "lazyaf-base" &&
			len(cfg.Mounts) == 1 && cfg.Mounts[0].Source == req.VolumeName &&
			cfg.Labels[containermodels.LabelStepExecutionID] == req.Execution.ID
	})).Return(&containermodels.Container{ID: "step-c1"}, nil)
	f.runtime.On("WriteToContainer", mock.Anything, "step-c1", mock.Anything,
		control.ConfigPathFor(req.Execution.ID), control.ConfigFileMode).Return(nil)
	f.runtime.On("StartContainer", mock.Anything, "step-c1").Return(nil)
	// The in-container control process reports while the engine waits.
	f.runtime.On("WaitContainer", mock.Anything, "step-c1").Run(func(args mock.Arguments) {
		require.NoError(t, f.ctl.ReportStatus(context.Background(), req.Execution.ID,
			control.StatusReport{Status: control.ReportRunning}))
		exitCode := 0
		require.NoError(t, f.ctl.ReportStatus(context.Background(), req.Execution.ID,
			control.StatusReport{Status: control.ReportCompleted, ExitCode: &exitCode}))
	}).Return(0, nil)
	f.runtime.On("RemoveContainer", mock.Anything, "step-c1", true).Return(nil)

	require.NoError(t, f.exec.Execute(ctx, req))

	got, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, "step-c1", got.ContainerID)
	assert.Equal(t, "local", got.Claimant)
}

func TestLocalExecute_ContainerStepSelfReports(t *testing.T) {
	f := setupLocal(t)
	ctx := context.Background()
	req := f.seedRequest(t, models.StepDefinition{
		StepID:  "lint",
		Type:    models.StepTypeContainer,
		Image:   "golangci/golangci-lint",
		Command: "golangci-lint run",
	})

	f.runtime.On("EnsureImage", mock.Anything, "golangci/golangci-lint").Return(nil)
	f.runtime.On("CreateContainer", mock.Anything, mock.Anything).Return(&containermodels.Container{ID: "step-c2"}, nil)
	f.runtime.On("WriteToContainer", mock.Anything, "step-c2", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.runtime.On("StartContainer", mock.Anything, "step-c2").Return(nil)
	f.runtime.On("StreamLogs", mock.Anything, "step-c2", mock.Anything, true).Return(nil, assert.AnError).Maybe()
	f.runtime.On("WaitContainer", mock.Anything, "step-c2").Return(2, nil)
	f.runtime.On("RemoveContainer", mock.Anything, "step-c2", true).Return(nil)

	require.NoError(t, f.exec.Execute(ctx, req))

	got, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)
}

func TestLocalExecute_AlreadyTerminalIsNoop(t *testing.T) {
	f := setupLocal(t)
	ctx := context.Background()
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, Command: "true"})

	require.NoError(t, f.db.UpdateExecutionStatusIfIn(ctx, req.Execution.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusCancelled, nil))

	require.NoError(t, f.exec.Execute(ctx, req))
	f.runtime.AssertNotCalled(t, "CreateContainer", mock.Anything, mock.Anything)
}

func TestLocalExecute_StartFailureMarksFailed(t *testing.T) {
	f := setupLocal(t)
	ctx := context.Background()
	req := f.seedRequest(t, models.StepDefinition{StepID: "build", Type: models.StepTypeScript, Command: "true"})

	f.runtime.On("EnsureImage", mock.Anything, "lazyaf-base").Return(nil)
	f.runtime.On("CreateContainer", mock.Anything, mock.Anything).Return(&containermodels.Container{ID: "step-c3"}, nil)
	f.runtime.On("WriteToContainer", mock.Anything, "step-c3", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.runtime.On("StartContainer", mock.Anything, "step-c3").Return(assert.AnError)
	f.runtime.On("RemoveContainer", mock.Anything, "step-c3", true).Return(nil)

	require.NoError(t, f.exec.Execute(ctx, req))

	got, err := f.db.GetExecution(ctx, req.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)

	sr, err := f.db.GetStepRun(ctx, req.StepRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepRunStatusFailed, sr.Status)
}

func TestImageFor(t *testing.T) {
	f := setupLocal(t)

	image, err := f.exec.imageFor(models.StepDefinition{Type: models.StepTypeScript})
	require.NoError(t, err)
	assert.Equal(t, "lazyaf-base", image)

	image, err = f.exec.imageFor(models.StepDefinition{Type: models.StepTypeContainer, Image: "node:22"})
	require.NoError(t, err)
	assert.Equal(t, "node:22", image)

	image, err = f.exec.imageFor(models.StepDefinition{Type: models.StepTypeAgent})
	require.NoError(t, err)
	assert.Equal(t, "lazyaf-claude", image) // Engine default runner type

	image, err = f.exec.imageFor(models.StepDefinition{Type: models.StepTypeAgent, RunnerType: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "lazyaf-gemini", image)

	_, err = f.exec.imageFor(models.StepDefinition{Type: models.StepTypeContainer})
	assert.Error(t, err)

	_, err = f.exec.imageFor(models.StepDefinition{Type: models.StepTypeAgent, RunnerType: "generic"})
	assert.Error(t, err)
}
