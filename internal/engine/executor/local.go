// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/engine/workspace"
	"github.com/lazyaf/lazyaf/internal/logger"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

var (
	localLog     *zerolog.Logger
	localLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	localLogOnce.Do(func() {
		l := logger.GetEngineLogger().With().Str("component", "local-executor").Logger()
		localLog = &l
	})
	return localLog
}

// reportGrace is how long the executor waits after container exit for the
// in-container control process to deliver its own terminal report.
const reportGrace = 3 * time.Second

// LocalExecutor runs step containers on the engine host's daemon.
type LocalExecutor struct {
	db         *database.GormDB
	containers *service.Service
	control    *control.Service
	tokens     *control.TokenManager
	cfg        *config.AppConfig
	clk        clock.Clock
}

// NewLocalExecutor creates the local executor.
func NewLocalExecutor(db *database.GormDB, containers *service.Service, ctl *control.Service, tokens *control.TokenManager, cfg *config.AppConfig, clk clock.Clock) *LocalExecutor {
	return &LocalExecutor{
		db:         db,
		containers: containers,
		control:    ctl,
		tokens:     tokens,
		cfg:        cfg,
		clk:        clk,
	}
}

func (e *LocalExecutor) Name() string { return "local" }

// Execute runs the attempt in a container and blocks until the execution is
// terminal. The caller holds the workspace lease.
func (e *LocalExecutor) Execute(ctx context.Context, req *Request) error {
	exec := req.Execution

	timeout := time.Duration(req.Step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.cfg.Engine.DefaultStepTimeout
	}
	timeoutAt := e.clk.Now().Add(timeout)

	if err := e.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusAssigned,
		map[string]any{"claimant": e.Name(), "timeout_at": timeoutAt}); err != nil {
		if enginerr.IsConflict(err) {
			if current, getErr := e.db.GetExecution(ctx, exec.ID); getErr == nil && current.Status.IsTerminal() {
				return nil
			}
		}
		return err
	}

	image, err := e.imageFor(req.Step)
	if err != nil {
		return e.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed, err.Error())
	}

	if err := e.db.UpdateExecutionStatusIfIn(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusAssigned},
		models.ExecutionStatusPreparing, nil); err != nil {
		return err
	}

	created, err := e.prepareContainer(ctx, req, image)
	if err != nil {
		if abortErr := e.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed, err.Error()); abortErr != nil {
			return abortErr
		}
		return nil
	}
	defer func() {
		if err := e.containers.RemoveContainer(context.WithoutCancel(ctx), created.ID, true); err != nil {
			getLog().Warn().Err(err).Str("container_id", created.ID).Msg("Failed to remove step container")
		}
	}()

	if err := e.db.SetExecutionContainer(ctx, exec.ID, created.ID); err != nil {
		return err
	}

	if err := e.containers.StartContainer(ctx, created.ID); err != nil {
		if abortErr := e.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed, err.Error()); abortErr != nil {
			return abortErr
		}
		return nil
	}

	// User images carry no control process; the engine does the reporting.
	selfReport := req.Step.Type == models.StepTypeContainer
	if selfReport {
		if err := e.control.ReportStatus(ctx, exec.ID, control.StatusReport{Status: control.ReportRunning}); err != nil {
			getLog().Warn().Err(err).Str("execution_id", exec.ID).Msg("Failed to report running")
		}
		go e.relayContainerLogs(ctx, created.ID, exec.ID)
	}

	waitCtx, cancel := context.WithDeadline(ctx, timeoutAt)
	defer cancel()

	exitCode, waitErr := e.containers.WaitContainer(waitCtx, created.ID)
	switch {
	case waitErr == nil:
		return e.settle(ctx, exec.ID, exitCode, selfReport)
	case errors.Is(waitErr, context.DeadlineExceeded) || enginerr.IsTimeout(waitErr):
		_ = e.containers.KillContainer(context.WithoutCancel(ctx), created.ID)
		return e.control.Abort(context.WithoutCancel(ctx), exec.ID, models.ExecutionStatusTimeout,
			fmt.Sprintf("step exceeded timeout of %s", timeout))
	case ctx.Err() != nil:
		_ = e.containers.KillContainer(context.WithoutCancel(ctx), created.ID)
		return e.control.Abort(context.WithoutCancel(ctx), exec.ID, models.ExecutionStatusCancelled, "execution cancelled")
	default:
		_ = e.containers.KillContainer(context.WithoutCancel(ctx), created.ID)
		return e.control.Abort(context.WithoutCancel(ctx), exec.ID, models.ExecutionStatusFailed, waitErr.Error())
	}
}

// settle reconciles the DB with the container's exit. The control process
// inside the container normally reports first; the executor only fills in
// when that report never arrives.
func (e *LocalExecutor) settle(ctx context.Context, execID string, exitCode int, selfReport bool) error {
	deadline := time.Now().Add(reportGrace)
	for {
		current, err := e.db.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return nil
		}
		if selfReport || time.Now().After(deadline) {
			report := control.StatusReport{ExitCode: &exitCode}
			if exitCode == 0 && current.Status == models.ExecutionStatusRunning {
				report.Status = control.ReportCompleted
			} else {
				report.Status = control.ReportFailed
				if exitCode == 0 {
					report.Error = "container exited without reporting status"
				} else {
					report.Error = fmt.Sprintf("container exited with code %d", exitCode)
				}
			}
			err := e.control.ReportStatus(ctx, execID, report)
			if enginerr.IsConflict(err) {
				return nil // The control process won the race
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (e *LocalExecutor) imageFor(step models.StepDefinition) (string, error) {
	switch step.Type {
	case models.StepTypeScript:
		return e.cfg.Container.BaseImage, nil
	case models.StepTypeContainer:
		if step.Image == "" {
			return "", fmt.Errorf("container step %s has no image", step.StepID)
		}
		return step.Image, nil
	case models.StepTypeAgent:
		runnerType := step.RunnerType
		if runnerType == "" {
			runnerType = e.cfg.Engine.DefaultRunnerType
		}
		switch runnerType {
		case "claude-code":
			return e.cfg.Container.ClaudeImage, nil
		case "gemini":
			return e.cfg.Container.GeminiImage, nil
		default:
			return "", fmt.Errorf("no local image for runner type %q", runnerType)
		}
	}
	return "", fmt.Errorf("unknown step type %q", step.Type)
}

// prepareContainer creates the step container and plants the step config
// before start.
func (e *LocalExecutor) prepareContainer(ctx context.Context, req *Request, image string) (*containermodels.Container, error) {
	exec := req.Execution

	token, err := e.tokens.Issue(exec.ID, req.Run.ID)
	if err != nil {
		return nil, err
	}

	configPath := control.ConfigPathFor(exec.ID)
	stepCfg := &control.StepConfig{
		StepExecutionID: exec.ID,
		StepID:          req.Step.StepID,
		RunID:           req.Run.ID,
		Name:            req.Step.Name,
		Command:         req.Step.Command,
		WorkingDir:      e.workingDir(req.Step),
		Environment:     req.Step.Environment,
		TimeoutSeconds:  req.Step.TimeoutSeconds,
		BackendURL:      e.cfg.Server.GetBackendURL(),
		Token:           token,
	}
	rendered, err := stepCfg.Render()
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"LAZYAF_STEP_CONFIG": configPath,
	}
	for k, v := range req.Step.Environment {
		env[k] = v
	}

	var command []string
	if req.Step.Type == models.StepTypeContainer && req.Step.Command != "" {
		command = []string{"sh", "-ec", req.Step.Command}
	}

	cfg := containermodels.ContainerConfig{
		Name:        "lazyaf-step-" + clock.RunIDPrefix(exec.ID),
		Image:       image,
		Environment: env,
		Mounts: []containermodels.Mount{
			{Source: req.VolumeName, Target: workspace.WorkspaceMount},
		},
		WorkingDir:  e.workingDir(req.Step),
		Command:     command,
		Labels:      containermodels.ManagedLabels(req.Run.ID, exec.ID, "step"),
		MemoryMB:    e.cfg.Container.ResourceLimits.MemoryMB,
		CPUCount:    e.cfg.Container.ResourceLimits.CPUCount,
		NetworkMode: e.cfg.Container.NetworkMode,
	}

	created, err := e.containers.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := e.containers.WriteToContainer(ctx, created.ID, rendered, configPath, control.ConfigFileMode); err != nil {
		_ = e.containers.RemoveContainer(context.WithoutCancel(ctx), created.ID, true)
		return nil, fmt.Errorf("failed to plant step config: %w", err)
	}
	return created, nil
}

func (e *LocalExecutor) workingDir(step models.StepDefinition) string {
	if step.WorkingDirectory != "" {
		return step.WorkingDirectory
	}
	return workspace.RepoDir
}

// relayContainerLogs streams a user container's output into the step run in
// batches, standing in for the control process the image doesn't have.
func (e *LocalExecutor) relayContainerLogs(ctx context.Context, containerID, execID string) {
	stream, err := e.containers.StreamLogs(ctx, containerID, time.Time{}, true)
	if err != nil {
		getLog().Warn().Err(err).Str("container_id", containerID).Msg("Failed to open log stream")
		return
	}
	defer stream.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, stream)
		pw.CloseWithError(err)
	}()

	relayLogs(pr, func(chunk string) {
		if err := e.control.AppendLogs(ctx, execID, chunk); err != nil {
			getLog().Debug().Err(err).Str("execution_id", execID).Msg("Log append failed")
		}
	}, 10, time.Second)
}
