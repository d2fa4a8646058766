// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/executor"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/engine/workspace"
)

const pollInterval = time.Second

// RemoteExecutor pushes attempts to connected runners and blocks until the
// execution row reaches a terminal status. A runner death mid-flight requeues
// the row to PENDING; the await loop notices and redispatches.
type RemoteExecutor struct {
	db       *database.GormDB
	registry *Registry
	control  *control.Service
	tokens   *control.TokenManager
	cfg      *config.AppConfig
	clk      clock.Clock
}

// NewRemoteExecutor creates the remote executor.
func NewRemoteExecutor(db *database.GormDB, registry *Registry, ctl *control.Service, tokens *control.TokenManager, cfg *config.AppConfig, clk clock.Clock) *RemoteExecutor {
	return &RemoteExecutor{
		db:       db,
		registry: registry,
		control:  ctl,
		tokens:   tokens,
		cfg:      cfg,
		clk:      clk,
	}
}

var _ executor.Executor = (*RemoteExecutor)(nil)

func (e *RemoteExecutor) Name() string { return "remote" }

// Execute dispatches the attempt and supervises it to a terminal status.
func (e *RemoteExecutor) Execute(ctx context.Context, req *executor.Request) error {
	timeout := time.Duration(req.Step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.cfg.Engine.DefaultStepTimeout
	}
	timeoutAt := e.clk.Now().Add(timeout)

	stepCfg, err := e.buildStepConfig(req)
	if err != nil {
		return e.control.Abort(ctx, req.Execution.ID, models.ExecutionStatusFailed, err.Error())
	}

	// Reads survive cancellation so a cancelled attempt can still be settled.
	readCtx := context.WithoutCancel(ctx)

	for {
		exec, err := e.db.GetExecution(readCtx, req.Execution.ID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return nil
		}
		if ctx.Err() != nil {
			return e.abortBoth(ctx, exec.ID, models.ExecutionStatusCancelled, "execution cancelled")
		}
		if e.clk.Now().After(timeoutAt) {
			return e.abortBoth(ctx, exec.ID, models.ExecutionStatusTimeout,
				fmt.Sprintf("step exceeded timeout of %s", timeout))
		}

		if exec.Status == models.ExecutionStatusPending {
			if err := e.dispatchWithRetry(ctx, req, stepCfg, timeoutAt); err != nil {
				if ctx.Err() != nil {
					return e.abortBoth(ctx, exec.ID, models.ExecutionStatusCancelled, "execution cancelled")
				}
				if enginerr.IsConflict(err) {
					continue // Another actor moved the execution; re-read
				}
				return e.control.Abort(ctx, exec.ID, models.ExecutionStatusFailed,
					fmt.Sprintf("could not dispatch to a runner: %v", err))
			}
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
	}
}

// dispatchWithRetry retries transient dispatch failures (no matching runner
// connected, ack timeouts) with exponential backoff until the step deadline.
func (e *RemoteExecutor) dispatchWithRetry(ctx context.Context, req *executor.Request, stepCfg *control.StepConfig, timeoutAt time.Time) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = time.Until(timeoutAt)

	return backoff.Retry(func() error {
		err := e.registry.Dispatch(ctx, req, stepCfg, timeoutAt)
		if err == nil || enginerr.Retriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// abortBoth records the abort and tells the runner, if one still holds the
// execution, to stop working on it.
func (e *RemoteExecutor) abortBoth(ctx context.Context, executionID string, to models.ExecutionStatus, reason string) error {
	ctx = context.WithoutCancel(ctx)
	e.registry.AbortExecution(ctx, executionID, reason)
	return e.control.Abort(ctx, executionID, to, reason)
}

func (e *RemoteExecutor) buildStepConfig(req *executor.Request) (*control.StepConfig, error) {
	token, err := e.tokens.Issue(req.Execution.ID, req.Run.ID)
	if err != nil {
		return nil, err
	}
	workingDir := req.Step.WorkingDirectory
	if workingDir == "" {
		workingDir = workspace.RepoDir
	}
	return &control.StepConfig{
		StepExecutionID: req.Execution.ID,
		StepID:          req.Step.StepID,
		RunID:           req.Run.ID,
		Name:            req.Step.Name,
		Command:         req.Step.Command,
		WorkingDir:      workingDir,
		Environment:     req.Step.Environment,
		TimeoutSeconds:  req.Step.TimeoutSeconds,
		BackendURL:      e.cfg.Server.GetBackendURL(),
		Token:           token,
	}, nil
}
