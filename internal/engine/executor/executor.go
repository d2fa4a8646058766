// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor runs step execution attempts. The Router decides whether
// an attempt runs on the in-process local executor or is dispatched to a
// remote runner; both paths record their outcome as a terminal execution
// status in the database.
package executor

import (
	"context"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

// Request carries everything an executor needs to run one attempt. The
// workspace lease is held by the caller for the duration of Execute.
type Request struct {
	Run        *models.PipelineRun
	StepRun    *models.StepRun
	Execution  *models.StepExecution
	Step       models.StepDefinition
	VolumeName string
}

// Executor runs one attempt to a terminal execution status. A nil return
// means the outcome (success or failure) is recorded on the execution row;
// an error means the attempt could not be run at all.
type Executor interface {
	Execute(ctx context.Context, req *Request) error
	Name() string
}

// Target identifies where an attempt should run.
type Target int

const (
	TargetLocal Target = iota
	TargetRemote
)

func (t Target) String() string {
	if t == TargetRemote {
		return "remote"
	}
	return "local"
}

// Availability is what the router needs to know about connected runners.
type Availability interface {
	HasRunnerFor(step models.StepDefinition) bool
}

// Router picks the execution target for a step.
type Router struct {
	cfg   *config.EngineConfig
	avail Availability
}

// NewRouter creates a router. avail may be nil when no remote registry
// exists (single-process deployments).
func NewRouter(cfg *config.EngineConfig, avail Availability) *Router {
	return &Router{cfg: cfg, avail: avail}
}

// Route applies the placement rules in order. Remote placement never fails
// here even with no runner connected; dispatch waits for one.
func (r *Router) Route(step models.StepDefinition) Target {
	if r.cfg.ForceRemote || !r.cfg.UseLocalExecutor {
		return TargetRemote
	}
	if step.RequiredRunnerID != "" {
		return TargetRemote
	}
	if len(step.Requires.Hardware) > 0 {
		return TargetRemote
	}
	if step.Type == models.StepTypeAgent && !r.cfg.AllowLocalAgents {
		return TargetRemote
	}
	if step.Type != models.StepTypeAgent && step.RunnerType != "" {
		return TargetRemote
	}
	return TargetLocal
}

// HasRemoteCandidate reports whether any connected runner could take the
// step right now. Used for scheduling diagnostics, not placement.
func (r *Router) HasRemoteCandidate(step models.StepDefinition) bool {
	if r.avail == nil {
		return false
	}
	return r.avail.HasRunnerFor(step)
}
