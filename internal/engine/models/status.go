// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the engine's persisted entities and their state
// machines. Every status transition in the engine goes through the
// CanTransition tables in this file; nothing else is allowed to invent a
// transition.
package models

// PipelineStatus is the status of a pipeline run.
type PipelineStatus string

const (
	PipelineStatusPending    PipelineStatus = "pending"
	PipelineStatusPreparing  PipelineStatus = "preparing"
	PipelineStatusRunning    PipelineStatus = "running"
	PipelineStatusCompleting PipelineStatus = "completing"
	PipelineStatusCompleted  PipelineStatus = "completed"
	PipelineStatusFailed     PipelineStatus = "failed"
	PipelineStatusCancelled  PipelineStatus = "cancelled"
)

// IsTerminal reports whether the pipeline status is final.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusCompleted, PipelineStatusFailed, PipelineStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s → to is a legal pipeline transition.
// FAILED and CANCELLED are reachable from any non-terminal state.
func (s PipelineStatus) CanTransition(to PipelineStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == PipelineStatusFailed || to == PipelineStatusCancelled {
		return true
	}
	switch s {
	case PipelineStatusPending:
		return to == PipelineStatusPreparing
	case PipelineStatusPreparing:
		return to == PipelineStatusRunning || to == PipelineStatusCompleted
	case PipelineStatusRunning:
		return to == PipelineStatusCompleting
	case PipelineStatusCompleting:
		return to == PipelineStatusCompleted
	}
	return false
}

// StepRunStatus is the coarse status of a StepRun, aggregated over its
// execution attempts.
type StepRunStatus string

const (
	StepRunStatusPending   StepRunStatus = "pending"
	StepRunStatusRunning   StepRunStatus = "running"
	StepRunStatusCompleted StepRunStatus = "completed"
	StepRunStatusFailed    StepRunStatus = "failed"
	StepRunStatusCancelled StepRunStatus = "cancelled"
	StepRunStatusTimeout   StepRunStatus = "timeout"
)

// IsTerminal reports whether the step run status is final.
func (s StepRunStatus) IsTerminal() bool {
	switch s {
	case StepRunStatusCompleted, StepRunStatusFailed, StepRunStatusCancelled, StepRunStatusTimeout:
		return true
	}
	return false
}

// ExecutionStatus is the status of one attempt of a step.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusAssigned   ExecutionStatus = "assigned"
	ExecutionStatusPreparing  ExecutionStatus = "preparing"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusCompleting ExecutionStatus = "completing"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
	ExecutionStatusTimeout    ExecutionStatus = "timeout"
)

// IsTerminal reports whether the execution status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	}
	return false
}

// executionTransitions encodes the step-execution state machine.
// CANCELLED and FAILED are reachable from every non-terminal state; TIMEOUT
// only from RUNNING; COMPLETED only through COMPLETING.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending:    {ExecutionStatusAssigned, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusAssigned:   {ExecutionStatusPreparing, ExecutionStatusPending, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusPreparing:  {ExecutionStatusRunning, ExecutionStatusPending, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusRunning:    {ExecutionStatusCompleting, ExecutionStatusPending, ExecutionStatusCancelled, ExecutionStatusFailed, ExecutionStatusTimeout},
	ExecutionStatusCompleting: {ExecutionStatusCompleted, ExecutionStatusCancelled, ExecutionStatusFailed},
}

// CanTransition reports whether s → to is a legal execution transition.
// The ASSIGNED/PREPARING/RUNNING → PENDING arcs exist for remote-runner
// recovery: when a runner dies before any terminal write, ownership is reset
// and the same attempt is redispatched.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WorkspaceStatus is the lifecycle state of a run's shared workspace.
type WorkspaceStatus string

const (
	WorkspaceStatusCreating WorkspaceStatus = "creating"
	WorkspaceStatusReady    WorkspaceStatus = "ready"
	WorkspaceStatusInUse    WorkspaceStatus = "in_use"
	WorkspaceStatusCleaning WorkspaceStatus = "cleaning"
	WorkspaceStatusCleaned  WorkspaceStatus = "cleaned"
	WorkspaceStatusFailed   WorkspaceStatus = "failed"
)

// IsTerminal reports whether the workspace status is final.
func (s WorkspaceStatus) IsTerminal() bool {
	return s == WorkspaceStatusCleaned
}

var workspaceTransitions = map[WorkspaceStatus][]WorkspaceStatus{
	WorkspaceStatusCreating: {WorkspaceStatusReady, WorkspaceStatusFailed},
	WorkspaceStatusReady:    {WorkspaceStatusInUse, WorkspaceStatusCleaning},
	WorkspaceStatusInUse:    {WorkspaceStatusReady},
	WorkspaceStatusCleaning: {WorkspaceStatusCleaned, WorkspaceStatusFailed},
	WorkspaceStatusFailed:   {WorkspaceStatusCleaning},
}

// CanTransition reports whether s → to is a legal workspace transition.
// The use_count preconditions (READY → CLEANING and IN_USE → READY require
// use_count == 0) are enforced by the workspace manager, not here.
func (s WorkspaceStatus) CanTransition(to WorkspaceStatus) bool {
	for _, allowed := range workspaceTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RunnerState is the connection/assignment state of a remote runner.
type RunnerState string

const (
	RunnerStateDisconnected RunnerState = "disconnected"
	RunnerStateConnecting   RunnerState = "connecting"
	RunnerStateIdle         RunnerState = "idle"
	RunnerStateAssigned     RunnerState = "assigned"
	RunnerStateBusy         RunnerState = "busy"
	RunnerStateDead         RunnerState = "dead"
)

var runnerTransitions = map[RunnerState][]RunnerState{
	RunnerStateDisconnected: {RunnerStateConnecting},
	RunnerStateConnecting:   {RunnerStateIdle, RunnerStateDisconnected},
	RunnerStateIdle:         {RunnerStateAssigned, RunnerStateDisconnected, RunnerStateDead},
	RunnerStateAssigned:     {RunnerStateBusy, RunnerStateIdle, RunnerStateDead, RunnerStateDisconnected},
	RunnerStateBusy:         {RunnerStateIdle, RunnerStateDead, RunnerStateDisconnected},
	RunnerStateDead:         {RunnerStateConnecting},
}

// CanTransition reports whether s → to is a legal runner transition.
func (s RunnerState) CanTransition(to RunnerState) bool {
	for _, allowed := range runnerTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DebugState is the lifecycle state of a debug session.
type DebugState string

const (
	DebugStatePending     DebugState = "pending"
	DebugStateWaitingAtBP DebugState = "waiting_at_breakpoint"
	DebugStateConnected   DebugState = "connected"
	DebugStateEnded       DebugState = "ended"
	DebugStateTimeout     DebugState = "timeout"
)

// IsTerminal reports whether the debug session state is final.
func (s DebugState) IsTerminal() bool {
	return s == DebugStateEnded || s == DebugStateTimeout
}

var debugTransitions = map[DebugState][]DebugState{
	DebugStatePending:     {DebugStateWaitingAtBP, DebugStateEnded, DebugStateTimeout},
	DebugStateWaitingAtBP: {DebugStateConnected, DebugStateEnded, DebugStateTimeout},
	DebugStateConnected:   {DebugStateWaitingAtBP, DebugStateEnded, DebugStateTimeout},
}

// CanTransition reports whether s → to is a legal debug-session transition.
func (s DebugState) CanTransition(to DebugState) bool {
	for _, allowed := range debugTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
