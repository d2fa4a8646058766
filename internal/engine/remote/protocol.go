// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote dispatches step executions to external runners connected
// over WebSocket. The registry tracks connected runners, pushes work to them
// as framed JSON messages, and recovers executions held by runners that die.
package remote

import (
	"github.com/lazyaf/lazyaf/internal/engine/control"
)

// FrameType discriminates the JSON frames on a runner connection.
type FrameType string

// Runner → engine frames.
const (
	FrameRegister     FrameType = "register"
	FrameAck          FrameType = "ack"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameLog          FrameType = "log"
	FrameStepComplete FrameType = "step_complete"
)

// Engine → runner frames.
const (
	FrameRegistered  FrameType = "registered"
	FrameExecuteStep FrameType = "execute_step"
	FramePong        FrameType = "pong"
	FrameAbort       FrameType = "abort"
	FrameError       FrameType = "error"
)

// Close codes in the private-use 4000 range.
const (
	CloseRuntimeError    = 4000 // internal failure, heartbeat loss, shutdown
	CloseBadRegistration = 4001 // missing, malformed, late, or duplicate registration
	CloseIllegalState    = 4002 // frame not valid in the session's current state
	CloseSessionNotFound = 4004
)

// Frame is the single envelope for both directions. Fields are populated per
// frame type; everything else stays omitted on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// register / registered
	RunnerID   string            `json:"runner_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	RunnerType string            `json:"runner_type,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`

	// execute_step / ack / heartbeat / log / step_complete / abort
	ExecutionID  string              `json:"execution_id,omitempty"`
	ExecutionKey string              `json:"execution_key,omitempty"`
	StepConfig   *control.StepConfig `json:"step_config,omitempty"`
	VolumeName   string              `json:"volume_name,omitempty"`
	Lines        string              `json:"lines,omitempty"`
	ExitCode     *int                `json:"exit_code,omitempty"`
	Progress     string              `json:"progress,omitempty"`
	// heartbeat: pushes the execution's timeout_at forward from now.
	ExtendSeconds int `json:"extend_seconds,omitempty"`

	// error / abort
	Message string `json:"message,omitempty"`
}
