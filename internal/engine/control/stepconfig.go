// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package control

import (
	"encoding/json"
	"fmt"
)

// ConfigPath is where the step config is written inside the container. The
// control process (PID 1) reads it before doing anything else.
const ConfigPath = "/workspace/.control/step.json"

// ConfigPathFor returns the per-execution config path. Concurrent steps
// share the workspace volume, so each execution gets its own file.
func ConfigPathFor(stepExecutionID string) string {
	return "/workspace/.control/step-" + stepExecutionID + ".json"
}

// ConfigFileMode keeps the token out of reach of non-root step commands.
const ConfigFileMode int64 = 0400

// StepConfig is the handshake document between engine and control process.
type StepConfig struct {
	StepExecutionID string            `json:"step_execution_id"`
	StepID          string            `json:"step_id"`
	RunID           string            `json:"run_id"`
	Name            string            `json:"name"`
	Command         string            `json:"command"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`

	// BackendURL and Token authenticate the control callbacks.
	BackendURL string `json:"backend_url"`
	Token      string `json:"token"`

	// Log batching knobs for the control process.
	LogBatchLines    int `json:"log_batch_lines"`
	LogBatchInterval int `json:"log_batch_interval_seconds"`
}

// Render serializes the config for writing into the container.
func (c *StepConfig) Render() (string, error) {
	if c.StepExecutionID == "" || c.Token == "" || c.BackendURL == "" {
		return "", fmt.Errorf("step config missing execution id, token or backend url")
	}
	if c.LogBatchLines <= 0 {
		c.LogBatchLines = 10
	}
	if c.LogBatchInterval <= 0 {
		c.LogBatchInterval = 1
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render step config: %w", err)
	}
	return string(data), nil
}

// ParseStepConfig reads a rendered config, for the control binary.
func ParseStepConfig(data []byte) (*StepConfig, error) {
	var cfg StepConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse step config: %w", err)
	}
	if cfg.StepExecutionID == "" || cfg.Token == "" || cfg.BackendURL == "" {
		return nil, fmt.Errorf("step config missing execution id, token or backend url")
	}
	return &cfg, nil
}
