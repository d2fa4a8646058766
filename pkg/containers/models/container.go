// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// ContainerStatus represents the current state of a container
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
	StatusFailed  ContainerStatus = "failed"
	StatusDeleted ContainerStatus = "deleted"
)

// Labels applied to everything the engine creates, so orphan sweeps can find
// engine-owned containers and volumes without guessing by name.
const (
	LabelManaged         = "lazyaf.managed"
	LabelRunID           = "lazyaf.run_id"
	LabelStepExecutionID = "lazyaf.step_execution_id"
	LabelWorkspace       = "lazyaf.workspace"
	LabelRole            = "lazyaf.role" // step | clone | sidecar | debug-shell
)

// ManagedLabels builds the standard label set for an engine-owned container.
func ManagedLabels(runID, stepExecutionID, role string) map[string]string {
	labels := map[string]string{
		LabelManaged: "true",
		LabelRole:    role,
	}
	if runID != "" {
		labels[LabelRunID] = runID
	}
	if stepExecutionID != "" {
		labels[LabelStepExecutionID] = stepExecutionID
	}
	return labels
}

// Container represents a step or support container managed by the engine
type Container struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Status      ContainerStatus   `json:"status"`
	Environment map[string]string `json:"environment"`
	Mounts      []Mount           `json:"mounts"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PortMapping defines port forwarding configuration. Step containers expose
// nothing; debug sidecars publish their shell port through this.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Mount attaches a named volume or a host path into a container.
type Mount struct {
	Source   string `json:"source"` // Volume name, or host path when IsBind
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
	IsBind   bool   `json:"is_bind,omitempty"`
}

// ContainerConfig holds configuration for creating a container
type ContainerConfig struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment"`
	Mounts      []Mount           `json:"mounts"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	MemoryMB    int64             `json:"memory_mb,omitempty"`
	CPUCount    int64             `json:"cpu_count,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
}

// ExecResult holds the result of executing a command in a container
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
