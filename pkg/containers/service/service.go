// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service wraps the container runtime with lifecycle event
// publication and label validation. The engine talks to this layer, never to
// the docker client directly.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	"github.com/lazyaf/lazyaf/pkg/containers/events"
	"github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/validation"
)

// Service manages container lifecycle and publishes events
type Service struct {
	runtime   docker.Runtime
	publisher events.Publisher
}

// NewService creates a new container service using default Docker settings
func NewService(publisher events.Publisher) (*Service, error) {
	return NewServiceWithDockerHost(publisher, "")
}

// NewServiceWithDockerHost creates a new container service with specific Docker host
func NewServiceWithDockerHost(publisher events.Publisher, dockerHost string) (*Service, error) {
	runtime, err := docker.NewClientWithHost(dockerHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewServiceWithRuntime(runtime, publisher), nil
}

// NewServiceWithRuntime creates a new container service with provided runtime
func NewServiceWithRuntime(runtime docker.Runtime, publisher events.Publisher) *Service {
	return &Service{
		runtime:   runtime,
		publisher: publisher,
	}
}

// CreateContainer validates the config, ensures the image, creates the
// container and publishes a creation event.
func (s *Service) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	if err := validation.ValidateContainerLabels(config.Labels); err != nil {
		return nil, fmt.Errorf("invalid container labels: %w", err)
	}
	if err := validation.ValidateEnvironmentVariables(config.Environment); err != nil {
		return nil, fmt.Errorf("invalid container environment: %w", err)
	}

	if err := s.runtime.EnsureImage(ctx, config.Image); err != nil {
		s.publishFailedEvent("", config.Name, "pull", err)
		return nil, err
	}

	created, err := s.runtime.CreateContainer(ctx, config)
	if err != nil {
		s.publishFailedEvent("", config.Name, "create", err)
		return nil, err
	}

	s.publishEvent(events.ContainerCreated, events.ContainerCreatedEvent{
		ContainerID:     created.ID,
		Name:            created.Name,
		Image:           created.Image,
		RunID:           config.Labels[models.LabelRunID],
		StepExecutionID: config.Labels[models.LabelStepExecutionID],
		Timestamp:       time.Now(),
	})

	return created, nil
}

// StartContainer starts an existing container and publishes start event
func (s *Service) StartContainer(ctx context.Context, containerID string) error {
	if err := s.runtime.StartContainer(ctx, containerID); err != nil {
		s.publishFailedEvent(containerID, "", "start", err)
		return err
	}

	s.publishEvent(events.ContainerStarted, events.ContainerStartedEvent{
		ContainerID: containerID,
		Timestamp:   time.Now(),
	})
	return nil
}

// StopContainer stops a running container and publishes stop event
func (s *Service) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	if err := s.runtime.StopContainer(ctx, containerID, timeout); err != nil {
		s.publishFailedEvent(containerID, "", "stop", err)
		return err
	}

	s.publishEvent(events.ContainerStopped, events.ContainerStoppedEvent{
		ContainerID: containerID,
		Timestamp:   time.Now(),
	})
	return nil
}

// KillContainer kills a container forcefully. A missing container is not an
// error.
func (s *Service) KillContainer(ctx context.Context, containerID string) error {
	if err := s.runtime.KillContainer(ctx, containerID); err != nil {
		s.publishFailedEvent(containerID, "", "kill", err)
		return err
	}

	s.publishEvent(events.ContainerStopped, events.ContainerStoppedEvent{
		ContainerID: containerID,
		ExitCode:    137, // SIGKILL
		Timestamp:   time.Now(),
	})
	return nil
}

// RemoveContainer removes a container and publishes deletion event
func (s *Service) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if err := s.runtime.RemoveContainer(ctx, containerID, force); err != nil {
		s.publishFailedEvent(containerID, "", "remove", err)
		return err
	}

	s.publishEvent(events.ContainerDeleted, events.ContainerDeletedEvent{
		ContainerID: containerID,
		Timestamp:   time.Now(),
	})
	return nil
}

// GetContainer retrieves container information from the daemon
func (s *Service) GetContainer(ctx context.Context, containerID string) (*models.Container, error) {
	return s.runtime.InspectContainer(ctx, containerID)
}

// ListManaged lists engine-owned containers, optionally narrowed by extra
// labels.
func (s *Service) ListManaged(ctx context.Context, extra map[string]string) ([]*models.Container, error) {
	labels := map[string]string{models.LabelManaged: "true"}
	for k, v := range extra {
		labels[k] = v
	}
	return s.runtime.ListContainersByLabels(ctx, labels)
}

// WaitContainer blocks until the container exits and returns its exit code.
func (s *Service) WaitContainer(ctx context.Context, containerID string) (int, error) {
	exitCode, err := s.runtime.WaitContainer(ctx, containerID)
	if err != nil {
		return exitCode, err
	}

	s.publishEvent(events.ContainerStopped, events.ContainerStoppedEvent{
		ContainerID: containerID,
		ExitCode:    exitCode,
		Timestamp:   time.Now(),
	})
	return exitCode, nil
}

// StreamLogs returns the container's log stream in stdcopy framing.
func (s *Service) StreamLogs(ctx context.Context, containerID string, since time.Time, follow bool) (io.ReadCloser, error) {
	return s.runtime.StreamLogs(ctx, containerID, since, follow)
}

// ExecContainer executes a command in a running container
func (s *Service) ExecContainer(ctx context.Context, containerID string, cmd []string, workDir string) (*models.ExecResult, error) {
	result, err := s.runtime.ExecContainer(ctx, containerID, cmd, workDir)
	if err != nil {
		s.publishFailedEvent(containerID, "", "exec", err)
		return nil, err
	}
	return result, nil
}

// WriteToContainer writes string content to a container file with the given
// mode.
func (s *Service) WriteToContainer(ctx context.Context, containerID string, content string, dstPath string, mode int64) error {
	if err := s.runtime.WriteToContainer(ctx, containerID, content, dstPath, mode); err != nil {
		s.publishFailedEvent(containerID, "", "write-file", err)
		return err
	}
	return nil
}

// CreateVolume creates a labelled workspace volume and publishes an event.
func (s *Service) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	if err := validation.ValidateContainerLabels(labels); err != nil {
		return fmt.Errorf("invalid volume labels: %w", err)
	}
	if err := s.runtime.CreateVolume(ctx, name, labels); err != nil {
		return err
	}

	s.publishEvent(events.VolumeCreated, events.VolumeEvent{
		Name:      name,
		RunID:     labels[models.LabelRunID],
		Timestamp: time.Now(),
	})
	return nil
}

// RemoveVolume removes a workspace volume and publishes an event.
func (s *Service) RemoveVolume(ctx context.Context, name string, force bool) error {
	if err := s.runtime.RemoveVolume(ctx, name, force); err != nil {
		return err
	}

	s.publishEvent(events.VolumeDeleted, events.VolumeEvent{
		Name:      name,
		Timestamp: time.Now(),
	})
	return nil
}

// ListManagedVolumes returns engine-owned volume names.
func (s *Service) ListManagedVolumes(ctx context.Context) ([]string, error) {
	return s.runtime.ListVolumesByLabels(ctx, map[string]string{models.LabelManaged: "true"})
}

// Close closes the service and releases resources
func (s *Service) Close() error {
	return s.runtime.Close()
}

// Helper methods

func (s *Service) publishEvent(eventType events.EventType, data interface{}) {
	if s.publisher == nil {
		return
	}

	event := events.Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"payload": data},
	}

	_ = s.publisher.Publish(event)
}

func (s *Service) publishFailedEvent(containerID, containerName, operation string, err error) {
	s.publishEvent(events.ContainerFailed, events.ContainerFailedEvent{
		ContainerID: containerID,
		Name:        containerName,
		Operation:   operation,
		Error:       err.Error(),
		Timestamp:   time.Now(),
	})
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return fmt.Sprintf("evt_%d", time.Now().UnixNano())
}
