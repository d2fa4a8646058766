// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	"github.com/lazyaf/lazyaf/pkg/containers/events"
	"github.com/lazyaf/lazyaf/pkg/containers/models"
)

func newTestService() (*Service, *docker.MockRuntime, *events.MockPublisher) {
	runtime := &docker.MockRuntime{}
	publisher := &events.MockPublisher{}
	publisher.On("Publish", mock.Anything).Return(nil).Maybe()
	return NewServiceWithRuntime(runtime, publisher), runtime, publisher
}

func stepConfig() models.ContainerConfig {
	return models.ContainerConfig{
		Name:   "lazyaf-step-abc12345",
		Image:  "lazyaf-base:latest",
		Labels: models.ManagedLabels("run-1", "exec-1", "step"),
		Mounts: []models.Mount{
			{Source: "lazyaf-ws-abc12345", Target: "/workspace"},
		},
		Environment: map[string]string{"NODE_ENV": "test"},
	}
}

func TestCreateContainer_PullsImageAndPublishes(t *testing.T) {
	svc, runtime, publisher := newTestService()
	ctx := context.Background()
	cfg := stepConfig()

	runtime.On("EnsureImage", ctx, cfg.Image).Return(nil)
	runtime.On("CreateContainer", ctx, cfg).Return(&models.Container{
		ID:    "c1",
		Name:  cfg.Name,
		Image: cfg.Image,
	}, nil)

	created, err := svc.CreateContainer(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "c1", created.ID)

	runtime.AssertExpectations(t)
	publisher.AssertCalled(t, "Publish", mock.MatchedBy(func(ev events.Event) bool {
		return ev.Type == events.ContainerCreated
	}))
}

func TestCreateContainer_RejectsBadLabels(t *testing.T) {
	svc, runtime, _ := newTestService()
	cfg := stepConfig()
	cfg.Labels = map[string]string{"Not.Valid.Key!": "x"}

	_, err := svc.CreateContainer(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid container labels")
	runtime.AssertNotCalled(t, "CreateContainer", mock.Anything, mock.Anything)
}

func TestCreateContainer_PullFailurePublishesFailedEvent(t *testing.T) {
	svc, runtime, publisher := newTestService()
	ctx := context.Background()
	cfg := stepConfig()

	runtime.On("EnsureImage", ctx, cfg.Image).Return(assert.AnError)

	_, err := svc.CreateContainer(ctx, cfg)
	require.Error(t, err)

	publisher.AssertCalled(t, "Publish", mock.MatchedBy(func(ev events.Event) bool {
		return ev.Type == events.ContainerFailed
	}))
}

func TestWaitContainer_PublishesExitCode(t *testing.T) {
	svc, runtime, publisher := newTestService()
	ctx := context.Background()

	runtime.On("WaitContainer", ctx, "c1").Return(3, nil)

	exitCode, err := svc.WaitContainer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, exitCode)

	publisher.AssertCalled(t, "Publish", mock.MatchedBy(func(ev events.Event) bool {
		if ev.Type != events.ContainerStopped {
			return false
		}
		payload, ok := ev.Data["payload"].(events.ContainerStoppedEvent)
		return ok && payload.ExitCode == 3
	}))
}

func TestKillContainer(t *testing.T) {
	svc, runtime, publisher := newTestService()
	ctx := context.Background()

	runtime.On("KillContainer", ctx, "c1").Return(nil)

	require.NoError(t, svc.KillContainer(ctx, "c1"))
	publisher.AssertCalled(t, "Publish", mock.MatchedBy(func(ev events.Event) bool {
		if ev.Type != events.ContainerStopped {
			return false
		}
		payload, ok := ev.Data["payload"].(events.ContainerStoppedEvent)
		return ok && payload.ExitCode == 137
	}))
}

func TestCreateVolume_PublishesEvent(t *testing.T) {
	svc, runtime, publisher := newTestService()
	ctx := context.Background()
	labels := map[string]string{
		models.LabelManaged: "true",
		models.LabelRunID:   "run-1",
	}

	runtime.On("CreateVolume", ctx, "lazyaf-ws-abc12345", labels).Return(nil)

	require.NoError(t, svc.CreateVolume(ctx, "lazyaf-ws-abc12345", labels))
	publisher.AssertCalled(t, "Publish", mock.MatchedBy(func(ev events.Event) bool {
		return ev.Type == events.VolumeCreated
	}))
}

func TestListManaged_AddsManagedLabel(t *testing.T) {
	svc, runtime, _ := newTestService()
	ctx := context.Background()

	runtime.On("ListContainersByLabels", ctx, map[string]string{
		models.LabelManaged: "true",
		models.LabelRunID:   "run-1",
	}).Return([]*models.Container{{ID: "c1"}}, nil)

	containers, err := svc.ListManaged(ctx, map[string]string{models.LabelRunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, containers, 1)
	runtime.AssertExpectations(t)
}

func TestStopContainer_PropagatesTimeout(t *testing.T) {
	svc, runtime, _ := newTestService()
	ctx := context.Background()
	timeout := 10 * time.Second

	runtime.On("StopContainer", ctx, "c1", &timeout).Return(nil)

	require.NoError(t, svc.StopContainer(ctx, "c1", &timeout))
	runtime.AssertExpectations(t)
}
