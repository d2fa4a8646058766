// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/lazyaf/lazyaf/pkg/containers/models"
)

// Runtime defines what the engine needs from the container daemon
type Runtime interface {
	CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	KillContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*models.Container, error)
	ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error)
	WaitContainer(ctx context.Context, containerID string) (int, error)
	StreamLogs(ctx context.Context, containerID string, since time.Time, follow bool) (io.ReadCloser, error)
	ExecContainer(ctx context.Context, containerID string, cmd []string, workDir string) (*models.ExecResult, error)
	WriteToContainer(ctx context.Context, containerID string, content string, dstPath string, mode int64) error
	EnsureImage(ctx context.Context, ref string) error
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	ListVolumesByLabels(ctx context.Context, labels map[string]string) ([]string, error)
	Close() error
}

// Client implements Runtime against a real Docker daemon
type Client struct {
	docker *client.Client
}

// Compile-time check that Client implements Runtime
var _ Runtime = (*Client)(nil)

// NewClient creates a new Docker client using default environment settings
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a new Docker client with a specific host.
// If dockerHost is empty, uses environment variables (FromEnv)
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt

	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker: dockerClient,
	}, nil
}

// CreateContainer creates a new container from the given configuration
func (c *Client) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	portBindings := nat.PortMap{}
	exposedPorts := nat.PortSet{}
	for _, port := range config.Ports {
		containerPort := nat.Port(fmt.Sprintf("%d/%s", port.ContainerPort, port.Protocol))
		hostBinding := nat.PortBinding{
			HostPort: strconv.Itoa(port.HostPort),
		}
		portBindings[containerPort] = []nat.PortBinding{hostBinding}
		exposedPorts[containerPort] = struct{}{}
	}

	mounts := make([]mount.Mount, 0, len(config.Mounts))
	for _, m := range config.Mounts {
		mountType := mount.TypeVolume
		if m.IsBind {
			mountType = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          envMapToSlice(config.Environment),
		ExposedPorts: exposedPorts,
		WorkingDir:   config.WorkingDir,
		Cmd:          config.Command,
		Labels:       config.Labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode(config.NetworkMode),
		Resources: container.Resources{
			Memory:   config.MemoryMB * 1024 * 1024, // Memory is in bytes
			NanoCPUs: config.CPUCount * 1e9,
		},
	}

	networkingConfig := &network.NetworkingConfig{}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, nil, config.Name)
	if err != nil {
		return nil, classify(err, "create container")
	}

	now := time.Now()
	return &models.Container{
		ID:          resp.ID,
		Name:        config.Name,
		Image:       config.Image,
		Status:      models.StatusCreated,
		Environment: config.Environment,
		Mounts:      config.Mounts,
		Ports:       config.Ports,
		Labels:      config.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// StartContainer starts an existing container
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classify(err, "start container")
	}
	return nil
}

// StopContainer stops a running container
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var timeoutSeconds *int
	if timeout != nil {
		seconds := int(timeout.Seconds())
		timeoutSeconds = &seconds
	}
	if err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds}); err != nil {
		return classify(err, "stop container")
	}
	return nil
}

// RemoveContainer removes a container. Removing an already removed container
// is not an error.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return classify(err, "remove container")
	}
	return nil
}

// KillContainer sends SIGKILL to a container. Killing a missing container is
// not an error, for idempotency.
func (c *Client) KillContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerKill(ctx, containerID, "SIGKILL")
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classify(err, "kill container")
	}
	return nil
}

// InspectContainer gets detailed information about a container
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	resp, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, classify(err, "inspect container")
	}

	status := models.StatusCreated
	var exitCode *int
	if resp.State.Running {
		status = models.StatusRunning
	} else if resp.State.Dead || resp.State.OOMKilled {
		status = models.StatusFailed
		ec := resp.State.ExitCode
		exitCode = &ec
	} else if resp.State.Status == "exited" {
		status = models.StatusStopped
		ec := resp.State.ExitCode
		exitCode = &ec
	}

	var mounts []models.Mount
	for _, m := range resp.Mounts {
		mounts = append(mounts, models.Mount{
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: !m.RW,
			IsBind:   m.Type == mount.TypeBind,
		})
	}

	var ports []models.PortMapping
	for port, bindings := range resp.NetworkSettings.Ports {
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			containerPort, _ := strconv.Atoi(port.Port())
			ports = append(ports, models.PortMapping{
				HostPort:      hostPort,
				ContainerPort: containerPort,
				Protocol:      port.Proto(),
			})
		}
	}

	createdTime, _ := time.Parse(time.RFC3339Nano, resp.Created)

	return &models.Container{
		ID:          resp.ID,
		Name:        resp.Name,
		Image:       resp.Config.Image,
		Status:      status,
		Environment: envSliceToMap(resp.Config.Env),
		Mounts:      mounts,
		Ports:       ports,
		Labels:      resp.Config.Labels,
		ExitCode:    exitCode,
		CreatedAt:   createdTime,
		UpdatedAt:   time.Now(),
	}, nil
}

// ListContainersByLabels lists containers filtered by labels
func (c *Client) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, classify(err, "list containers")
	}

	result := make([]*models.Container, 0, len(containers))
	for _, listed := range containers {
		inspected, err := c.InspectContainer(ctx, listed.ID)
		if err != nil {
			// Skip containers removed between list and inspect
			continue
		}
		result = append(result, inspected)
	}

	return result, nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int, error) {
	waitCh, errCh := c.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return -1, classify(fmt.Errorf("%s", resp.Error.Message), "wait container")
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return -1, classify(err, "wait container")
	}
}

// StreamLogs returns the container's log stream. The stream is multiplexed
// in Docker's stdcopy framing; callers demux with stdcopy.StdCopy.
func (c *Client) StreamLogs(ctx context.Context, containerID string, since time.Time, follow bool) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if !since.IsZero() {
		opts.Since = since.Format(time.RFC3339Nano)
	}
	reader, err := c.docker.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, classify(err, "stream logs")
	}
	return reader, nil
}

// ExecContainer executes a command in a running container
func (c *Client) ExecContainer(ctx context.Context, containerID string, cmd []string, workDir string) (*models.ExecResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, classify(err, "create exec")
	}

	hijackedResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify(err, "attach exec")
	}
	defer hijackedResp.Close()

	// Docker multiplexes stdout and stderr; everything lands in stdout here.
	var stdout strings.Builder
	if _, err := io.Copy(&stdout, hijackedResp.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspectResp, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, classify(err, "inspect exec")
	}

	return &models.ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
	}, nil
}

// WriteToContainer writes string content to a container file with the given
// mode. Used for step config files that must not be world-readable.
func (c *Client) WriteToContainer(ctx context.Context, containerID string, content string, dstPath string, mode int64) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: filepath.Base(dstPath),
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to write content to tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	destDir := filepath.Dir(dstPath)
	if err := c.docker.CopyToContainer(ctx, containerID, destDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return classify(err, "copy content to container")
	}
	return nil
}

// EnsureImage pulls the image when it is not already present.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.docker.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(err, "pull image")
	}
	defer reader.Close()

	// The pull happens while the response body is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return classify(err, "pull image")
	}
	return nil
}

// CreateVolume creates a named volume. Creating an existing volume is a
// no-op on the daemon side.
func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return classify(err, "create volume")
	}
	return nil
}

// RemoveVolume removes a named volume. A missing volume is not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	err := c.docker.VolumeRemove(ctx, name, force)
	if err != nil && !client.IsErrNotFound(err) {
		return classify(err, "remove volume")
	}
	return nil
}

// ListVolumesByLabels returns the names of volumes matching all labels.
func (c *Client) ListVolumesByLabels(ctx context.Context, labels map[string]string) ([]string, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	resp, err := c.docker.VolumeList(ctx, volume.ListOptions{Filters: filterArgs})
	if err != nil {
		return nil, classify(err, "list volumes")
	}
	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		names = append(names, v.Name)
	}
	return names, nil
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// Helper functions
func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

func envSliceToMap(envSlice []string) map[string]string {
	envMap := make(map[string]string)
	for _, env := range envSlice {
		if i := strings.IndexByte(env, '='); i > 0 {
			envMap[env[:i]] = env[i+1:]
		}
	}
	return envMap
}
