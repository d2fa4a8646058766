// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace manages the per-run shared volume: creation and git
// population, shared/exclusive leases while steps execute, and cleanup once
// the run is terminal.
package workspace

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/logger"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

var (
	wsLog     *zerolog.Logger
	wsLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	wsLogOnce.Do(func() {
		l := logger.GetWorkspaceLogger()
		wsLog = &l
	})
	return wsLog
}

// WorkspaceMount is where the shared volume appears inside step containers.
const WorkspaceMount = "/workspace"

// Subdirectories prepared at creation. home persists agent state across
// steps; .control carries the step config handshake.
const (
	HomeDir    = WorkspaceMount + "/home"
	ControlDir = WorkspaceMount + "/.control"
	RepoDir    = WorkspaceMount + "/repo"
)

// Branch and commit values are interpolated into the setup script; restrict
// them to plain git ref characters.
var safeRefRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/\-]*$`)

// Manager owns workspace rows, their volumes, and the in-process lock table.
type Manager struct {
	db         *database.GormDB
	containers *service.Service
	cfg        *config.AppConfig
	clk        clock.Clock
	locks      *lockTable
}

// NewManager creates a workspace manager.
func NewManager(db *database.GormDB, containers *service.Service, cfg *config.AppConfig, clk clock.Clock) *Manager {
	return &Manager{
		db:         db,
		containers: containers,
		cfg:        cfg,
		clk:        clk,
		locks:      newLockTable(),
	}
}

// Lease is a granted workspace lock plus the loaded row. Release must be
// called exactly once.
type Lease struct {
	Workspace *models.Workspace

	mgr      *Manager
	mode     LockMode
	released bool
	mu       sync.Mutex
}

// Create provisions the volume for a run and populates it from the
// repository at the pinned branch/commit. Idempotent per run: an existing
// workspace row is returned as-is.
func (m *Manager) Create(ctx context.Context, run *models.PipelineRun, repo *models.Repository) (*models.Workspace, error) {
	if existing, err := m.db.GetWorkspaceByRunID(ctx, run.ID); err == nil {
		return existing, nil
	} else if !enginerr.IsNotFound(err) {
		return nil, err
	}

	now := m.clk.Now()
	ws := &models.Workspace{
		ID:             clock.WorkspaceID(run.ID),
		PipelineRunID:  run.ID,
		Status:         models.WorkspaceStatusCreating,
		VolumeName:     clock.VolumeName(run.ID),
		Branch:         run.Branch,
		CommitSHA:      run.CommitSHA,
		LastActivityAt: now,
	}
	if repo != nil {
		ws.RepoID = repo.ID
	}
	if err := m.db.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to create workspace row: %w", err)
	}

	getLog().Info().
		Str("workspace_id", ws.ID).
		Str("run_id", run.ID).
		Str("volume", ws.VolumeName).
		Msg("Creating workspace")

	if err := m.populate(ctx, ws, repo); err != nil {
		ws.Status = models.WorkspaceStatusFailed
		if saveErr := m.db.SaveWorkspace(ctx, ws); saveErr != nil {
			getLog().Error().Err(saveErr).Str("workspace_id", ws.ID).Msg("Failed to mark workspace failed")
		}
		return nil, err
	}

	ws.Status = models.WorkspaceStatusReady
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to mark workspace ready: %w", err)
	}
	return ws, nil
}

// populate creates the volume and runs a one-shot setup container that
// clones the repository and prepares the standard directories.
func (m *Manager) populate(ctx context.Context, ws *models.Workspace, repo *models.Repository) error {
	labels := map[string]string{
		containermodels.LabelManaged:   "true",
		containermodels.LabelRunID:     ws.PipelineRunID,
		containermodels.LabelWorkspace: ws.ID,
	}
	if err := m.containers.CreateVolume(ctx, ws.VolumeName, labels); err != nil {
		return fmt.Errorf("failed to create workspace volume: %w", err)
	}

	script, err := m.setupScript(ws, repo)
	if err != nil {
		return err
	}

	cfg := containermodels.ContainerConfig{
		Name:  "lazyaf-setup-" + clock.RunIDPrefix(ws.PipelineRunID),
		Image: m.cfg.Container.BaseImage,
		Mounts: []containermodels.Mount{
			{Source: ws.VolumeName, Target: WorkspaceMount},
		},
		Command:     []string{"sh", "-ec", script},
		Labels:      containermodels.ManagedLabels(ws.PipelineRunID, "", "clone"),
		NetworkMode: m.cfg.Container.NetworkMode,
	}
	if repo != nil {
		// The repository store is bind-mounted read-only; the clone is local.
		cfg.Mounts = append(cfg.Mounts, containermodels.Mount{
			Source:   m.cfg.Container.WorkspaceDir + "/" + repo.ID,
			Target:   "/repo",
			ReadOnly: true,
			IsBind:   true,
		})
	}

	created, err := m.containers.CreateContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create setup container: %w", err)
	}
	defer func() {
		if err := m.containers.RemoveContainer(context.WithoutCancel(ctx), created.ID, true); err != nil {
			getLog().Warn().Err(err).Str("container_id", created.ID).Msg("Failed to remove setup container")
		}
	}()

	if err := m.containers.StartContainer(ctx, created.ID); err != nil {
		return fmt.Errorf("failed to start setup container: %w", err)
	}
	exitCode, err := m.containers.WaitContainer(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("setup container wait failed: %w", err)
	}
	if exitCode != 0 {
		return enginerr.New(enginerr.KindFatal, "workspace setup exited with code %d", exitCode)
	}
	return nil
}

func (m *Manager) setupScript(ws *models.Workspace, repo *models.Repository) (string, error) {
	var b strings.Builder
	b.WriteString("mkdir -p " + HomeDir + " " + ControlDir + "\n")
	b.WriteString("chmod 700 " + ControlDir + "\n")

	if repo != nil {
		branch := ws.Branch
		if branch == "" {
			branch = repo.DefaultBranch
		}
		if branch != "" && !safeRefRegex.MatchString(branch) {
			return "", enginerr.New(enginerr.KindFatal, "unsafe branch name %q", branch)
		}
		if ws.CommitSHA != "" && !safeRefRegex.MatchString(ws.CommitSHA) {
			return "", enginerr.New(enginerr.KindFatal, "unsafe commit sha %q", ws.CommitSHA)
		}

		if branch != "" {
			fmt.Fprintf(&b, "git clone --branch %s /repo %s\n", branch, RepoDir)
		} else {
			fmt.Fprintf(&b, "git clone /repo %s\n", RepoDir)
		}
		if ws.CommitSHA != "" {
			fmt.Fprintf(&b, "git -C %s checkout --detach %s\n", RepoDir, ws.CommitSHA)
		}
	} else {
		b.WriteString("mkdir -p " + RepoDir + "\n")
	}
	return b.String(), nil
}

// Acquire grants a lease on the run's workspace. Shared leases stack;
// use_count tracks active holders and drives READY ⇄ IN_USE.
func (m *Manager) Acquire(ctx context.Context, runID string, mode LockMode) (*Lease, error) {
	ws, err := m.db.GetWorkspaceByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := m.locks.Acquire(ctx, ws.ID, mode); err != nil {
		return nil, err
	}

	err = m.db.Atomic(ctx, func(ctx context.Context) error {
		ws, err = m.db.GetWorkspaceByRunID(ctx, runID)
		if err != nil {
			return err
		}
		switch ws.Status {
		case models.WorkspaceStatusReady:
			ws.Status = models.WorkspaceStatusInUse
		case models.WorkspaceStatusInUse:
		default:
			return enginerr.New(enginerr.KindConflict, "workspace %s is %s, cannot acquire", ws.ID, ws.Status)
		}
		ws.UseCount++
		ws.LastActivityAt = m.clk.Now()
		return m.db.SaveWorkspace(ctx, ws)
	})
	if err != nil {
		m.locks.Release(ws.ID, mode)
		return nil, err
	}

	return &Lease{Workspace: ws, mgr: m, mode: mode}, nil
}

// Release ends the lease. The last holder moves the workspace back to READY.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	defer l.mgr.locks.Release(l.Workspace.ID, l.mode)

	return l.mgr.db.Atomic(ctx, func(ctx context.Context) error {
		ws, err := l.mgr.db.GetWorkspace(ctx, l.Workspace.ID)
		if err != nil {
			return err
		}
		if ws.UseCount > 0 {
			ws.UseCount--
		}
		if ws.UseCount == 0 && ws.Status == models.WorkspaceStatusInUse {
			ws.Status = models.WorkspaceStatusReady
		}
		ws.LastActivityAt = l.mgr.clk.Now()
		return l.mgr.db.SaveWorkspace(ctx, ws)
	})
}

// Touch refreshes the workspace's activity timestamp.
func (m *Manager) Touch(ctx context.Context, workspaceID string) error {
	ws, err := m.db.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	ws.LastActivityAt = m.clk.Now()
	return m.db.SaveWorkspace(ctx, ws)
}

// Cleanup removes the run's volume. Requires no active leases; an in-use
// workspace is a conflict, not a wait.
func (m *Manager) Cleanup(ctx context.Context, runID string) error {
	ws, err := m.db.GetWorkspaceByRunID(ctx, runID)
	if err != nil {
		if enginerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	return m.cleanupWorkspace(ctx, ws)
}

func (m *Manager) cleanupWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.Status == models.WorkspaceStatusCleaned {
		return nil
	}

	if err := m.locks.Acquire(ctx, ws.ID, LockExclusive); err != nil {
		return err
	}
	defer m.locks.Release(ws.ID, LockExclusive)

	err := m.db.Atomic(ctx, func(ctx context.Context) error {
		current, err := m.db.GetWorkspace(ctx, ws.ID)
		if err != nil {
			return err
		}
		if current.Status == models.WorkspaceStatusCleaned {
			return nil
		}
		if current.UseCount != 0 {
			return enginerr.New(enginerr.KindConflict, "workspace %s has %d active leases", ws.ID, current.UseCount)
		}
		if !current.Status.CanTransition(models.WorkspaceStatusCleaning) {
			return enginerr.New(enginerr.KindConflict, "workspace %s is %s, cannot clean", ws.ID, current.Status)
		}
		current.Status = models.WorkspaceStatusCleaning
		return m.db.SaveWorkspace(ctx, current)
	})
	if err != nil {
		return err
	}

	if err := m.containers.RemoveVolume(ctx, ws.VolumeName, true); err != nil {
		ws.Status = models.WorkspaceStatusFailed
		_ = m.db.SaveWorkspace(ctx, ws)
		return fmt.Errorf("failed to remove workspace volume %s: %w", ws.VolumeName, err)
	}

	ws.Status = models.WorkspaceStatusCleaned
	ws.UseCount = 0
	if err := m.db.SaveWorkspace(ctx, ws); err != nil {
		return err
	}
	getLog().Info().Str("workspace_id", ws.ID).Msg("Workspace cleaned")
	return nil
}

// GCOrphans removes workspaces whose run already reached a terminal state,
// and engine-labelled volumes with no workspace row at all. Run at startup
// after orphan recovery.
func (m *Manager) GCOrphans(ctx context.Context) error {
	candidates, err := m.db.ListWorkspacesByStatus(ctx, []models.WorkspaceStatus{
		models.WorkspaceStatusCreating,
		models.WorkspaceStatusReady,
		models.WorkspaceStatusInUse,
		models.WorkspaceStatusCleaning,
		models.WorkspaceStatusFailed,
	})
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(candidates))
	for i := range candidates {
		ws := &candidates[i]
		known[ws.VolumeName] = true

		run, err := m.db.GetPipelineRun(ctx, ws.PipelineRunID)
		if err != nil && !enginerr.IsNotFound(err) {
			return err
		}
		if err == nil && !run.Status.IsTerminal() {
			continue
		}

		// A stale lease from a dead process holds no lock in this table;
		// reset the count so cleanup can proceed.
		if ws.UseCount != 0 || ws.Status == models.WorkspaceStatusInUse {
			ws.UseCount = 0
			ws.Status = models.WorkspaceStatusReady
			if err := m.db.SaveWorkspace(ctx, ws); err != nil {
				return err
			}
		}
		if err := m.cleanupWorkspace(ctx, ws); err != nil {
			getLog().Warn().Err(err).Str("workspace_id", ws.ID).Msg("Orphan workspace cleanup failed")
		}
	}

	volumes, err := m.containers.ListManagedVolumes(ctx)
	if err != nil {
		return err
	}
	for _, name := range volumes {
		if known[name] {
			continue
		}
		if ws, err := m.db.GetWorkspaceByVolume(ctx, name); err == nil && !ws.Status.IsTerminal() {
			continue
		}
		if err := m.containers.RemoveVolume(ctx, name, true); err != nil {
			getLog().Warn().Err(err).Str("volume", name).Msg("Orphan volume removal failed")
		} else {
			getLog().Info().Str("volume", name).Msg("Removed orphan volume")
		}
	}
	return nil
}

// StaleBefore reports workspaces idle since before the cutoff, for the
// retention sweeper.
func (m *Manager) StaleBefore(ctx context.Context, cutoff time.Time) ([]models.Workspace, error) {
	ready, err := m.db.ListWorkspacesByStatus(ctx, []models.WorkspaceStatus{
		models.WorkspaceStatusReady,
		models.WorkspaceStatusFailed,
	})
	if err != nil {
		return nil, err
	}
	var stale []models.Workspace
	for _, ws := range ready {
		if ws.LastActivityAt.Before(cutoff) {
			stale = append(stale, ws)
		}
	}
	return stale, nil
}
