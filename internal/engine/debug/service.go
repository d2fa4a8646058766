// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package debug manages breakpoint sessions: debug reruns pinned to a commit,
// pausing the scheduler at breakpoints, token-gated attach into the paused
// workspace, and expiry of abandoned sessions.
package debug

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/engine/workspace"
	"github.com/lazyaf/lazyaf/internal/logger"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

var (
	dbgLog     *zerolog.Logger
	dbgLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	dbgLogOnce.Do(func() {
		l := logger.GetDebugLogger()
		dbgLog = &l
	})
	return dbgLog
}

// Attach modes.
const (
	ModeSidecar = "sidecar"
	ModeShell   = "shell"
)

// Extend limits, in minutes.
const (
	MinExtendMinutes = 1
	MaxExtendMinutes = 180
)

const sweepInterval = 30 * time.Second

// PipelineCanceller is the slice of the scheduler the debug service needs to
// abort a run.
type PipelineCanceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// verdict is what a blocked breakpoint wait resolves to.
type verdict int

const (
	verdictResume verdict = iota
	verdictAbort
)

// Service owns debug sessions and implements the scheduler's BreakpointGate.
type Service struct {
	db         *database.GormDB
	bus        *events.Bus
	containers *service.Service
	canceller  PipelineCanceller
	cfg        *config.AppConfig
	clk        clock.Clock

	mu      sync.Mutex
	waiters map[string][]chan verdict // session ID → blocked breakpoint waits
}

// NewService creates the debug service. The canceller is wired after
// construction when the scheduler depends on this service as its gate.
func NewService(db *database.GormDB, bus *events.Bus, containers *service.Service, cfg *config.AppConfig, clk clock.Clock) *Service {
	return &Service{
		db:         db,
		bus:        bus,
		containers: containers,
		cfg:        cfg,
		clk:        clk,
		waiters:    make(map[string][]chan verdict),
	}
}

// SetCanceller wires the pipeline canceller in.
func (s *Service) SetCanceller(c PipelineCanceller) { s.canceller = c }

// newToken returns a random 256-bit attach credential, hex-encoded.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate debug token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateRerun creates a new pipeline run pinned to the original run's commit
// plus a debug session over it. The caller starts run supervision; the run is
// returned in PENDING.
func (s *Service) CreateRerun(ctx context.Context, originalRunID string, breakpoints []int, timeout time.Duration) (*models.PipelineRun, *models.DebugSession, error) {
	orig, err := s.db.GetPipelineRun(ctx, originalRunID)
	if err != nil {
		return nil, nil, err
	}

	if timeout <= 0 {
		timeout = s.cfg.Debug.DefaultTimeout
	}
	if timeout > s.cfg.Debug.MaxTimeout {
		timeout = s.cfg.Debug.MaxTimeout
	}

	token, err := newToken()
	if err != nil {
		return nil, nil, err
	}

	now := s.clk.Now()
	run := &models.PipelineRun{
		ID:             clock.NewID(),
		PipelineID:     orig.PipelineID,
		Status:         models.PipelineStatusPending,
		TriggerType:    models.TriggerManual,
		TriggerContext: models.StringMap{"debug_rerun": "true"},
		OriginalRunID:  orig.ID,
		Branch:         orig.Branch,
		CommitSHA:      orig.CommitSHA,
	}
	sess := &models.DebugSession{
		ID:                clock.NewID(),
		PipelineRunID:     run.ID,
		OriginalRunID:     orig.ID,
		Status:            models.DebugStatePending,
		Breakpoints:       models.IntSlice(breakpoints),
		Token:             token,
		TimeoutSeconds:    int(timeout.Seconds()),
		MaxTimeoutSeconds: int(s.cfg.Debug.MaxTimeout.Seconds()),
		ExpiresAt:         now.Add(timeout),
	}

	err = s.db.Atomic(ctx, func(ctx context.Context) error {
		if err := s.db.CreatePipelineRun(ctx, run); err != nil {
			return err
		}
		return s.db.CreateDebugSession(ctx, sess)
	})
	if err != nil {
		return nil, nil, err
	}

	getLog().Info().
		Str("session_id", sess.ID).
		Str("run_id", run.ID).
		Str("original_run_id", orig.ID).
		Ints("breakpoints", breakpoints).
		Msg("Debug rerun created")
	return run, sess, nil
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.DebugSession, error) {
	return s.db.GetDebugSession(ctx, sessionID)
}

// CheckBreakpoint pauses the calling step goroutine while the run's session
// holds a breakpoint on stepIndex. Returns nil to proceed (no session, no
// matching breakpoint, or resumed) and an error when the session was aborted
// or timed out.
func (s *Service) CheckBreakpoint(ctx context.Context, run *models.PipelineRun, stepIndex int) error {
	sess, err := s.db.GetActiveDebugSessionForRun(ctx, run.ID)
	if err != nil {
		if enginerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !lo.Contains([]int(sess.Breakpoints), stepIndex) {
		return nil
	}

	// PENDING and CONNECTED both arm; a session already waiting (stale resume)
	// re-arms in place.
	if sess.Status.CanTransition(models.DebugStateWaitingAtBP) {
		sess.Status = models.DebugStateWaitingAtBP
	} else if sess.Status != models.DebugStateWaitingAtBP {
		return nil // Terminal session no longer gates anything
	}
	sess.CurrentStepIndex = &stepIndex
	if err := s.db.SaveDebugSession(ctx, sess); err != nil {
		return err
	}

	wait := make(chan verdict, 1)
	s.addWaiter(sess.ID, wait)

	s.broadcast(sess, "breakpoint_hit", map[string]any{"step_index": stepIndex})
	getLog().Info().
		Str("session_id", sess.ID).
		Str("run_id", run.ID).
		Int("step_index", stepIndex).
		Msg("Paused at breakpoint")

	select {
	case v := <-wait:
		if v == verdictAbort {
			return enginerr.New(enginerr.KindConflict, "debug session %s aborted at step %d", sess.ID, stepIndex)
		}
		return nil
	case <-ctx.Done():
		s.dropWaiter(sess.ID, wait)
		return enginerr.Wrap(enginerr.KindTimeout, ctx.Err(), "breakpoint wait interrupted")
	}
}

// Attach validates the token and connects a client to the paused session.
// Sidecar mode starts a disposable container over the run's workspace volume;
// shell mode targets the live step container. Returns the container ID the
// terminal should talk to.
func (s *Service) Attach(ctx context.Context, sessionID, token, mode string) (*models.DebugSession, string, error) {
	sess, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if subtle.ConstantTimeCompare([]byte(sess.Token), []byte(token)) != 1 {
		return nil, "", enginerr.New(enginerr.KindForbidden, "invalid debug token")
	}
	if sess.Status != models.DebugStateWaitingAtBP {
		return nil, "", enginerr.New(enginerr.KindConflict,
			"debug session %s is %s, attach requires a paused session", sess.ID, sess.Status)
	}

	var containerID string
	switch mode {
	case ModeSidecar:
		containerID, err = s.startSidecar(ctx, sess)
		if err != nil {
			return nil, "", err
		}
		sess.SidecarContainerID = containerID
	case ModeShell:
		containerID, err = s.liveStepContainer(ctx, sess)
		if err != nil {
			return nil, "", err
		}
	default:
		return nil, "", enginerr.New(enginerr.KindProtocol, "unknown attach mode %q", mode)
	}

	sess.Status = models.DebugStateConnected
	sess.ConnectionMode = mode
	if err := s.db.SaveDebugSession(ctx, sess); err != nil {
		return nil, "", err
	}

	s.broadcast(sess, "attached", map[string]any{"mode": mode})
	return sess, containerID, nil
}

// startSidecar runs a long-lived shell container with the workspace mounted.
func (s *Service) startSidecar(ctx context.Context, sess *models.DebugSession) (string, error) {
	ws, err := s.db.GetWorkspaceByRunID(ctx, sess.PipelineRunID)
	if err != nil {
		return "", err
	}

	created, err := s.containers.CreateContainer(ctx, containermodels.ContainerConfig{
		Name:  "lazyaf-debug-" + clock.RunIDPrefix(sess.PipelineRunID),
		Image: s.cfg.Container.BaseImage,
		Mounts: []containermodels.Mount{
			{Source: ws.VolumeName, Target: workspace.WorkspaceMount},
		},
		Command:     []string{"sleep", "infinity"},
		WorkingDir:  workspace.RepoDir,
		Labels:      containermodels.ManagedLabels(sess.PipelineRunID, "", "sidecar"),
		NetworkMode: s.cfg.Container.NetworkMode,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create debug sidecar: %w", err)
	}
	if err := s.containers.StartContainer(ctx, created.ID); err != nil {
		_ = s.containers.RemoveContainer(context.WithoutCancel(ctx), created.ID, true)
		return "", fmt.Errorf("failed to start debug sidecar: %w", err)
	}
	return created.ID, nil
}

// liveStepContainer resolves the container of the execution paused at the
// session's current breakpoint. Shell attach needs a running step; a
// breakpoint pauses BEFORE the step starts, so this only works for a step
// paused mid-run by an earlier attach, or the previous step still draining.
func (s *Service) liveStepContainer(ctx context.Context, sess *models.DebugSession) (string, error) {
	detail, err := s.db.GetPipelineRunDetail(ctx, sess.PipelineRunID)
	if err != nil {
		return "", err
	}
	for i := len(detail.StepRuns) - 1; i >= 0; i-- {
		for _, exec := range detail.StepRuns[i].Executions {
			if exec.ContainerID != "" && !exec.Status.IsTerminal() {
				return exec.ContainerID, nil
			}
		}
	}
	return "", enginerr.New(enginerr.KindNotFound, "no live step container for session %s", sess.ID)
}

// Exec runs one command inside the session's attach target. Used by the
// terminal endpoint; each command is a separate docker exec.
func (s *Service) Exec(ctx context.Context, containerID, command string) (string, int, error) {
	res, err := s.containers.ExecContainer(ctx, containerID, []string{"sh", "-c", command}, workspace.RepoDir)
	if err != nil {
		return "", 0, err
	}
	return res.Stdout + res.Stderr, res.ExitCode, nil
}

// Resume releases the current breakpoint; the step proceeds and the session
// stays active for the next one.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	sess, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case models.DebugStateWaitingAtBP, models.DebugStateConnected:
	default:
		return enginerr.New(enginerr.KindConflict, "debug session %s is %s, nothing to resume", sess.ID, sess.Status)
	}

	sess.CurrentStepIndex = nil
	if err := s.db.SaveDebugSession(ctx, sess); err != nil {
		return err
	}

	s.signal(sessionID, verdictResume)
	s.broadcast(sess, "resumed", nil)
	return nil
}

// Detach returns a connected session to waiting so the user can reattach.
// The sidecar stays up across detaches; it is only removed when the session
// ends.
func (s *Service) Detach(ctx context.Context, sessionID string) error {
	sess, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.DebugStateConnected {
		return enginerr.New(enginerr.KindConflict, "debug session %s is %s, not connected", sess.ID, sess.Status)
	}

	sess.Status = models.DebugStateWaitingAtBP
	sess.ConnectionMode = ""
	if err := s.db.SaveDebugSession(ctx, sess); err != nil {
		return err
	}
	s.broadcast(sess, "detached", nil)
	return nil
}

// Abort ends the session and cancels its pipeline run.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	sess, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return enginerr.New(enginerr.KindConflict, "debug session %s already %s", sess.ID, sess.Status)
	}
	return s.end(ctx, sess, models.DebugStateEnded, true)
}

// End closes the session without touching the run. Called when the run
// reaches a terminal state on its own.
func (s *Service) End(ctx context.Context, sessionID string) error {
	sess, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}
	return s.end(ctx, sess, models.DebugStateEnded, false)
}

// end settles a session to a terminal state, wakes blocked breakpoint waits
// with an abort verdict, removes the sidecar, and optionally cancels the run.
// The workspace the session was holding open falls to the retention sweeper.
func (s *Service) end(ctx context.Context, sess *models.DebugSession, to models.DebugState, cancelRun bool) error {
	sess.Status = to
	sess.CurrentStepIndex = nil
	if err := s.db.SaveDebugSession(ctx, sess); err != nil {
		return err
	}

	s.signal(sess.ID, verdictAbort)

	if sess.SidecarContainerID != "" {
		if err := s.containers.RemoveContainer(ctx, sess.SidecarContainerID, true); err != nil {
			getLog().Warn().Err(err).
				Str("container_id", sess.SidecarContainerID).
				Msg("Failed to remove debug sidecar")
		}
	}

	if cancelRun && s.canceller != nil {
		if err := s.canceller.CancelRun(ctx, sess.PipelineRunID); err != nil && !enginerr.IsConflict(err) {
			getLog().Warn().Err(err).Str("run_id", sess.PipelineRunID).Msg("Run cancel on session end failed")
		}
	}

	event := "ended"
	if to == models.DebugStateTimeout {
		event = "timeout"
	}
	s.broadcast(sess, event, nil)
	getLog().Info().Str("session_id", sess.ID).Str("status", string(to)).Msg("Debug session closed")
	return nil
}

// ExtendTimeout pushes the session's expiry out by 1..180 minutes, capped by
// the session's max timeout measured from creation.
func (s *Service) ExtendTimeout(ctx context.Context, sessionID string, additionalMinutes int) (*models.DebugSession, error) {
	if additionalMinutes < MinExtendMinutes || additionalMinutes > MaxExtendMinutes {
		return nil, enginerr.New(enginerr.KindProtocol,
			"extension must be between %d and %d minutes", MinExtendMinutes, MaxExtendMinutes)
	}
	sess, err := s.db.GetDebugSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, enginerr.New(enginerr.KindConflict, "debug session %s already %s", sess.ID, sess.Status)
	}

	extended := sess.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute)
	limit := sess.CreatedAt.Add(time.Duration(sess.MaxTimeoutSeconds) * time.Second)
	if extended.After(limit) {
		extended = limit
	}
	sess.ExpiresAt = extended
	if err := s.db.SaveDebugSession(ctx, sess); err != nil {
		return nil, err
	}

	s.broadcast(sess, "extended", map[string]any{"expires_at": sess.ExpiresAt})
	return sess, nil
}

// RunExpirySweeper times out expired sessions and aborts their pipelines
// until ctx is cancelled.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context) {
	sessions, err := s.db.ListExpiredDebugSessions(ctx, s.clk.Now())
	if err != nil {
		getLog().Warn().Err(err).Msg("Expired session listing failed")
		return
	}
	for i := range sessions {
		sess := &sessions[i]
		if err := s.end(ctx, sess, models.DebugStateTimeout, true); err != nil {
			getLog().Warn().Err(err).Str("session_id", sess.ID).Msg("Session expiry failed")
		}
	}
}

func (s *Service) addWaiter(sessionID string, ch chan verdict) {
	s.mu.Lock()
	s.waiters[sessionID] = append(s.waiters[sessionID], ch)
	s.mu.Unlock()
}

func (s *Service) dropWaiter(sessionID string, ch chan verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.waiters[sessionID][:0]
	for _, w := range s.waiters[sessionID] {
		if w != ch {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(s.waiters, sessionID)
	} else {
		s.waiters[sessionID] = kept
	}
}

// signal wakes every blocked wait of a session with the verdict.
func (s *Service) signal(sessionID string, v verdict) {
	s.mu.Lock()
	chans := s.waiters[sessionID]
	delete(s.waiters, sessionID)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- v
	}
}

func (s *Service) broadcast(sess *models.DebugSession, event string, extra map[string]any) {
	payload := map[string]any{
		"event":      event,
		"session_id": sess.ID,
		"status":     string(sess.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.bus.Broadcast(events.Event{
		Type:      events.TypeDebugEvent,
		RunID:     sess.PipelineRunID,
		Timestamp: s.clk.Now(),
		Payload:   payload,
	})
}
