// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// The runner binary is a reference implementation of the runner side of the
// engine's WebSocket protocol: it registers, heartbeats, executes script
// steps with os/exec, streams logs, and reports completion. Reconnects with
// exponential backoff and keeps its runner identity across reconnects.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/remote"
)

const heartbeatInterval = 10 * time.Second

func main() {
	var (
		backendURL = flag.String("backend", "ws://localhost:8080/ws/runner", "engine runner socket URL")
		name       = flag.String("name", "", "runner name (defaults to hostname)")
		runnerType = flag.String("type", "generic", "runner type: generic, claude-code, gemini")
		labelsFlag = flag.String("labels", "", "capability labels, comma-separated key=value pairs")
		workDir    = flag.String("workdir", "", "directory steps run in (defaults to a temp dir)")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "runner"
		}
		*name = host
	}
	if *workDir == "" {
		dir, err := os.MkdirTemp("", "lazyaf-runner-")
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot create work directory")
		}
		defer os.RemoveAll(dir)
		*workDir = dir
	}

	r := &runner{
		backendURL: *backendURL,
		name:       *name,
		runnerType: *runnerType,
		labels:     parseLabels(*labelsFlag),
		workDir:    *workDir,
		log:        log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // keep reconnecting until the process is stopped

	err := backoff.Retry(func() error {
		if err := r.session(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn().Err(err).Msg("Session ended, reconnecting")
			return err
		}
		return backoff.Permanent(nil)
	}, backoff.WithContext(policy, ctx))
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Runner stopped")
		os.Exit(1)
	}
	log.Info().Msg("Runner shut down")
}

func parseLabels(s string) map[string]string {
	labels := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		if k, v, ok := strings.Cut(strings.TrimSpace(pair), "="); ok {
			labels[k] = v
		}
	}
	return labels
}

// runner holds connection-independent state; id survives reconnects so the
// engine can hand back an execution dispatched before the drop.
type runner struct {
	backendURL string
	name       string
	runnerType string
	labels     map[string]string
	workDir    string
	log        zerolog.Logger

	id string

	mu      sync.Mutex
	current string             // execution being worked, for heartbeats
	cancel  context.CancelFunc // kills the running command on abort
}

// session runs one connection from dial to disconnect.
func (r *runner) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.backendURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(f remote.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(f)
	}

	r.mu.Lock()
	claimed := r.current
	r.mu.Unlock()
	// Claiming the in-flight execution on reconnect lets the engine hand it
	// back instead of requeueing it.
	if err := send(remote.Frame{
		Type:        remote.FrameRegister,
		RunnerID:    r.id,
		Name:        r.name,
		RunnerType:  r.runnerType,
		Labels:      r.labels,
		ExecutionID: claimed,
	}); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}

	var reg remote.Frame
	if err := conn.ReadJSON(&reg); err != nil {
		return fmt.Errorf("registration read failed: %w", err)
	}
	if reg.Type != remote.FrameRegistered {
		return fmt.Errorf("expected registered frame, got %q", reg.Type)
	}
	r.id = reg.RunnerID
	r.log.Info().Str("runner_id", r.id).Msg("Registered with engine")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, send)

	// Close the socket when the process is told to stop, which unblocks the
	// read loop below.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var f remote.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		switch f.Type {
		case remote.FrameExecuteStep:
			if err := send(remote.Frame{Type: remote.FrameAck, ExecutionID: f.ExecutionID}); err != nil {
				return err
			}
			go r.execute(ctx, f, send)
		case remote.FrameAbort:
			r.log.Info().Str("execution_id", f.ExecutionID).Str("reason", f.Message).Msg("Abort received")
			r.abortCurrent(f.ExecutionID)
		case remote.FramePong:
			// liveness echo, nothing to do
		case remote.FrameError:
			r.log.Warn().Str("message", f.Message).Msg("Engine reported error")
		}
	}
}

func (r *runner) heartbeatLoop(ctx context.Context, send func(remote.Frame) error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			current := r.current
			r.mu.Unlock()
			if err := send(remote.Frame{
				Type:          remote.FrameHeartbeat,
				ExecutionID:   current,
				ExtendSeconds: int(3 * heartbeatInterval / time.Second),
			}); err != nil {
				return
			}
		}
	}
}

// execute runs one dispatched step to completion and reports the result.
func (r *runner) execute(ctx context.Context, f remote.Frame, send func(remote.Frame) error) {
	cfg := f.StepConfig
	if cfg == nil {
		msg := "execute_step carried no step config"
		send(remote.Frame{Type: remote.FrameStepComplete, ExecutionID: f.ExecutionID, Message: msg})
		return
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.TimeoutSeconds > 0 {
		cmdCtx, cancel = context.WithTimeout(cmdCtx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	r.mu.Lock()
	r.current = f.ExecutionID
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current = ""
		r.cancel = nil
		r.mu.Unlock()
	}()

	r.log.Info().Str("execution_id", f.ExecutionID).Str("step_id", cfg.StepID).Msg("Executing step")

	exitCode, errMsg := r.runCommand(cmdCtx, f.ExecutionID, cfg, send)

	complete := remote.Frame{
		Type:        remote.FrameStepComplete,
		ExecutionID: f.ExecutionID,
		ExitCode:    &exitCode,
		Message:     errMsg,
	}
	if err := send(complete); err != nil {
		r.log.Error().Err(err).Str("execution_id", f.ExecutionID).Msg("Failed to report completion")
	}
}

func (r *runner) runCommand(ctx context.Context, executionID string, cfg *control.StepConfig, send func(remote.Frame) error) (int, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Dir = r.workDir
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		if serr := send(remote.Frame{Type: remote.FrameLog, ExecutionID: executionID, Lines: string(out)}); serr != nil {
			r.log.Warn().Err(serr).Msg("Log frame failed")
		}
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), ""
		}
		return 1, err.Error()
	}
	return 0, ""
}

func (r *runner) abortCurrent(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == executionID && r.cancel != nil {
		r.cancel()
	}
}
