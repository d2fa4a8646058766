// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// The control binary is PID 1 inside every engine-managed step container.
// It reads its step config, reports running, heartbeats, runs the user
// command with batched log streaming, posts the terminal status, and exits
// with the command's exit code.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lazyaf/lazyaf/internal/engine/control"
)

const (
	configPathEnv     = "LAZYAF_STEP_CONFIG"
	heartbeatInterval = 10 * time.Second
	// livenessWindow is how far a heartbeat pushes timeout_at when the step
	// has no explicit timeout: miss three heartbeats and the sweeper fires.
	livenessWindow = 30
	retryMaxWait   = 30 * time.Second
	retryBudget    = 5 * time.Minute
)

func main() {
	path := os.Getenv(configPathEnv)
	if path == "" {
		path = control.ConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "control: cannot read step config %s: %v\n", path, err)
		os.Exit(1)
	}
	cfg, err := control.ParseStepConfig(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "control: %v\n", err)
		os.Exit(1)
	}

	c := &client{
		base:  cfg.BackendURL,
		token: cfg.Token,
		http:  &http.Client{Timeout: 15 * time.Second},
		step:  cfg.StepExecutionID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The backend must know we are running before the command starts; if it
	// is unreachable past the retry budget the execution is better off
	// failing here and being settled by orphan recovery.
	if err := c.postStatus(ctx, "running", nil, ""); err != nil {
		fmt.Fprintf(os.Stderr, "control: running report failed: %v\n", err)
		os.Exit(1)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		c.heartbeatLoop(hbCtx, cfg.TimeoutSeconds == 0)
	}()

	exitCode, runErr := runCommand(ctx, cfg, c)

	stopHeartbeat()
	hbDone.Wait()

	status := "completed"
	errMsg := ""
	if exitCode != 0 {
		status = "failed"
		if runErr != nil {
			errMsg = runErr.Error()
		} else {
			errMsg = fmt.Sprintf("command exited with code %d", exitCode)
		}
	}
	// Terminal report uses a fresh context; a SIGTERM that killed the
	// command must not also cancel the report of that fact.
	if err := c.postStatus(context.Background(), status, &exitCode, errMsg); err != nil {
		fmt.Fprintf(os.Stderr, "control: terminal report failed: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// runCommand executes the configured command and streams its output. The
// returned exit code is the command's, or 1 when it could not run at all.
func runCommand(ctx context.Context, cfg *control.StepConfig, c *client) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 1, err
	}

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to start command: %w", err)
	}

	batcher := newLogBatcher(c, cfg.LogBatchLines, time.Duration(cfg.LogBatchInterval)*time.Second)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); batcher.consume(stdout, "stdout") }()
	go func() { defer wg.Done(); batcher.consume(stderr, "stderr") }()

	wg.Wait()
	batcher.close()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}

// --- backend client ---

type client struct {
	base  string
	token string
	http  *http.Client
	step  string
}

type logLine struct {
	Content string `json:"content"`
	Stream  string `json:"stream,omitempty"`
}

func (c *client) postStatus(ctx context.Context, status string, exitCode *int, errMsg string) error {
	return c.post(ctx, "/status", map[string]any{
		"status":    status,
		"exit_code": exitCode,
		"error":     errMsg,
		"timestamp": time.Now().UTC(),
	})
}

func (c *client) postLogs(ctx context.Context, lines []logLine) error {
	return c.post(ctx, "/logs", map[string]any{"lines": lines})
}

func (c *client) heartbeatLoop(ctx context.Context, extendTimeout bool) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := map[string]any{"timestamp": time.Now().UTC()}
			if extendTimeout {
				body["extend_seconds"] = livenessWindow
			}
			if err := c.post(ctx, "/heartbeat", body); err != nil {
				// A conflict means the execution was settled elsewhere;
				// anything else gets another chance next tick.
				fmt.Fprintf(os.Stderr, "control: heartbeat failed: %v\n", err)
			}
		}
	}
}

// post sends one control callback with exponential backoff. 4xx responses
// are permanent; network errors and 5xx retry until the budget runs out.
func (c *client) post(ctx context.Context, suffix string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := c.base + "/api/steps/" + c.step + suffix

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = retryMaxWait
	policy.MaxElapsedTime = retryBudget

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%s returned %d", suffix, resp.StatusCode))
		default:
			return fmt.Errorf("%s returned %d", suffix, resp.StatusCode)
		}
	}, backoff.WithContext(policy, ctx))
}

// --- log batching ---

// logBatcher accumulates output lines and flushes when the batch is full or
// the interval elapses, whichever comes first.
type logBatcher struct {
	c        *client
	maxLines int
	interval time.Duration

	mu    sync.Mutex
	lines []logLine
	flush chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

func newLogBatcher(c *client, maxLines int, interval time.Duration) *logBatcher {
	if maxLines <= 0 {
		maxLines = 10
	}
	if interval <= 0 {
		interval = time.Second
	}
	b := &logBatcher{
		c:        c,
		maxLines: maxLines,
		interval: interval,
		flush:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *logBatcher) consume(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.add(logLine{Content: scanner.Text(), Stream: stream})
	}
}

func (b *logBatcher) add(line logLine) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	full := len(b.lines) >= b.maxLines
	b.mu.Unlock()

	if full {
		select {
		case b.flush <- struct{}{}:
		default:
		}
	}
}

func (b *logBatcher) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushNow()
		case <-b.flush:
			b.flushNow()
		case <-b.done:
			b.flushNow()
			return
		}
	}
}

func (b *logBatcher) flushNow() {
	b.mu.Lock()
	batch := b.lines
	b.lines = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := b.c.postLogs(context.Background(), batch); err != nil {
		fmt.Fprintf(os.Stderr, "control: log flush failed: %v\n", err)
	}
}

// close flushes the remainder and stops the background loop.
func (b *logBatcher) close() {
	close(b.done)
	b.wg.Wait()
}
