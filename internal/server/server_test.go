// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/debug"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/executor"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/engine/remote"
	"github.com/lazyaf/lazyaf/internal/engine/scheduler"
	"github.com/lazyaf/lazyaf/internal/engine/workspace"
	"github.com/lazyaf/lazyaf/pkg/containers/docker"
	containermodels "github.com/lazyaf/lazyaf/pkg/containers/models"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

// completeExecutor drives every attempt straight to COMPLETED through the
// control service, like a well-behaved step container would.
type completeExecutor struct {
	db  *database.GormDB
	ctl *control.Service
}

func (e *completeExecutor) Name() string { return "test" }

func (e *completeExecutor) Execute(ctx context.Context, req *executor.Request) error {
	err := e.db.UpdateExecutionStatusIfIn(ctx, req.Execution.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		models.ExecutionStatusAssigned, map[string]any{"claimant": "test"})
	if err != nil {
		return err
	}
	if err := e.ctl.ReportStatus(ctx, req.Execution.ID, control.StatusReport{Status: control.ReportRunning}); err != nil {
		return err
	}
	zero := 0
	return e.ctl.ReportStatus(ctx, req.Execution.ID, control.StatusReport{
		Status:   control.ReportCompleted,
		ExitCode: &zero,
	})
}

type serverFixture struct {
	ts     *httptest.Server
	db     *database.GormDB
	tokens *control.TokenManager
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()

	db, err := database.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "server-test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	runtime := &docker.MockRuntime{}
	runtime.On("CreateVolume", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	runtime.On("EnsureImage", mock.Anything, mock.Anything).Return(nil).Maybe()
	runtime.On("CreateContainer", mock.Anything, mock.Anything).Return(&containermodels.Container{ID: "setup-c"}, nil).Maybe()
	runtime.On("StartContainer", mock.Anything, mock.Anything).Return(nil).Maybe()
	runtime.On("WaitContainer", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	runtime.On("RemoveContainer", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	runtime.On("RemoveVolume", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	runtime.On("ListVolumesByLabels", mock.Anything, mock.Anything).Return([]string{}, nil).Maybe()

	cfg := &config.AppConfig{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Engine: config.EngineConfig{
			UseLocalExecutor:     true,
			DefaultStepTimeout:   time.Minute,
			TriggerDedupWindow:   time.Hour,
			OrphanGrace:          5 * time.Minute,
			ExecRetention:        24 * time.Hour,
			RunnerReconnectGrace: 2 * time.Minute,
			StepTokenSecret:      "server-test-secret",
		},
		Container: config.ContainerConfig{BaseImage: "lazyaf-base"},
		Debug: config.DebugConfig{
			DefaultTimeout: time.Hour,
			MaxTimeout:     4 * time.Hour,
		},
	}

	clk := clock.Real{}
	bus := events.NewBus()
	containers := service.NewServiceWithRuntime(runtime, nil)
	wsMgr := workspace.NewManager(db, containers, cfg, clk)
	ctl := control.NewService(db, bus, clk)
	tokens, err := control.NewTokenManager(cfg.Engine.StepTokenSecret, time.Hour, clk)
	require.NoError(t, err)

	registry := remote.NewRegistry(db, ctl, bus, &cfg.Engine, clk)
	router := executor.NewRouter(&cfg.Engine, registry)

	stub := &completeExecutor{db: db, ctl: ctl}
	sched := scheduler.New(db, bus, wsMgr, router, stub, nil, ctl, cfg, clk)

	dbg := debug.NewService(db, bus, containers, cfg, clk)
	dbg.SetCanceller(sched)
	sched.SetBreakpointGate(dbg)

	srv := New(&cfg.Server, db, bus, sched, ctl, tokens, dbg, remote.NewSocketServer(registry, nil))
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, db: db, tokens: tokens}
}

func (f *serverFixture) post(t *testing.T, path, contentType string, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *serverFixture) get(t *testing.T, path string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

const validPipelineYAML = `
name: build-and-test
steps:
  - step_id: build
    name: Build
    type: script
    command: "make build"
  - step_id: test
    name: Test
    type: script
    command: "make test"
    depends_on: [build]
`

func TestCreatePipeline_ValidYAML(t *testing.T) {
	f := setupServer(t)

	resp, body := f.post(t, "/api/pipelines", "application/yaml", []byte(validPipelineYAML), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "build-and-test", body["name"])
	pipelineID, _ := body["id"].(string)
	require.NotEmpty(t, pipelineID)

	resp, body = f.get(t, "/api/pipelines/"+pipelineID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "build-and-test", body["name"])
}

func TestCreatePipeline_RejectsCycle(t *testing.T) {
	f := setupServer(t)

	cyclic := `
name: broken
steps:
  - step_id: a
    type: script
    command: "true"
    depends_on: [b]
  - step_id: b
    type: script
    command: "true"
    depends_on: [a]
`
	resp, _ := f.post(t, "/api/pipelines", "application/yaml", []byte(cyclic), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerPipeline_RunsToCompletion(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()

	resp, body := f.post(t, "/api/pipelines", "application/yaml", []byte(validPipelineYAML), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pipelineID := body["id"].(string)

	trigger := []byte(`{"branch":"main","commit_sha":"abc1234"}`)
	resp, body = f.post(t, "/api/pipelines/"+pipelineID+"/trigger", "application/json", trigger, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID := body["run_id"].(string)
	assert.Equal(t, true, body["created"])

	waitUntil(t, 5*time.Second, func() bool {
		run, err := f.db.GetPipelineRun(ctx, runID)
		return err == nil && run.Status == models.PipelineStatusCompleted
	})

	// Inspection endpoints see the settled run.
	resp, body = f.get(t, "/api/pipeline-runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.PipelineStatusCompleted), body["status"])

	resp, body = f.get(t, "/api/pipeline-runs/"+runID+"/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	steps, ok := body["step_runs"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 2)
}

func TestTriggerPipeline_DeduplicatesInsideWindow(t *testing.T) {
	f := setupServer(t)

	resp, body := f.post(t, "/api/pipelines", "application/yaml", []byte(validPipelineYAML), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pipelineID := body["id"].(string)

	trigger := []byte(`{"branch":"main"}`)
	resp, first := f.post(t, "/api/pipelines/"+pipelineID+"/trigger", "application/json", trigger, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, second := f.post(t, "/api/pipelines/"+pipelineID+"/trigger", "application/json", trigger, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["run_id"], second["run_id"])
}

func TestPushWebhook_TriggersMatchingPipeline(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()

	require.NoError(t, f.db.CreateRepository(ctx, &models.Repository{
		ID: "repo-1", Name: "demo", DefaultBranch: "main",
	}))
	require.NoError(t, f.db.CreatePipeline(ctx, &models.Pipeline{
		ID:     clock.NewID(),
		Name:   "ci",
		RepoID: "repo-1",
		Steps: models.StepDefinitions{{
			StepID: "build", Type: models.StepTypeScript, Command: "true",
			OnSuccess: models.EdgeAction{Kind: models.EdgeNext},
			OnFailure: models.EdgeAction{Kind: models.EdgeStop},
		}},
		Triggers: models.TriggerSpecs{{Type: models.TriggerPush, Branches: []string{"main"}}},
	}))

	event := []byte(`{"repo_id":"repo-1","branch":"main","commit_sha":"deadbee"}`)
	resp, body := f.post(t, "/api/webhooks/push", "application/json", event, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runIDs, ok := body["run_ids"].([]any)
	require.True(t, ok)
	assert.Len(t, runIDs, 1)

	// A push to another branch matches nothing.
	other := []byte(`{"repo_id":"repo-1","branch":"feature"}`)
	resp, body = f.post(t, "/api/webhooks/push", "application/json", other, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runIDs, _ = body["run_ids"].([]any)
	assert.Empty(t, runIDs)
}

func TestCancelPipelineRun_UnknownRunIs404(t *testing.T) {
	f := setupServer(t)
	resp, _ := f.post(t, "/api/pipeline-runs/nope/cancel", "application/json", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func (f *serverFixture) seedExecution(t *testing.T) *models.StepExecution {
	t.Helper()
	ctx := context.Background()

	run := &models.PipelineRun{
		ID:         clock.NewID(),
		PipelineID: clock.NewID(),
		Status:     models.PipelineStatusRunning,
	}
	require.NoError(t, f.db.CreatePipelineRun(ctx, run))

	sr := &models.StepRun{
		ID:            clock.NewID(),
		PipelineRunID: run.ID,
		StepID:        "build",
		Status:        models.StepRunStatusRunning,
	}
	require.NoError(t, f.db.CreateStepRun(ctx, sr))

	exec := &models.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: clock.ExecutionKey(run.ID, 0, 1),
		StepRunID:    sr.ID,
		Attempt:      1,
		Status:       models.ExecutionStatusAssigned,
		Claimant:     "local",
	}
	_, _, err := f.db.ClaimExecution(ctx, exec)
	require.NoError(t, err)
	return exec
}

func TestStepControl_MissingTokenIs401(t *testing.T) {
	f := setupServer(t)
	exec := f.seedExecution(t)

	resp, _ := f.post(t, "/api/steps/"+exec.ID+"/status", "application/json",
		[]byte(`{"status":"running"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStepControl_WrongTokenIs403(t *testing.T) {
	f := setupServer(t)
	exec := f.seedExecution(t)
	other := f.seedExecution(t)

	// Garbage token.
	resp, _ := f.post(t, "/api/steps/"+exec.ID+"/status", "application/json",
		[]byte(`{"status":"running"}`), map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Valid token, wrong step.
	token, err := f.tokens.Issue(other.ID, "run")
	require.NoError(t, err)
	resp, _ = f.post(t, "/api/steps/"+exec.ID+"/status", "application/json",
		[]byte(`{"status":"running"}`), map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStepControl_StatusLifecycle(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()
	exec := f.seedExecution(t)

	token, err := f.tokens.Issue(exec.ID, "run")
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp, _ := f.post(t, "/api/steps/"+exec.ID+"/status", "application/json",
		[]byte(`{"status":"running"}`), auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, "/api/steps/"+exec.ID+"/logs", "application/json",
		[]byte(`{"lines":[{"content":"hello","stream":"stdout"}]}`), auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, "/api/steps/"+exec.ID+"/heartbeat", "application/json",
		[]byte(`{"extend_seconds":120,"progress":"compiling"}`), auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, "/api/steps/"+exec.ID+"/status", "application/json",
		[]byte(`{"status":"completed","exit_code":0}`), auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := f.db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.TimeoutAt)

	sr, err := f.db.GetStepRun(ctx, exec.StepRunID)
	require.NoError(t, err)
	assert.Contains(t, sr.Logs, "hello")

	// Heartbeats after completion are conflicts.
	resp, _ = f.post(t, "/api/steps/"+exec.ID+"/heartbeat", "application/json",
		[]byte(`{}`), auth)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Contradictory terminal report is a conflict too.
	resp, _ = f.post(t, "/api/steps/"+exec.ID+"/status", "application/json",
		[]byte(`{"status":"failed","error":"boom"}`), auth)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStepControl_UnknownStepIs404(t *testing.T) {
	f := setupServer(t)

	token, err := f.tokens.Issue("ghost-step", "run")
	require.NoError(t, err)
	resp, _ := f.get(t, "/api/steps/ghost-step",
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugRerun_RequiresBreakpoints(t *testing.T) {
	f := setupServer(t)
	resp, _ := f.post(t, "/api/pipeline-runs/some-run/debug-rerun", "application/json",
		[]byte(`{"breakpoints":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDebugRerun_IssuesTokenOnce(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()

	resp, body := f.post(t, "/api/pipelines", "application/yaml", []byte(validPipelineYAML), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pipelineID := body["id"].(string)

	original := &models.PipelineRun{
		ID:         clock.NewID(),
		PipelineID: pipelineID,
		Status:     models.PipelineStatusFailed,
		Branch:     "main",
		CommitSHA:  "abc1234",
	}
	require.NoError(t, f.db.CreatePipelineRun(ctx, original))

	resp, body = f.post(t, "/api/pipeline-runs/"+original.ID+"/debug-rerun", "application/json",
		[]byte(`{"breakpoints":[0]}`), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	sessionID := body["debug_session_id"].(string)
	assert.Len(t, body["token"], 64)
	require.NotEmpty(t, body["run_id"])

	// The GET endpoint never echoes the token.
	resp, body = f.get(t, "/api/debug/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, leaked := body["token"]
	assert.False(t, leaked)

	// Unblock the rerun paused at its breakpoint.
	resp, _ = f.post(t, "/api/debug/"+sessionID+"/abort", "application/json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
