// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/debug"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
	"github.com/lazyaf/lazyaf/internal/engine/models"
	"github.com/lazyaf/lazyaf/internal/engine/scheduler"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db     *database.GormDB
	sched  *scheduler.Scheduler
	ctl    *control.Service
	tokens *control.TokenManager
	debug  *debug.Service
}

// NewHandlers creates the handler set.
func NewHandlers(db *database.GormDB, sched *scheduler.Scheduler, ctl *control.Service, tokens *control.TokenManager, dbg *debug.Service) *Handlers {
	return &Handlers{db: db, sched: sched, ctl: ctl, tokens: tokens, debug: dbg}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps engine error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch enginerr.KindOf(err) {
	case enginerr.KindNotFound:
		status = http.StatusNotFound
	case enginerr.KindConflict:
		status = http.StatusConflict
	case enginerr.KindUnauthorized:
		status = http.StatusUnauthorized
	case enginerr.KindForbidden:
		status = http.StatusForbidden
	case enginerr.KindProtocol:
		status = http.StatusBadRequest
	case enginerr.KindResourceExhausted:
		status = http.StatusTooManyRequests
	case enginerr.KindTransient:
		status = http.StatusServiceUnavailable
	case enginerr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// --- pipeline ingest and triggering ---

// CreatePipeline handles POST /api/pipelines. The body is a pipeline
// definition YAML document; it is validated (typed steps, acyclic DAG,
// single entry) before anything is persisted.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "failed to read request body")
		return
	}

	pipeline, _, err := models.ParsePipelineYAML(body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if pipeline.RepoID != "" {
		if _, err := h.db.GetRepository(r.Context(), pipeline.RepoID); err != nil {
			writeError(w, err)
			return
		}
	}

	pipeline.ID = clock.NewID()
	if err := h.db.CreatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pipeline)
}

// GetPipelines handles GET /api/pipelines.
func (h *Handlers) GetPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.db.ListPipelines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

// GetPipeline handles GET /api/pipelines/{pipeline_id}.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := h.db.GetPipeline(r.Context(), chi.URLParam(r, "pipeline_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// triggerRequest is the JSON body for a manual pipeline trigger.
type triggerRequest struct {
	Branch         string            `json:"branch"`
	CommitSHA      string            `json:"commit_sha,omitempty"`
	TriggerContext map[string]string `json:"trigger_context,omitempty"`
}

// TriggerPipeline handles POST /api/pipelines/{pipeline_id}/trigger. A
// created run starts executing immediately; a deduplicated trigger returns
// the original run with 200 instead of 202.
func (h *Handlers) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := h.db.GetPipeline(r.Context(), chi.URLParam(r, "pipeline_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	run, created, err := h.sched.TriggerRun(r.Context(), pipeline, models.TriggerManual,
		body.Branch, body.TriggerContext, body.Branch, body.CommitSHA)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
		h.launch(run.ID)
	}
	writeJSON(w, status, map[string]any{"run_id": run.ID, "created": created})
}

// pushEvent is the JSON body of a repository push webhook.
type pushEvent struct {
	RepoID    string `json:"repo_id"`
	Ref       string `json:"ref"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
}

// PushWebhook handles POST /api/webhooks/push: every pipeline of the
// repository with a matching push trigger gets a run.
func (h *Handlers) PushWebhook(w http.ResponseWriter, r *http.Request) {
	var body pushEvent
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.RepoID == "" || body.Branch == "" {
		badRequest(w, "repo_id and branch are required")
		return
	}
	ref := body.Ref
	if ref == "" {
		ref = body.Branch
	}

	pipelines, err := h.sched.FindTriggeredPipelines(r.Context(), body.RepoID, models.TriggerPush, body.Branch)
	if err != nil {
		writeError(w, err)
		return
	}

	runIDs := make([]string, 0, len(pipelines))
	for i := range pipelines {
		run, created, err := h.sched.TriggerRun(r.Context(), &pipelines[i], models.TriggerPush,
			ref, map[string]string{"ref": ref}, body.Branch, body.CommitSHA)
		if err != nil {
			getLog().Error().Err(err).Str("pipeline_id", pipelines[i].ID).Msg("Push trigger failed")
			continue
		}
		if created {
			h.launch(run.ID)
		}
		runIDs = append(runIDs, run.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_ids": runIDs})
}

// launch drives a run on its own goroutine; RunPipeline owns all error
// settling, so the only thing left to do with its error is log it.
func (h *Handlers) launch(runID string) {
	go func() {
		if err := h.sched.RunPipeline(context.Background(), runID); err != nil {
			getLog().Error().Err(err).Str("run_id", runID).Msg("Pipeline run failed to settle")
		}
	}()
}

// --- run inspection and cancellation ---

// GetPipelineRun handles GET /api/pipeline-runs/{run_id}.
func (h *Handlers) GetPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetPipelineRunDetail(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetPipelineRunSteps handles GET /api/pipeline-runs/{run_id}/steps.
func (h *Handlers) GetPipelineRunSteps(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetPipelineRunDetail(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    run.ID,
		"status":    run.Status,
		"step_runs": run.StepRuns,
	})
}

// CancelPipelineRun handles POST /api/pipeline-runs/{run_id}/cancel.
func (h *Handlers) CancelPipelineRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := h.sched.CancelRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
}

// --- runners ---

// GetRunners handles GET /api/runners.
func (h *Handlers) GetRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.db.ListRunners(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners})
}

// bearerToken extracts the Bearer credential from an Authorization header.
// The bool reports whether the header was present at all, so callers can
// distinguish 401 (missing) from 403 (invalid).
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", false
	}
	return strings.TrimSpace(token), true
}
