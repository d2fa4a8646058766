// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/engine/control"
)

// StepAuth authenticates the step control plane. The Bearer token must be a
// valid step token whose subject matches the step_id in the URL; a token for
// step A can never report for step B.
func (h *Handlers) StepAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := bearerToken(r)
		if !present {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization"})
			return
		}

		claims, err := h.tokens.Verify(token)
		if err != nil {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid step token"})
			return
		}
		if claims.StepExecutionID != chi.URLParam(r, "step_id") {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "token not valid for this step"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// stepStatusRequest is the body of a status callback.
type stepStatusRequest struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StepStatus handles POST /api/steps/{step_id}/status. A rejected transition
// returns 409 and writes nothing.
func (h *Handlers) StepStatus(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")

	var body stepStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	err := h.ctl.ReportStatus(r.Context(), stepID, control.StatusReport{
		Status:   control.ReportedStatus(body.Status),
		ExitCode: body.ExitCode,
		Error:    body.Error,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// stepLogLine is one log line in a logs callback.
type stepLogLine struct {
	Content string `json:"content"`
	Stream  string `json:"stream,omitempty"`
}

// stepLogsRequest carries either a batch of lines or a single chunk.
type stepLogsRequest struct {
	Lines   []stepLogLine `json:"lines,omitempty"`
	Content string        `json:"content,omitempty"`
	Stream  string        `json:"stream,omitempty"`
}

// StepLogs handles POST /api/steps/{step_id}/logs.
func (h *Handlers) StepLogs(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")

	var body stepLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	chunk := body.Content
	if len(body.Lines) > 0 {
		var b strings.Builder
		for _, line := range body.Lines {
			b.WriteString(line.Content)
			if !strings.HasSuffix(line.Content, "\n") {
				b.WriteByte('\n')
			}
		}
		chunk = b.String()
	}

	if err := h.ctl.AppendLogs(r.Context(), stepID, chunk); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// stepHeartbeatRequest is the body of a heartbeat callback.
type stepHeartbeatRequest struct {
	ExtendSeconds int    `json:"extend_seconds,omitempty"`
	Progress      string `json:"progress,omitempty"`
}

// StepHeartbeat handles POST /api/steps/{step_id}/heartbeat.
func (h *Handlers) StepHeartbeat(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "step_id")

	var body stepHeartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	if err := h.ctl.Heartbeat(r.Context(), stepID, body.Progress, body.ExtendSeconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// StepState handles GET /api/steps/{step_id}. A reconnecting control process
// polls this to learn whether its work is still wanted.
func (h *Handlers) StepState(w http.ResponseWriter, r *http.Request) {
	exec, err := h.ctl.GetExecutionState(r.Context(), chi.URLParam(r, "step_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
