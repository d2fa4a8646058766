// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lazyaf/lazyaf/internal/engine/debug"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
)

// debugRerunRequest is the JSON body of a debug rerun request.
type debugRerunRequest struct {
	Breakpoints    []int `json:"breakpoints"`
	TimeoutMinutes int   `json:"timeout_minutes,omitempty"`
}

// DebugRerun handles POST /api/pipeline-runs/{run_id}/debug-rerun. The new
// run starts immediately; it pauses when it reaches the first breakpoint.
func (h *Handlers) DebugRerun(w http.ResponseWriter, r *http.Request) {
	originalRunID := chi.URLParam(r, "run_id")

	var body debugRerunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(body.Breakpoints) == 0 {
		badRequest(w, "breakpoints is required and must not be empty")
		return
	}
	for _, bp := range body.Breakpoints {
		if bp < 0 {
			badRequest(w, "breakpoints must be non-negative step indices")
			return
		}
	}

	timeout := time.Duration(body.TimeoutMinutes) * time.Minute
	run, sess, err := h.debug.CreateRerun(r.Context(), originalRunID, body.Breakpoints, timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	h.launch(run.ID)

	// The token appears exactly once, here; it is never broadcast and the
	// session JSON elsewhere omits it.
	writeJSON(w, http.StatusCreated, map[string]string{
		"run_id":           run.ID,
		"debug_session_id": sess.ID,
		"token":            sess.Token,
	})
}

// GetDebugSession handles GET /api/debug/{session_id}.
func (h *Handlers) GetDebugSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.debug.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ResumeDebugSession handles POST /api/debug/{session_id}/resume.
func (h *Handlers) ResumeDebugSession(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.Resume(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// AbortDebugSession handles POST /api/debug/{session_id}/abort.
func (h *Handlers) AbortDebugSession(w http.ResponseWriter, r *http.Request) {
	if err := h.debug.Abort(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// ExtendDebugSession handles POST /api/debug/{session_id}/extend.
func (h *Handlers) ExtendDebugSession(w http.ResponseWriter, r *http.Request) {
	minutes, err := strconv.Atoi(r.URL.Query().Get("additional_minutes"))
	if err != nil {
		badRequest(w, "additional_minutes must be an integer")
		return
	}

	sess, err := h.debug.ExtendTimeout(r.Context(), chi.URLParam(r, "session_id"), minutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expires_at": sess.ExpiresAt,
	})
}

const terminalHelp = `@resume  continue pipeline execution (closes this terminal)
@abort   abort the debug session and cancel the run
@status  show session state
@help    show this message
anything else runs as a shell command in the attached container`

// DebugTerminal handles WS /api/debug/{session_id}/terminal. Each text
// message is one shell command executed in the attach target; lines starting
// with @ are in-band session commands.
func (h *Handlers) DebugTerminal(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		token := r.URL.Query().Get("token")
		mode := r.URL.Query().Get("mode")
		if mode == "" {
			mode = debug.ModeSidecar
		}

		// Attach before upgrading so auth failures surface as HTTP statuses.
		sess, containerID, err := h.debug.Attach(r.Context(), sessionID, token, mode)
		if err != nil {
			writeError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("Debug terminal upgrade failed")
			return
		}
		defer conn.Close()

		getLog().Info().
			Str("session_id", sess.ID).
			Str("mode", mode).
			Str("container_id", containerID).
			Msg("Debug terminal attached")

		h.terminalLoop(r, conn, sess.ID, containerID)
	}
}

func (h *Handlers) terminalLoop(r *http.Request, conn *websocket.Conn, sessionID, containerID string) {
	writeLine := func(s string) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
			getLog().Debug().Err(err).Msg("Debug terminal write failed")
		}
	}
	writeLine(fmt.Sprintf("attached to %s; type @help for commands", containerID))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// Detach on disconnect; the session goes back to waiting so the
			// user can reattach.
			if werr := h.debug.Detach(r.Context(), sessionID); werr != nil && !enginerr.IsConflict(werr) {
				getLog().Warn().Err(werr).Str("session_id", sessionID).Msg("Detach after terminal close failed")
			}
			return
		}
		line := strings.TrimSpace(string(message))
		if line == "" {
			continue
		}

		switch {
		case line == "@help":
			writeLine(terminalHelp)
		case line == "@status":
			sess, err := h.debug.Get(r.Context(), sessionID)
			if err != nil {
				writeLine("error: " + err.Error())
				continue
			}
			writeLine(fmt.Sprintf("session %s: %s (expires %s)",
				sess.ID, sess.Status, sess.ExpiresAt.Format(time.RFC3339)))
		case line == "@resume":
			if err := h.debug.Resume(r.Context(), sessionID); err != nil {
				writeLine("error: " + err.Error())
				continue
			}
			writeLine("resuming pipeline")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "resumed"))
			return
		case line == "@abort":
			if err := h.debug.Abort(r.Context(), sessionID); err != nil {
				writeLine("error: " + err.Error())
				continue
			}
			writeLine("session aborted, run cancelled")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "aborted"))
			return
		case strings.HasPrefix(line, "@"):
			writeLine("unknown command " + line + "; type @help")
		default:
			out, exitCode, err := h.debug.Exec(r.Context(), containerID, line)
			if err != nil {
				writeLine("error: " + err.Error())
				continue
			}
			if out != "" {
				writeLine(out)
			}
			if exitCode != 0 {
				writeLine(fmt.Sprintf("(exit %d)", exitCode))
			}
		}
	}
}
