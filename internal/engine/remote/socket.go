// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize = 256 * 1024 // step configs and log frames
	writeWait    = 10 * time.Second
	sendBuffer   = 64
)

// runnerConn is the websocket side of a session. It implements frameWriter;
// writes are funneled through writePump so only one goroutine touches the
// connection.
type runnerConn struct {
	conn *websocket.Conn
	send chan outFrame
	done chan struct{}
}

type outFrame struct {
	frame     *Frame
	closeCode int
	closeText string
}

func newRunnerConn(conn *websocket.Conn) *runnerConn {
	return &runnerConn{
		conn: conn,
		send: make(chan outFrame, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *runnerConn) writeFrame(f Frame) error {
	select {
	case c.send <- outFrame{frame: &f}:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		// A runner that cannot drain its send buffer is as good as gone.
		return websocket.ErrCloseSent
	}
}

func (c *runnerConn) closeWith(code int, reason string) {
	select {
	case c.send <- outFrame{closeCode: code, closeText: reason}:
	case <-c.done:
	default:
	}
}

func (c *runnerConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case out, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if out.frame == nil {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(out.closeCode, out.closeText))
				return
			}
			data, err := json.Marshal(out.frame)
			if err != nil {
				getLog().Error().Err(err).Msg("Failed to marshal outbound frame")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// SocketServer accepts runner websocket connections for a Registry.
type SocketServer struct {
	registry *Registry
	upgrader websocket.Upgrader
}

// NewSocketServer creates the HTTP-facing side of the runner protocol. When
// allowedOrigins is empty any origin is accepted (runners are usually not
// browsers, but the check costs nothing).
func NewSocketServer(registry *Registry, allowedOrigins []string) *SocketServer {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &SocketServer{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeHTTP upgrades the connection and runs the runner session to
// completion. Mount at /ws/runner.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		getLog().Error().Err(err).Msg("Runner websocket upgrade failed")
		return
	}

	rc := newRunnerConn(conn)
	go rc.writePump()

	ctx := r.Context()
	conn.SetReadLimit(maxFrameSize)

	// First frame must be register, within the registration window.
	conn.SetReadDeadline(time.Now().Add(s.registry.cfg.RegistrationTimeout))
	var regFrame Frame
	if err := conn.ReadJSON(&regFrame); err != nil || regFrame.Type != FrameRegister {
		rc.closeWith(CloseBadRegistration, "expected register frame")
		close(rc.done)
		return
	}
	sess, err := s.registry.register(ctx, regFrame, rc)
	if err != nil {
		rc.closeWith(CloseBadRegistration, err.Error())
		close(rc.done)
		return
	}

	defer func() {
		s.registry.unregister(context.WithoutCancel(ctx), sess)
		close(rc.done)
	}()

	// Reads are bounded by the death timeout; heartbeats reset it.
	for {
		conn.SetReadDeadline(time.Now().Add(s.registry.cfg.RunnerDeathTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Runner websocket read error")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			getLog().Warn().Err(err).Str("runner_id", sess.id).Msg("Invalid runner frame")
			_ = rc.writeFrame(Frame{Type: FrameError, Message: "invalid frame"})
			continue
		}
		s.registry.handleFrame(ctx, sess, f)
	}
}
