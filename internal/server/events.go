// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST + WebSocket API of the engine: pipeline
// ingest and triggering, run inspection and cancellation, the step control
// plane, the runner socket, debug sessions, and the UI event stream.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	apiLog     *zerolog.Logger
	apiLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	apiLogOnce.Do(func() {
		l := logger.GetAPILogger()
		apiLog = &l
	})
	return apiLog
}

// EventStreamer subscribes to the engine bus and fans every event out to the
// connected UI WebSocket clients.
type EventStreamer struct {
	bus     *events.Bus
	clients *ClientRegistry
}

// NewEventStreamer creates a streamer; Run does the actual subscription so
// that a streamer that is never started holds no bus slot.
func NewEventStreamer(bus *events.Bus, clients *ClientRegistry) *EventStreamer {
	return &EventStreamer{bus: bus, clients: clients}
}

// Run forwards bus events to clients until the context is cancelled.
func (s *EventStreamer) Run(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				getLog().Info().Msg("Event streamer stopped (bus closed subscription)")
				return
			}
			s.clients.Broadcast(ev)
		case <-ctx.Done():
			getLog().Info().Msg("Event streamer stopped (context cancelled)")
			return
		}
	}
}
