// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	containerevents "github.com/lazyaf/lazyaf/pkg/containers/events"
)

// ContainerPublisher bridges container lifecycle events from the containers
// service onto the engine bus, so UI subscribers see container churn next to
// run and step events.
type ContainerPublisher struct {
	bus *Bus
}

var _ containerevents.Publisher = (*ContainerPublisher)(nil)

// NewContainerPublisher creates the bridge.
func NewContainerPublisher(bus *Bus) *ContainerPublisher {
	return &ContainerPublisher{bus: bus}
}

// Publish forwards one container event. The run ID is lifted out of the
// payload when present so run-scoped subscription filters apply.
func (p *ContainerPublisher) Publish(ev containerevents.Event) error {
	var runID string
	switch payload := ev.Data["payload"].(type) {
	case containerevents.ContainerCreatedEvent:
		runID = payload.RunID
	case containerevents.VolumeEvent:
		runID = payload.RunID
	}
	p.bus.Broadcast(Event{
		Type:      TypeContainerEvent,
		RunID:     runID,
		Timestamp: ev.Timestamp,
		Payload: map[string]any{
			"event": string(ev.Type),
			"data":  ev.Data,
		},
	})
	return nil
}
