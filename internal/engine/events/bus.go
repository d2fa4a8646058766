// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events is the in-process broadcast bus between the engine and its
// subscribers (WebSocket fan-out, tests). Delivery is best-effort: a slow
// subscriber loses its oldest pending event and is marked lagged rather than
// blocking the publisher.
package events

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeCardUpdated       = "card_updated"
	TypeJobStatus         = "job_status"
	TypePipelineRunStatus = "pipeline_run_status"
	TypeStepRunStatus     = "step_run_status"
	TypeStepLogs          = "step_logs"
	TypeRunnerStatus      = "runner_status"
	TypeDebugEvent        = "debug_event"
	TypeContainerEvent    = "container_event"
	// TypeLagged is injected into a subscriber's stream after events were
	// dropped; consumers resync from the database.
	TypeLagged = "lagged"
)

// Event is one broadcast payload.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	StepRunID string    `json:"step_run_id,omitempty"`
	RunnerID  string    `json:"runner_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 1024

// Subscription is one subscriber's handle on the bus.
type Subscription struct {
	C  <-chan Event
	ch chan Event
	id uint64
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	buffer int
}

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return NewBusWithBuffer(DefaultBufferSize)
}

// NewBusWithBuffer creates a bus with an explicit buffer depth. Depths below
// one are clamped to one.
func NewBusWithBuffer(buffer int) *Bus {
	if buffer < 2 {
		buffer = 2
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Broadcast delivers the event to every subscriber. When a subscriber's
// buffer is full, its oldest pending event is dropped and a lagged marker is
// placed ahead of the new event. Publishing never blocks.
func (b *Bus) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		b.deliver(sub, ev)
	}
}

// deliver is called with b.mu held, which serializes delivery per channel;
// the drop-then-push sequence cannot interleave with another Broadcast.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Full: shed the two oldest events, then flag the gap ahead of the new
	// event. b.mu makes us the only sender, so after freeing two slots both
	// sends succeed without blocking.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
		default:
		}
	}
	sub.ch <- Event{Type: TypeLagged, Timestamp: ev.Timestamp}
	sub.ch <- ev
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
