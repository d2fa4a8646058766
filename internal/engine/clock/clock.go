// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package clock centralizes time and identifier generation so that every
// timestamp, execution key and derived name in the engine comes from one
// place and tests can substitute a fake.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// NewID generates a new entity identifier.
func NewID() string {
	return uuid.New().String()
}

// ExecutionKey builds the globally unique idempotency key of one step
// execution attempt.
func ExecutionKey(runID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", runID, stepIndex, attempt)
}

// RunIDPrefix returns the short form of a run ID used in derived names.
func RunIDPrefix(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// WorkspaceID derives the workspace identifier for a run.
func WorkspaceID(runID string) string {
	return "ws-" + RunIDPrefix(runID)
}

// VolumeName derives the container volume name for a run's workspace.
func VolumeName(runID string) string {
	return "lazyaf-ws-" + RunIDPrefix(runID)
}
