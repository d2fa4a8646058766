// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"context"
	"sync"
)

// LockMode selects shared or exclusive access to a workspace.
type LockMode int

const (
	// LockShared admits concurrent readers (parallel steps on one volume).
	LockShared LockMode = iota
	// LockExclusive admits a single holder (cleanup, merge, debug attach).
	LockExclusive
)

// wsLock is the per-workspace reader/writer state. waitCh is closed and
// replaced on every release so blocked acquirers re-check.
type wsLock struct {
	readers int
	writer  bool
	waitCh  chan struct{}
	refs    int
}

// lockTable hands out in-process workspace locks keyed by workspace ID.
// Locks are advisory between engine components within one process; the
// single-engine deployment model makes that sufficient.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*wsLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*wsLock)}
}

// Acquire blocks until the lock is granted or ctx expires.
func (t *lockTable) Acquire(ctx context.Context, key string, mode LockMode) error {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &wsLock{waitCh: make(chan struct{})}
		t.locks[key] = l
	}
	l.refs++

	for {
		granted := false
		if mode == LockExclusive {
			if l.readers == 0 && !l.writer {
				l.writer = true
				granted = true
			}
		} else {
			if !l.writer {
				l.readers++
				granted = true
			}
		}
		if granted {
			t.mu.Unlock()
			return nil
		}

		wait := l.waitCh
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.unref(key, l)
			t.mu.Unlock()
			return ctx.Err()
		case <-wait:
		}
		t.mu.Lock()
	}
}

// Release returns a previously granted lock. Mode must match the Acquire.
func (t *lockTable) Release(key string, mode LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[key]
	if !ok {
		return
	}
	if mode == LockExclusive {
		l.writer = false
	} else if l.readers > 0 {
		l.readers--
	}

	close(l.waitCh)
	l.waitCh = make(chan struct{})
	t.unref(key, l)
}

// unref drops one reference and evicts idle entries. Called with t.mu held.
func (t *lockTable) unref(key string, l *wsLock) {
	l.refs--
	if l.refs <= 0 && l.readers == 0 && !l.writer {
		delete(t.locks, key)
	}
}
