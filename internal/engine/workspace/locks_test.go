// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_SharedLocksStack(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	require.NoError(t, table.Acquire(ctx, "ws-1", LockShared))
	require.NoError(t, table.Acquire(ctx, "ws-1", LockShared))

	table.Release("ws-1", LockShared)
	table.Release("ws-1", LockShared)
}

func TestLockTable_ExclusiveBlocksShared(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	require.NoError(t, table.Acquire(ctx, "ws-1", LockExclusive))

	timedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := table.Acquire(timedCtx, "ws-1", LockShared)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	table.Release("ws-1", LockExclusive)
	require.NoError(t, table.Acquire(ctx, "ws-1", LockShared))
	table.Release("ws-1", LockShared)
}

func TestLockTable_SharedBlocksExclusive(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	require.NoError(t, table.Acquire(ctx, "ws-1", LockShared))

	acquired := make(chan error, 1)
	go func() {
		acquired <- table.Acquire(ctx, "ws-1", LockExclusive)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("exclusive acquire should block while a reader holds the lock, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	table.Release("ws-1", LockShared)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exclusive acquire did not proceed after reader released")
	}
	table.Release("ws-1", LockExclusive)
}

func TestLockTable_IndependentKeys(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	require.NoError(t, table.Acquire(ctx, "ws-1", LockExclusive))
	require.NoError(t, table.Acquire(ctx, "ws-2", LockExclusive))
	table.Release("ws-1", LockExclusive)
	table.Release("ws-2", LockExclusive)
}

func TestLockTable_EvictsIdleEntries(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	require.NoError(t, table.Acquire(ctx, "ws-1", LockShared))
	table.Release("ws-1", LockShared)

	table.mu.Lock()
	defer table.mu.Unlock()
	assert.Empty(t, table.locks)
}
