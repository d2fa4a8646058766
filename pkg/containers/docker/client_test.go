// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
)

func TestEnvMapToSlice(t *testing.T) {
	env := envMapToSlice(map[string]string{"A": "1", "B": "two"})
	assert.Len(t, env, 2)
	assert.Contains(t, env, "A=1")
	assert.Contains(t, env, "B=two")
}

func TestEnvSliceToMap(t *testing.T) {
	m := envSliceToMap([]string{"A=1", "B=two=parts", "", "=novalue", "NOEQ"})
	assert.Equal(t, map[string]string{"A": "1", "B": "two=parts"}, m)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "noop"))

	err := classify(context.DeadlineExceeded, "create container")
	assert.True(t, enginerr.IsTimeout(err))

	err = classify(errors.New("manifest unknown"), "pull image")
	assert.True(t, enginerr.Is(err, enginerr.KindImagePullFailure))

	err = classify(errors.New("no space left on device"), "create volume")
	assert.True(t, enginerr.Is(err, enginerr.KindResourceExhausted))
	assert.True(t, enginerr.Retriable(err))

	err = classify(errors.New("volume is in use"), "remove volume")
	assert.True(t, enginerr.IsConflict(err))

	err = classify(errors.New("something odd"), "start container")
	assert.True(t, enginerr.Is(err, enginerr.KindFatal))
	assert.False(t, enginerr.Retriable(err))
}
