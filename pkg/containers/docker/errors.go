// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"errors"
	"strings"

	"github.com/docker/docker/client"

	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
)

// classify maps daemon errors into the engine's error taxonomy so callers
// can decide between retry, fail-attempt and fail-run without inspecting
// docker error strings themselves.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return enginerr.Wrap(enginerr.KindTimeout, err, "%s timed out", op)
	case errors.Is(err, context.Canceled):
		return enginerr.Wrap(enginerr.KindTransient, err, "%s cancelled", op)
	case client.IsErrNotFound(err):
		return enginerr.Wrap(enginerr.KindNotFound, err, "%s", op)
	case client.IsErrConnectionFailed(err):
		return enginerr.Wrap(enginerr.KindTransient, err, "%s: daemon unreachable", op)
	case op == "pull image":
		return enginerr.Wrap(enginerr.KindImagePullFailure, err, "%s", op)
	case isResourceExhausted(err):
		return enginerr.Wrap(enginerr.KindResourceExhausted, err, "%s", op)
	case isConflict(err):
		return enginerr.Wrap(enginerr.KindConflict, err, "%s", op)
	}
	return enginerr.Wrap(enginerr.KindFatal, err, "%s", op)
}

// The daemon reports these conditions only as message text.
func isResourceExhausted(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "toomanyrequests")
}

func isConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") ||
		strings.Contains(msg, "already in use") ||
		strings.Contains(msg, "volume is in use")
}
