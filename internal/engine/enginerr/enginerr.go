// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package enginerr classifies engine errors into kinds that drive retry,
// HTTP status mapping and scheduler decisions. Callers wrap causes with
// Wrap and branch on KindOf; the concrete cause stays reachable through
// errors.Unwrap.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindTransient         Kind = "transient"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindImagePullFailure  Kind = "image_pull_failure"
	KindProtocol          Kind = "protocol"
	KindFatal             Kind = "fatal"
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or KindFatal for unclassified errors.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsNotFound(err error) bool { return Is(err, KindNotFound) }
func IsConflict(err error) bool { return Is(err, KindConflict) }
func IsTransient(err error) bool {
	return Is(err, KindTransient) || Is(err, KindResourceExhausted)
}
func IsTimeout(err error) bool { return Is(err, KindTimeout) }

// Retriable reports whether a failed attempt with this error is worth
// retrying. Image pull failures retry; protocol and fatal errors do not.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindResourceExhausted, KindTimeout, KindImagePullFailure:
		return true
	}
	return false
}
