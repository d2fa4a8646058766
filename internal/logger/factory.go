// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetEngineLogger returns a logger for the engine core
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetSchedulerLogger returns a logger for the pipeline scheduler
func GetSchedulerLogger() zerolog.Logger {
	return GetLogger("scheduler")
}

// GetRunnerLogger returns a logger for remote runner handling
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}

// GetWorkspaceLogger returns a logger for workspace management
func GetWorkspaceLogger() zerolog.Logger {
	return GetLogger("workspace")
}

// GetContainerLogger returns a logger for container operations
func GetContainerLogger() zerolog.Logger {
	return GetLogger("container")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetDebugLogger returns a logger for debug sessions
func GetDebugLogger() zerolog.Logger {
	return GetLogger("debug")
}

// GetControlLogger returns a logger for the step control plane
func GetControlLogger() zerolog.Logger {
	return GetLogger("control")
}
