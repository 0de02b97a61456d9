// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging provides context-attached loggers used by device sessions.
//
// Logs are emitted through a context.Context rather than a global logger so
// that each device link can carry its own prefix and so that test harnesses
// can capture the logs of a single session.
package logging

import (
	"sync"
	"time"
)

// Level indicates a logging level. A larger level value means a log is more
// important.
type Level int

const (
	// LevelDebug represents the DEBUG level. Raw device traffic is logged at
	// this level.
	LevelDebug Level = iota
	// LevelInfo represents the INFO level.
	LevelInfo
	// LevelWarning represents the WARNING level.
	LevelWarning
	// LevelError represents the ERROR level. Communication failures are
	// logged at this level before being returned.
	LevelError
)

// String returns a short upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the interface for loggers that consume logs sent via
// context.Context.
//
// You can create a new context with a Logger attached by AttachLogger. The
// attached logger will consume all logs sent to the context, as well as those
// logs sent to its descendant contexts.
type Logger interface {
	// Log gets called for a log entry.
	Log(level Level, ts time.Time, msg string)
}

// MultiLogger is a Logger that copies logs to multiple underlying loggers.
type MultiLogger struct {
	mu      sync.Mutex
	loggers []Logger
}

// NewMultiLogger creates a new MultiLogger with a specified initial set of
// underlying loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log copies a log to the current underlying loggers.
func (ml *MultiLogger) Log(level Level, ts time.Time, msg string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for _, logger := range ml.loggers {
		logger.Log(level, ts, msg)
	}
}
