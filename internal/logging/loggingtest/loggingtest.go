// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package loggingtest provides logging utilities for unit tests.
package loggingtest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.legato.io/letp/internal/logging"
)

// Logger is a logging.Logger that accumulates logs to an in-memory buffer,
// as well as emitting them as unit test logs.
//
// This is useful for unit tests that inspect logs from a function call.
type Logger struct {
	t     *testing.T
	level logging.Level

	mu     sync.Mutex
	logs   []string
	levels []logging.Level
}

// NewLogger creates a new Logger.
func NewLogger(t *testing.T, level logging.Level) *Logger {
	return &Logger{t: t, level: level}
}

// Context returns a background context with a new Logger attached.
func Context(t *testing.T, level logging.Level) (context.Context, *Logger) {
	l := NewLogger(t, level)
	return logging.AttachLogger(context.Background(), l), l
}

// Log gets called for a log event.
func (l *Logger) Log(level logging.Level, ts time.Time, msg string) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.t.Log(msg)
	if level >= l.level {
		l.logs = append(l.logs, msg)
		l.levels = append(l.levels, level)
	}
}

// Logs returns a list of logs received so far.
func (l *Logger) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

// LogsAt returns logs received so far with exactly the given level.
func (l *Logger) LogsAt(level logging.Level) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var logs []string
	for i, msg := range l.logs {
		if l.levels[i] == level {
			logs = append(logs, msg)
		}
	}
	return logs
}

// String returns received logs as a newline-separated string.
func (l *Logger) String() string {
	return strings.Join(l.Logs(), "\n")
}
