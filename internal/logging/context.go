// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// loggerKey is the type of the key used for attaching a Logger to a
// context.Context.
type loggerKey struct{}

// prefixKey is the type of the key used for attaching a log prefix to a
// context.Context.
type prefixKey struct{}

// AttachLogger creates a new context with logger attached. Logs emitted via
// the new context are propagated to the parent context.
func AttachLogger(ctx context.Context, logger Logger) context.Context {
	if parent, ok := loggerFromContext(ctx); ok {
		logger = NewMultiLogger(logger, parent)
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// SetLogPrefix returns a context whose logs are prefixed with prefix, e.g.
// "[cli] " for the logs of a console link. Prefixes of parent contexts are
// kept in front of prefix.
func SetLogPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, prefixKey{}, getPrefix(ctx)+prefix)
}

// loggerFromContext extracts a logger from a context.
// This function is unexported so that users cannot extract a logger from
// contexts. If you need to access a logger after associating it to a context,
// pass the logger explicitly to functions.
func loggerFromContext(ctx context.Context) (Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(Logger)
	return logger, ok
}

// Debug emits a log with debug level.
func Debug(ctx context.Context, args ...interface{}) {
	log(ctx, LevelDebug, args...)
}

// Debugf is similar to Debug but formats its arguments using fmt.Sprintf.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelDebug, format, args...)
}

// Info emits a log with info level.
func Info(ctx context.Context, args ...interface{}) {
	log(ctx, LevelInfo, args...)
}

// Infof is similar to Info but formats its arguments using fmt.Sprintf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelInfo, format, args...)
}

// Warning emits a log with warning level.
func Warning(ctx context.Context, args ...interface{}) {
	log(ctx, LevelWarning, args...)
}

// Warningf is similar to Warning but formats its arguments using fmt.Sprintf.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelWarning, format, args...)
}

// Error emits a log with error level.
func Error(ctx context.Context, args ...interface{}) {
	log(ctx, LevelError, args...)
}

// Errorf is similar to Error but formats its arguments using fmt.Sprintf.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, LevelError, format, args...)
}

func log(ctx context.Context, level Level, args ...interface{}) {
	ts := time.Now() // get the time as early as possible
	logger, ok := loggerFromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, ts, ReplaceInvalidUTF8(getPrefix(ctx)+fmt.Sprint(args...)))
}

func logf(ctx context.Context, level Level, format string, args ...interface{}) {
	ts := time.Now() // get the time as early as possible
	logger, ok := loggerFromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, ts, ReplaceInvalidUTF8(getPrefix(ctx)+fmt.Sprintf(format, args...)))
}

func getPrefix(ctx context.Context) string {
	prefix, _ := ctx.Value(prefixKey{}).(string)
	return prefix
}

// ReplaceInvalidUTF8 removes all invalid UTF-8 sequences from a string.
// Serial consoles regularly emit line noise during reboots.
func ReplaceInvalidUTF8(msg string) string {
	return strings.ToValidUTF8(msg, "")
}
