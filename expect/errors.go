// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package expect

import (
	"context"
	"fmt"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/transport"
)

var (
	// ErrTimeout is returned by Expect when no pattern matched in time and
	// the Timeout sentinel was not among the patterns.
	ErrTimeout = errors.New("timed out waiting for pattern")
	// ErrEOF is returned when the device hung up and the EOF sentinel was
	// not among the patterns.
	ErrEOF = errors.New("device closed the connection")
	// ErrClosed is returned once the session was closed locally.
	ErrClosed = transport.ErrClosed
)

// OrderError is returned by ExpectInOrder when a pattern did not show up in
// time. It wraps ErrTimeout.
type OrderError struct {
	// Step is the zero-based index of the missing pattern.
	Step int
	// Pattern is the missing pattern.
	Pattern string
	// Seen is everything received before giving up, including data that
	// was still pending.
	Seen string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("pattern #%d %q not received in time; got %q", e.Step, e.Pattern, e.Seen)
}

func (e *OrderError) Unwrap() error {
	return ErrTimeout
}

// ComError reports a protocol or communication failure with the device:
// a missing prompt, an unexpected reply, a timeout or a hang-up.
type ComError struct {
	// Op describes what was being done, typically including the command.
	Op string
	// Err is the underlying cause.
	Err error
}

// NewComError logs the failure at error level to ctx and returns it.
func NewComError(ctx context.Context, op string, err error) *ComError {
	e := &ComError{Op: op, Err: err}
	logging.Error(ctx, e.Error())
	return e
}

func (e *ComError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ComError) Unwrap() error {
	return e.Err
}
