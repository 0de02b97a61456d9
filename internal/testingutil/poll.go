// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testingutil provides polling and sleeping helpers shared by the
// session recovery code.
package testingutil

import (
	"context"
	"math"
	"time"

	"code.cloudfoundry.org/clock"

	"go.legato.io/letp/errors"
)

const (
	defaultPollInterval = 100 * time.Millisecond

	// maxTimeout is used when no poll timeout is given.
	maxTimeout = time.Duration(math.MaxInt64)
)

// PollOptions controls Poll.
type PollOptions struct {
	// Timeout specifies the maximum time to poll.
	// Non-positive values indicate no timeout (although context deadlines will still be honored).
	Timeout time.Duration
	// Interval specifies how long to sleep between polling.
	// Non-positive values indicate that a reasonable default should be used.
	Interval time.Duration
	// Clock is used to wait between attempts. nil means the wall clock.
	Clock clock.Clock
}

// pollBreak is a wrapper of error to terminate the Poll immediately.
type pollBreak struct {
	err error
}

// Error implementation of pollBreak. However, it is not expected that this
// is used directly, since pollBreak is not returned to callers.
func (b *pollBreak) Error() string {
	return b.err.Error()
}

// PollBreak wraps err so that Poll stops retrying and returns err.
func PollBreak(err error) error {
	return &pollBreak{err}
}

// Poll calls f until it succeeds, ctx expires, the timeout in opts is reached
// or f returns an error wrapped by PollBreak. f is always called at least once
// unless ctx is already done.
func Poll(ctx context.Context, f func(context.Context) error, opts *PollOptions) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	timeout := maxTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := defaultPollInterval
	if opts != nil && opts.Interval > 0 {
		interval = opts.Interval
	}
	var clk clock.Clock = clock.NewClock()
	if opts != nil && opts.Clock != nil {
		clk = opts.Clock
	}

	var lastErr error
	for {
		var err error
		if err = f(ctx); err == nil {
			return nil
		}

		var pb *pollBreak
		if errors.As(err, &pb) {
			if ctx.Err() != nil && lastErr != nil {
				return errors.Wrapf(lastErr, "%s; last error follows", pb.err)
			}
			return pb.err
		}

		// f may return a deadline error of its own once ctx expires. Keep the
		// last error seen before that so the caller gets a useful cause.
		if lastErr == nil || ctx.Err() == nil {
			lastErr = err
		}

		tm := clk.NewTimer(interval)
		select {
		case <-tm.C():
		case <-ctx.Done():
			tm.Stop()
			if lastErr != nil {
				return errors.Wrapf(lastErr, "%s; last error follows", ctx.Err())
			}
			return ctx.Err()
		}
	}
}
