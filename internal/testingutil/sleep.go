// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testingutil

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"go.legato.io/letp/errors"
)

// SleepClock pauses for d on clk or until ctx is done, whichever comes
// first.
func SleepClock(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tm := clk.NewTimer(d)
	defer tm.Stop()

	select {
	case <-tm.C():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sleep interrupted")
	}
}
