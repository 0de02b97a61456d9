// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dut

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"go.legato.io/letp/at"
	"go.legato.io/letp/link"
)

func TestWithDefaultsClock(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	atCfg := &at.Config{Timeout: time.Second}
	cfg := &Config{
		Links: []LinkConfig{{Type: link.AT, Device: "/dev/ttyUSB2"}},
		AT:    atCfg,
		Clock: clk,
	}

	c := cfg.withDefaults()
	if c.CLI.Clock != clk {
		t.Error("CLI config does not use the configured clock")
	}
	if c.AT.Clock != clk || c.AT.Timeout != time.Second {
		t.Errorf("AT config is %+v; want the configured clock and timeout", c.AT)
	}
	if atCfg.Clock != nil {
		t.Error("withDefaults modified the caller's AT config")
	}
}

func TestWithDefaultsNil(t *testing.T) {
	var cfg *Config
	c := cfg.withDefaults()
	if c.Clock == nil || c.CLI == nil || c.AT == nil || c.AT.Clock == nil {
		t.Errorf("withDefaults(nil) = %+v; want defaults", c)
	}
	if c.UpTimeout != DefaultUpTimeout {
		t.Errorf("UpTimeout = %v; want %v", c.UpTimeout, DefaultUpTimeout)
	}
}
