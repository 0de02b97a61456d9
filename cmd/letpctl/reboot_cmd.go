// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"time"

	"github.com/google/subcommands"

	"go.legato.io/letp/dut"
	"go.legato.io/letp/internal/logging"
)

// rebootCmd implements subcommands.Command to reboot a device.
type rebootCmd struct {
	timeout time.Duration
	open    dutOpener
}

var _ = subcommands.Command(&rebootCmd{})

func newRebootCmd() *rebootCmd {
	return &rebootCmd{open: dut.New}
}

func (*rebootCmd) Name() string     { return "reboot" }
func (*rebootCmd) Synopsis() string { return "reboot a device and wait for it" }
func (*rebootCmd) Usage() string {
	return `Usage: reboot [flag]... <bench.yaml>

Description:
    Send the reboot command to the target link, wait for the device to go
    down and for its links to come back.

Flag:
`
}

func (rc *rebootCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&rc.timeout, "timeout", dut.DefaultUpTimeout, "time to wait for the device to come back")
}

func (rc *rebootCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logging.Info(ctx, "Want a bench.\n\n"+rc.Usage())
		return subcommands.ExitUsageError
	}
	d, ok := openBench(ctx, f.Arg(0), rc.open)
	if !ok {
		return subcommands.ExitFailure
	}
	defer d.Teardown(ctx)

	if err := d.Reboot(ctx, rc.timeout, nil); err != nil {
		logging.Info(ctx, "Reboot failed: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
