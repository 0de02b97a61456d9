// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/subcommands"

	"go.legato.io/letp/cli"
	"go.legato.io/letp/dut"
	"go.legato.io/letp/internal/logging"
)

// dutOpener creates the DUT described by a bench file. Tests replace it to
// talk to fake devices.
type dutOpener func(cfg *dut.Config) (*dut.DUT, error)

// openBench loads the bench file at path and creates its DUT.
func openBench(ctx context.Context, path string, open dutOpener) (*dut.DUT, bool) {
	cfg, err := loadBench(path)
	if err != nil {
		logging.Info(ctx, "Failed to load bench: ", err)
		return nil, false
	}
	d, err := open(cfg)
	if err != nil {
		logging.Info(ctx, "Failed to set up device: ", err)
		return nil, false
	}
	return d, true
}

// runCmd implements subcommands.Command to run a shell command on the
// target.
type runCmd struct {
	timeout time.Duration
	noCheck bool
	stdout  io.Writer
	open    dutOpener
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd(stdout io.Writer) *runCmd {
	return &runCmd{stdout: stdout, open: dut.New}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a shell command on the target" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]... <bench.yaml> <command>...

Description:
    Log into the target link of the device and run a command. The command
    output is printed and its exit status is checked unless -nocheck is set.

Flag:
`
}

func (rc *runCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&rc.timeout, "timeout", cli.DefaultCommandTimeout, "time to wait for the command to finish")
	f.BoolVar(&rc.noCheck, "nocheck", false, "do not fail on a non-zero exit status")
}

func (rc *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 2 {
		logging.Info(ctx, "Missing bench or command.\n\n"+rc.Usage())
		return subcommands.ExitUsageError
	}
	d, ok := openBench(ctx, f.Arg(0), rc.open)
	if !ok {
		return subcommands.ExitFailure
	}
	defer d.Teardown(ctx)

	opts := []cli.RunOption{cli.Timeout(rc.timeout)}
	if rc.noCheck {
		opts = append(opts, cli.NoCheck())
	}
	out, err := d.Run(ctx, strings.Join(f.Args()[1:], " "), opts...)
	if out != "" {
		fmt.Fprintln(rc.stdout, out)
	}
	if err != nil {
		logging.Info(ctx, "Command failed: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
