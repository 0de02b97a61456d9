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

	"go.legato.io/letp/at"
	"go.legato.io/letp/dut"
	"go.legato.io/letp/internal/logging"
)

// atCmd implements subcommands.Command to send an AT command to the modem.
type atCmd struct {
	timeout time.Duration
	expect  string
	stdout  io.Writer
	open    dutOpener
}

var _ = subcommands.Command(&atCmd{})

func newATCmd(stdout io.Writer) *atCmd {
	return &atCmd{stdout: stdout, open: dut.New}
}

func (*atCmd) Name() string     { return "at" }
func (*atCmd) Synopsis() string { return "send an AT command" }
func (*atCmd) Usage() string {
	return `Usage: at [flag]... <bench.yaml> <command>

Description:
    Send a command on the AT link of the device and print the reply.

    $ letpctl at bench.yaml 'AT+CPIN?'

Flag:
`
}

func (ac *atCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&ac.timeout, "timeout", at.DefaultTimeout, "time to wait for the reply")
	f.StringVar(&ac.expect, "expect", "", "comma-separated regular expressions expected in order instead of OK")
}

func (ac *atCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		logging.Info(ctx, "Want a bench and a command.\n\n"+ac.Usage())
		return subcommands.ExitUsageError
	}
	d, ok := openBench(ctx, f.Arg(0), ac.open)
	if !ok {
		return subcommands.ExitFailure
	}
	defer d.Teardown(ctx)

	opts := &at.RunOptions{Timeout: ac.timeout}
	if ac.expect != "" {
		opts.Expect = strings.Split(ac.expect, ",")
	}
	reply, err := d.RunAT(ctx, f.Arg(1), opts)
	if err != nil {
		logging.Info(ctx, "AT command failed: ", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(ac.stdout, strings.TrimSpace(reply))
	return subcommands.ExitSuccess
}
