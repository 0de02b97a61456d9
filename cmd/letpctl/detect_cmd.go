// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/link"
	"go.legato.io/letp/portdetect"
)

// detectCmd implements subcommands.Command to identify the ports of a
// module.
type detectCmd struct {
	baud    int
	timeout time.Duration
	stdout  io.Writer
	// cfg is the base configuration of the detector.
	cfg portdetect.Config
}

var _ = subcommands.Command(&detectCmd{})

func newDetectCmd(stdout io.Writer) *detectCmd {
	return &detectCmd{stdout: stdout}
}

func (*detectCmd) Name() string     { return "detect" }
func (*detectCmd) Synopsis() string { return "identify console and AT ports" }
func (*detectCmd) Usage() string {
	return `Usage: detect [flag]... [spec]...

Description:
    Probe serial devices and print the port type of those answering.

Spec:
    A device node like /dev/ttyUSB0, a USB topology id like 1-1.2 or
    1-1.2:1.0, usb:VID:PID or usb:SERIAL. Without spec all serial ports
    are probed.

Flag:
`
}

func (dc *detectCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&dc.baud, "baud", 115200, "baud rate of the probed ports")
	f.DurationVar(&dc.timeout, "timeout", portdetect.DefaultTimeout, "time to wait for each answer")
}

func (dc *detectCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	specs := f.Args()
	if len(specs) == 0 {
		specs = []string{""}
	}

	cfg := dc.cfg
	cfg.Baud = dc.baud
	cfg.Timeout = dc.timeout
	d := portdetect.New(&cfg)

	status := subcommands.ExitSuccess
	for _, spec := range specs {
		res, err := d.Detect(ctx, spec)
		if err != nil {
			logging.Infof(ctx, "Failed to probe %q: %v", spec, err)
			status = subcommands.ExitFailure
			continue
		}
		if len(res.Ports) == 0 {
			logging.Infof(ctx, "No port found for %q", spec)
			dc.reportHolders(ctx, d, spec)
			status = subcommands.ExitFailure
			continue
		}
		for _, pt := range portTypes(res.Ports) {
			fmt.Fprintf(dc.stdout, "%s\t%s\n", pt, res.Ports[pt])
		}
	}
	return status
}

// reportHolders logs the processes keeping the candidates of spec busy.
func (dc *detectCmd) reportHolders(ctx context.Context, d *portdetect.Detector, spec string) {
	cands, err := d.Candidates(spec)
	if err != nil {
		return
	}
	for _, dev := range cands {
		hs, err := portdetect.Holders(ctx, dev)
		if err != nil {
			logging.Infof(ctx, "Failed to list holders of %s: %v", dev, err)
			return
		}
		if len(hs) > 0 {
			logging.Infof(ctx, "%s is held by %v", dev, hs)
		}
	}
}

// portTypes lists the port types in a stable order.
func portTypes(m map[link.PortType]string) []link.PortType {
	ts := maps.Keys(m)
	slices.Sort(ts)
	return ts
}
