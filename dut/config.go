// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dut

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/exp/slices"

	"go.legato.io/letp/at"
	"go.legato.io/letp/cli"
	"go.legato.io/letp/link"
	"go.legato.io/letp/portdetect"
)

// Defaults of Config.
const (
	DefaultLoginTimeout  = 60 * time.Second
	DefaultDownTimeout   = 60 * time.Second
	DefaultUpTimeout     = 120 * time.Second
	DefaultPollInterval  = 2 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
	DefaultRebootCommand = "reboot"
)

// TargetAlias is the name of the link generic operations like Run go to.
const TargetAlias = "target"

// LinkConfig describes one connection to the device.
type LinkConfig struct {
	// Type is the role of the link.
	Type link.PortType `yaml:"type"`
	// Transport is "serial", "ssh" or "telnet". Empty means "serial".
	Transport string `yaml:"transport"`
	// Device is a serial device specifier (see portdetect.Candidates), a
	// "[user@]host[:port]" SSH target or a telnet "host:port".
	Device      string `yaml:"device"`
	Baud        int    `yaml:"baud"`
	FlowControl bool   `yaml:"flow_control"`
	// Used marks a CLI link that must be up for the device to be
	// considered up.
	Used bool `yaml:"used"`
	// Aliases are bound to the link in addition to the defaults.
	Aliases []string `yaml:"aliases"`
}

// OpenFunc opens the endpoint of a link on dev, the resolved device of lc.
type OpenFunc func(ctx context.Context, lc *LinkConfig, dev string) (link.Endpoint, error)

// PowerSupply can power cycle the device.
type PowerSupply interface {
	Cycle(ctx context.Context) error
}

// Config configures a DUT.
type Config struct {
	// Name identifies the device in logs and errors.
	Name string `yaml:"name"`
	// Links are numbered from 1 in this order. Link 1 is the target.
	Links []LinkConfig `yaml:"links"`

	// User and Password log into consoles and SSH.
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// KeyFile is an SSH private key.
	KeyFile string `yaml:"key_file"`

	// RebootCommand is sent to the target by Reboot without a power supply.
	RebootCommand string `yaml:"reboot_command"`

	LoginTimeout time.Duration `yaml:"login_timeout"`
	DownTimeout  time.Duration `yaml:"down_timeout"`
	UpTimeout    time.Duration `yaml:"up_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// CLI and AT configure the protocols. nil selects their defaults, with
	// User and Password applied to CLI and Clock applied to both.
	CLI *cli.Config `yaml:"-"`
	AT  *at.Config  `yaml:"-"`

	// Detector resolves serial device specifiers. nil creates one.
	Detector *portdetect.Detector `yaml:"-"`
	// Open defaults to opening real transports.
	Open OpenFunc `yaml:"-"`
	// DeviceExists defaults to transport.SerialExists.
	DeviceExists func(dev string) (bool, error) `yaml:"-"`
	// Reachable defaults to cli.CheckCommunication.
	Reachable func(ctx context.Context, addr string, timeout time.Duration) bool `yaml:"-"`
	// Clock paces polling. nil means the wall clock.
	Clock clock.Clock `yaml:"-"`
}

// withDefaults returns a copy of c with defaults filled in. A nil c is the
// zero Config.
func (c *Config) withDefaults() Config {
	var r Config
	if c != nil {
		r = *c
	}
	r.Links = slices.Clone(r.Links)
	for _, d := range []struct {
		p   *time.Duration
		def time.Duration
	}{
		{&r.LoginTimeout, DefaultLoginTimeout},
		{&r.DownTimeout, DefaultDownTimeout},
		{&r.UpTimeout, DefaultUpTimeout},
		{&r.PollInterval, DefaultPollInterval},
		{&r.ProbeTimeout, DefaultProbeTimeout},
	} {
		if *d.p <= 0 {
			*d.p = d.def
		}
	}
	if r.RebootCommand == "" {
		r.RebootCommand = DefaultRebootCommand
	}
	if r.Clock == nil {
		r.Clock = clock.NewClock()
	}
	if r.CLI == nil {
		r.CLI = cli.DefaultConfig()
	} else {
		cc := *r.CLI
		r.CLI = &cc
	}
	if r.User != "" {
		r.CLI.User = r.User
	}
	if r.Password != "" {
		r.CLI.Password = r.Password
	}
	if r.CLI.Clock == nil {
		r.CLI.Clock = r.Clock
	}
	ac := at.Config{}
	if r.AT != nil {
		ac = *r.AT
	}
	if ac.Clock == nil {
		ac.Clock = r.Clock
	}
	r.AT = &ac
	return r
}
