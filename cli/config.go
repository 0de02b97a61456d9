// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cli

import (
	"time"

	"code.cloudfoundry.org/clock"
)

// Defaults of Config. The retry counts and delays are tuned to the boot
// timing of the supported modules.
const (
	DefaultPrompt         = `root@.+:.+#`
	DefaultLoginPrompt    = `[^ ]+ login:`
	DefaultPasswordPrompt = `[Pp]assword:`
	DefaultUser           = "root"

	DefaultCommandTimeout     = 20 * time.Second
	DefaultPromptRetries      = 2
	DefaultPromptRetryTimeout = 2 * time.Second
	DefaultExitCodeRetries    = 2
	DefaultExitCodeTimeout    = 5 * time.Second
	DefaultSttyRetries        = 5
	DefaultCols               = 200
	DefaultDrainQuiet         = 100 * time.Millisecond
	DefaultEchoTimeout        = time.Second
	DefaultProbeTimeout       = 2 * time.Second
	DefaultProbeInterval      = 10 * time.Second
	DefaultReconnectTimeout   = 30 * time.Second
)

// Nagger is an interactive question printed by a device on its first boot
// before the shell becomes usable.
type Nagger struct {
	// Pattern is a regular expression matching the question.
	Pattern string
	// Answer is sent as a line when Pattern shows up.
	Answer string
	// SendPassword sends Config.Password instead of Answer.
	SendPassword bool
}

// DefaultNaggers answers the root password setup of a freshly flashed
// Legato image.
var DefaultNaggers = []Nagger{
	{Pattern: `(?i)do you want to set a (root )?password.*\?`, Answer: "n"},
	{Pattern: `(?i)(retype|re-enter|confirm) (new )?password:`, SendPassword: true},
	{Pattern: `(?i)new password:`, SendPassword: true},
}

// Config configures a Shell.
type Config struct {
	// Prompt, LoginPrompt and PasswordPrompt are regular expressions.
	Prompt         string
	LoginPrompt    string
	PasswordPrompt string

	// User and Password are used by Login.
	User     string
	Password string

	// CommandTimeout bounds the prompt wait of Run unless overridden.
	CommandTimeout time.Duration
	// PromptRetries is how many times Prompt sends a newline and waits
	// PromptRetryTimeout again after the first wait timed out.
	PromptRetries      int
	PromptRetryTimeout time.Duration
	// ExitCodeRetries is how many times the exit status query is repeated
	// when no status line is read within ExitCodeTimeout.
	ExitCodeRetries int
	ExitCodeTimeout time.Duration
	// SkipExitCode disables the exit status query, e.g. on consoles that
	// are not a POSIX shell. RunWithExitStatus then reports -1.
	SkipExitCode bool
	// SttyRetries bounds the attempts to set the terminal width to Cols
	// after login.
	SttyRetries int
	Cols        int

	// DrainQuiet is how long the device must stay quiet before a command
	// is sent.
	DrainQuiet time.Duration
	// EchoTimeout bounds the wait for the echo of a command.
	EchoTimeout time.Duration
	// NoLocalEcho disables the echo check by default.
	NoLocalEcho bool

	Naggers []Nagger

	// ProbeTimeout bounds one liveness probe of an SSH device.
	ProbeTimeout time.Duration
	// ProbeInterval is the delay between liveness probes.
	ProbeInterval time.Duration
	// ReconnectTimeout bounds the wait for an SSH device to come back
	// after it hung up.
	ReconnectTimeout time.Duration
	// LoginDelay is waited between the SSH service answering and the
	// connection, while the rest of the system starts. Zero means none.
	LoginDelay time.Duration

	// Clock drives all timeouts. nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the configuration of a Legato Linux target.
func DefaultConfig() *Config {
	return &Config{
		Prompt:             DefaultPrompt,
		LoginPrompt:        DefaultLoginPrompt,
		PasswordPrompt:     DefaultPasswordPrompt,
		User:               DefaultUser,
		CommandTimeout:     DefaultCommandTimeout,
		PromptRetries:      DefaultPromptRetries,
		PromptRetryTimeout: DefaultPromptRetryTimeout,
		ExitCodeRetries:    DefaultExitCodeRetries,
		ExitCodeTimeout:    DefaultExitCodeTimeout,
		SttyRetries:        DefaultSttyRetries,
		Cols:               DefaultCols,
		DrainQuiet:         DefaultDrainQuiet,
		EchoTimeout:        DefaultEchoTimeout,
		Naggers:            append([]Nagger(nil), DefaultNaggers...),
		ProbeTimeout:       DefaultProbeTimeout,
		ProbeInterval:      DefaultProbeInterval,
		ReconnectTimeout:   DefaultReconnectTimeout,
	}
}

// withDefaults returns a copy of c with zero fields set to their defaults.
// Zero retry counts are kept since they are meaningful.
func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	if c == nil {
		return *d
	}
	r := *c
	setStr := func(p *string, def string) {
		if *p == "" {
			*p = def
		}
	}
	setDur := func(p *time.Duration, def time.Duration) {
		if *p <= 0 {
			*p = def
		}
	}
	setStr(&r.Prompt, d.Prompt)
	setStr(&r.LoginPrompt, d.LoginPrompt)
	setStr(&r.PasswordPrompt, d.PasswordPrompt)
	setStr(&r.User, d.User)
	setDur(&r.CommandTimeout, d.CommandTimeout)
	setDur(&r.PromptRetryTimeout, d.PromptRetryTimeout)
	setDur(&r.ExitCodeTimeout, d.ExitCodeTimeout)
	setDur(&r.DrainQuiet, d.DrainQuiet)
	setDur(&r.EchoTimeout, d.EchoTimeout)
	setDur(&r.ProbeTimeout, d.ProbeTimeout)
	setDur(&r.ProbeInterval, d.ProbeInterval)
	setDur(&r.ReconnectTimeout, d.ReconnectTimeout)
	if r.Cols <= 0 {
		r.Cols = d.Cols
	}
	if r.Clock == nil {
		r.Clock = clock.NewClock()
	}
	return r
}
