// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package at sends AT commands to the modem port of a device.
//
// Every command completes with a final result code, OK or ERROR. Replies
// are anchored on the echo of the command so that a stale OK left over from
// a previous command is not taken for the result of the next one.
package at

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/expect"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/shutil"
	"go.legato.io/letp/transport"
)

// Defaults of Config.
const (
	DefaultEOL     = "\r"
	DefaultTimeout = 20 * time.Second
)

// Final result codes.
const (
	OK    = "OK"
	Error = "ERROR"
)

// ErrError is wrapped in an *expect.ComError when the modem answered ERROR.
var ErrError = errors.New("modem replied ERROR")

// Result codes are whole lines, so that "OK" inside a payload such as an
// operator name does not end the reply.
var (
	okPattern    = expect.Regexp(`(?m)^OK\r?\n`)
	errorPattern = expect.Regexp(`(?m)^(?:\+CM[ES] ERROR:[^\r\n]*|ERROR)\r?\n`)
)

// Config configures a Session.
type Config struct {
	// EOL terminates commands. Empty means DefaultEOL.
	EOL string
	// Timeout bounds a command unless overridden. Zero means DefaultTimeout.
	Timeout time.Duration
	// Clock drives timeouts. nil means the wall clock.
	Clock clock.Clock
}

// RunOptions customizes a single Run. A nil *RunOptions uses the defaults.
type RunOptions struct {
	// Timeout bounds the whole reply in the default mode, and each expected
	// response otherwise.
	Timeout time.Duration
	// Expect lists regular expressions the reply must contain, in order.
	// If empty, the reply ends with the final result code.
	Expect []string
	// NoCheck turns failures into an empty reply and a nil error.
	NoCheck bool
	// EOL overrides the command terminator.
	EOL string
}

// Session is an AT command channel.
//
// A Session is meant to be used by one goroutine at a time.
type Session struct {
	sess *expect.Session
	cfg  Config
}

// New returns a Session over tr. cfg may be nil.
func New(tr transport.Transport, cfg *Config) *Session {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.EOL == "" {
		c.EOL = DefaultEOL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return &Session{
		sess: expect.New(tr, &expect.Options{Clock: c.Clock, EOL: c.EOL}),
		cfg:  c,
	}
}

// Session returns the underlying expect session.
func (s *Session) Session() *expect.Session {
	return s.sess
}

// Transport returns the underlying transport.
func (s *Session) Transport() transport.Transport {
	return s.sess.Transport()
}

// Run sends cmd and returns the reply, from the echoed command to the final
// result code in the default mode, or the text consumed up to the last
// expected response. ERROR, a timeout or a hang-up are returned as
// *expect.ComError naming cmd, unless opts.NoCheck is set.
func (s *Session) Run(ctx context.Context, cmd string, opts *RunOptions) (string, error) {
	var o RunOptions
	if opts != nil {
		o = *opts
	}
	if o.Timeout <= 0 {
		o.Timeout = s.cfg.Timeout
	}
	if o.EOL == "" {
		o.EOL = s.cfg.EOL
	}

	op := fmt.Sprintf("%s: %q", s.sess.Transport(), cmd)
	var (
		reply string
		err   error
	)
	if err = s.sess.Send(ctx, cmd+o.EOL); err == nil {
		if len(o.Expect) == 0 {
			reply, err = s.waitResult(ctx, cmd, o.Timeout)
		} else {
			reply, err = s.waitResponses(ctx, o.Expect, o.Timeout)
		}
	}
	if err == nil {
		return reply, nil
	}
	if o.NoCheck {
		logging.Infof(ctx, "%s failed: %v; last data %q", op, err, s.sess.Before())
		return "", nil
	}
	return "", expect.NewComError(ctx, op, err)
}

// waitResult waits for the final result code of cmd.
func (s *Session) waitResult(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	// The echo anchor matches from the start of the buffer, so that it
	// wins over a stale result code preceding the echo.
	anchored := expect.Regexp(`\A[\s\S]*?(` + regexp.QuoteMeta(cmd) + `\s(?:[\s\S]*?\n)?OK)\r?\n`)
	patterns := []expect.Pattern{anchored, okPattern, errorPattern, expect.Timeout, expect.EOF}
	idx, err := s.sess.Expect(ctx, patterns, timeout)
	if err != nil {
		return "", err
	}
	switch idx {
	case 0:
		if skipped := strings.TrimSuffix(s.sess.After(), s.sess.Submatches()[1]); strings.TrimSpace(skipped) != "" {
			logging.Debugf(ctx, "Skipped %q before the echo of %q", skipped, cmd)
		}
		return s.sess.Submatches()[1], nil
	case 1:
		return strings.TrimRight(s.sess.Before()+s.sess.After(), "\r\n"), nil
	case 2:
		return "", errors.Wrapf(ErrError, "got %q", strings.TrimRight(s.sess.Before()+s.sess.After(), "\r\n"))
	case 3:
		return "", errors.Wrapf(expect.ErrTimeout, "no result within %v; got %q", timeout, s.sess.Before())
	default:
		return "", errors.Wrapf(expect.ErrEOF, "got %q", s.sess.Before())
	}
}

// waitResponses waits for each of exprs in order.
func (s *Session) waitResponses(ctx context.Context, exprs []string, timeout time.Duration) (string, error) {
	patterns := make([]expect.Pattern, len(exprs))
	for i, e := range exprs {
		p, err := expect.Compile(e)
		if err != nil {
			return "", err
		}
		patterns[i] = p
	}
	return s.sess.ExpectInOrder(ctx, patterns, timeout)
}

// Lines splits reply into its non-empty lines, without the echo of cmd and
// the final result code.
func Lines(reply, cmd string) []string {
	var lines []string
	for _, l := range strings.Split(shutil.NormalizeEOL(reply), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || l == cmd || l == OK {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// Ping reports whether the modem answers AT with OK within timeout.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) bool {
	reply, err := s.Run(ctx, "AT", &RunOptions{Timeout: timeout, NoCheck: true})
	return err == nil && strings.Contains(reply, OK)
}

// EchoOff disables the command echo.
func (s *Session) EchoOff(ctx context.Context) error {
	_, err := s.Run(ctx, "ATE0", nil)
	return err
}

var cpinRE = regexp.MustCompile(`\+CPIN: *([^\r\n]+)`)

// SIMStatus returns the SIM state reported by AT+CPIN?, e.g. "READY" or
// "SIM PIN".
func (s *Session) SIMStatus(ctx context.Context) (string, error) {
	reply, err := s.Run(ctx, "AT+CPIN?", nil)
	if err != nil {
		return "", err
	}
	m := cpinRE.FindStringSubmatch(reply)
	if m == nil {
		return "", errors.Errorf("no SIM status in %q", reply)
	}
	return strings.TrimSpace(m[1]), nil
}

// Firmware returns the firmware revision reported by AT+CGMR.
func (s *Session) Firmware(ctx context.Context) (string, error) {
	const cmd = "AT+CGMR"
	reply, err := s.Run(ctx, cmd, nil)
	if err != nil {
		return "", err
	}
	lines := Lines(reply, cmd)
	if len(lines) == 0 {
		return "", errors.Errorf("no revision in %q", reply)
	}
	return lines[0], nil
}

// Identify returns the product identification lines reported by ATI.
func (s *Session) Identify(ctx context.Context) ([]string, error) {
	const cmd = "ATI"
	reply, err := s.Run(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	return Lines(reply, cmd), nil
}

// Close closes the transport.
func (s *Session) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

// Closed reports whether the transport was closed.
func (s *Session) Closed() bool {
	return s.sess.Transport().Closed()
}
