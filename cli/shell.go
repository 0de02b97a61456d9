// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cli runs commands on the interactive shell of a device.
//
// A Shell frames commands by the shell prompt: it drains stale output,
// sends the command line, skips its echo, waits for the prompt and queries
// the exit status with `echo "<LF>$?"`. SSHShell adds liveness probing and
// transparent reconnection after the device hung up.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/expect"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/shutil"
	"go.legato.io/letp/transport"
)

// exitCodeCmd prints the status of the previous command on a line of its own.
const exitCodeCmd = "echo \"\n$?\""

// maxLoginSteps bounds the number of questions answered during a login.
const maxLoginSteps = 10

var exitCodeRE = expect.Regexp(`\n(\d+)\r?\n`)

type runOptions struct {
	timeout   time.Duration
	localEcho bool
	check     bool
}

// RunOption customizes a single Run.
type RunOption func(*runOptions)

// Timeout sets how long to wait for the prompt after the command was sent.
func Timeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// LocalEcho sets whether the device echoes the command line.
func LocalEcho(echo bool) RunOption {
	return func(o *runOptions) { o.localEcho = echo }
}

// NoCheck makes Run ignore the exit status. Unless RunWithExitStatus is
// used, the exit status is then not queried at all.
func NoCheck() RunOption {
	return func(o *runOptions) { o.check = false }
}

// Shell is an interactive shell on a transport.
//
// A Shell is meant to be used by one goroutine at a time.
type Shell struct {
	sess *expect.Session
	cfg  Config

	prompt, login, password expect.Pattern
	naggers                 []expect.Pattern
}

// New returns a Shell over tr. A nil cfg selects DefaultConfig. Zero
// durations in cfg are replaced by their defaults.
func New(tr transport.Transport, cfg *Config) (*Shell, error) {
	c := cfg.withDefaults()
	s := &Shell{cfg: c}
	var err error
	if s.prompt, err = expect.Compile(c.Prompt); err != nil {
		return nil, err
	}
	if s.login, err = expect.Compile(c.LoginPrompt); err != nil {
		return nil, err
	}
	if s.password, err = expect.Compile(c.PasswordPrompt); err != nil {
		return nil, err
	}
	for _, n := range c.Naggers {
		p, err := expect.Compile(n.Pattern)
		if err != nil {
			return nil, err
		}
		s.naggers = append(s.naggers, p)
	}
	s.sess = expect.New(tr, &expect.Options{Clock: c.Clock})
	return s, nil
}

// Session returns the underlying expect session.
func (s *Shell) Session() *expect.Session {
	return s.sess
}

// Transport returns the underlying transport.
func (s *Shell) Transport() transport.Transport {
	return s.sess.Transport()
}

func (s *Shell) op(what string) string {
	return fmt.Sprintf("%s: %s", s.sess.Transport(), what)
}

// Run runs cmd and returns its output without the echoed command line, the
// prompt and terminal escape sequences. Unless NoCheck is given, a non-zero exit status is reported
// as *CommandFailedError. Communication failures are *expect.ComError.
func (s *Shell) Run(ctx context.Context, cmd string, opts ...RunOption) (string, error) {
	o := s.runOptions(opts)
	code, out, err := s.run(ctx, cmd, o, o.check)
	if err != nil {
		return out, err
	}
	// Without exit status queries only communication failures are checked.
	if o.check && !s.cfg.SkipExitCode && code != 0 {
		return out, &CommandFailedError{Cmd: cmd, Code: code, Output: out}
	}
	return out, nil
}

// RunWithExitStatus runs cmd and returns its exit status and output.
// A non-zero status is not an error. The status is -1 when exit status
// queries are disabled by Config.SkipExitCode.
func (s *Shell) RunWithExitStatus(ctx context.Context, cmd string, opts ...RunOption) (int, string, error) {
	return s.run(ctx, cmd, s.runOptions(opts), true)
}

// RunArgs is like Run with a command line built by quoting args.
func (s *Shell) RunArgs(ctx context.Context, args []string, opts ...RunOption) (string, error) {
	return s.Run(ctx, shutil.EscapeSlice(args), opts...)
}

func (s *Shell) runOptions(opts []RunOption) runOptions {
	o := runOptions{
		timeout:   s.cfg.CommandTimeout,
		localEcho: !s.cfg.NoLocalEcho,
		check:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (s *Shell) run(ctx context.Context, cmd string, o runOptions, wantCode bool) (int, string, error) {
	op := s.op(fmt.Sprintf("run %q", cmd))

	if err := s.sess.Drain(ctx, s.cfg.DrainQuiet); err != nil {
		return -1, "", expect.NewComError(ctx, op, err)
	}
	if err := s.sess.SendLine(ctx, cmd); err != nil {
		return -1, "", expect.NewComError(ctx, op, err)
	}

	if o.localEcho {
		idx, err := s.sess.Expect(ctx, []expect.Pattern{expect.Exact(cmd), expect.Timeout}, s.cfg.EchoTimeout)
		if err != nil {
			return -1, "", expect.NewComError(ctx, op, err)
		}
		if idx == 1 {
			// Whatever arrived stays buffered and becomes the output.
			logging.Debugf(ctx, "No echo of %q received", cmd)
		}
	}

	ok, err := s.Prompt(ctx, o.timeout)
	out := shutil.TrimEOL(shutil.StripANSI(s.sess.Before()))
	if err != nil {
		return -1, out, expect.NewComError(ctx, op, err)
	}
	if !ok {
		return -1, out, expect.NewComError(ctx, op, errors.Wrapf(ErrNoPrompt, "after %v", o.timeout))
	}

	if !wantCode || s.cfg.SkipExitCode {
		return -1, out, nil
	}
	code, err := s.readExitCode(ctx)
	if err != nil {
		return -1, out, expect.NewComError(ctx, op, errors.Wrap(err, "failed to read exit status"))
	}
	return code, out, nil
}

// readExitCode queries the exit status of the previous command.
func (s *Shell) readExitCode(ctx context.Context) (int, error) {
	for attempt := 0; ; attempt++ {
		if err := s.sess.SendLine(ctx, exitCodeCmd); err != nil {
			return -1, err
		}
		idx, err := s.sess.Expect(ctx, []expect.Pattern{exitCodeRE, expect.Timeout}, s.cfg.ExitCodeTimeout)
		if err != nil {
			return -1, err
		}
		if idx == 0 {
			if code, err := strconv.Atoi(s.sess.Submatches()[1]); err == nil {
				s.resync(ctx)
				return code, nil
			}
		}
		if attempt >= s.cfg.ExitCodeRetries {
			return -1, errors.Wrapf(expect.ErrTimeout, "no exit status after %d attempts", attempt+1)
		}
		logging.Debugf(ctx, "No exit status in %q; retrying", s.sess.Before())
		if err := s.sess.Drain(ctx, s.cfg.DrainQuiet); err != nil {
			return -1, err
		}
	}
}

// resync consumes the prompt following an exit status so that it is not
// mistaken for output of the next command.
func (s *Shell) resync(ctx context.Context) {
	idx, err := s.sess.Expect(ctx, []expect.Pattern{s.prompt, expect.Timeout}, s.cfg.PromptRetryTimeout)
	if err == nil && idx == 1 {
		logging.Debug(ctx, "Prompt did not follow the exit status")
	}
}

// Prompt waits up to timeout for the shell prompt. If it does not show up,
// a newline is sent and the prompt is awaited again for PromptRetryTimeout,
// up to PromptRetries times, in case device output pushed it away. It
// returns false once the retries are exhausted.
func (s *Shell) Prompt(ctx context.Context, timeout time.Duration) (bool, error) {
	patterns := []expect.Pattern{s.prompt, expect.Timeout}
	for retries := s.cfg.PromptRetries; ; retries-- {
		idx, err := s.sess.Expect(ctx, patterns, timeout)
		if err != nil {
			return false, err
		}
		if idx == 0 {
			return true, nil
		}
		if retries <= 0 {
			return false, nil
		}
		if err := s.sess.SendLine(ctx, ""); err != nil {
			return false, err
		}
		timeout = s.cfg.PromptRetryTimeout
	}
}

// Login logs in on a console. It provokes output with a newline, answers
// the login and password questions and the first boot naggers, waits for
// the prompt and sets the terminal width. Each step may take up to timeout.
func (s *Shell) Login(ctx context.Context, timeout time.Duration) error {
	if err := s.sess.SendLine(ctx, ""); err != nil {
		return expect.NewComError(ctx, s.op("login"), err)
	}
	if err := s.answerUntilPrompt(ctx, timeout, true); err != nil {
		return err
	}
	return s.SetWidth(ctx)
}

// DismissNaggers answers the first boot questions configured in
// Config.Naggers until the prompt shows up.
func (s *Shell) DismissNaggers(ctx context.Context, timeout time.Duration) error {
	return s.answerUntilPrompt(ctx, timeout, false)
}

func (s *Shell) answerUntilPrompt(ctx context.Context, timeout time.Duration, creds bool) error {
	const (
		idxPrompt = iota
		idxTimeout
		idxLogin
		idxPassword
	)
	op := s.op("login")
	patterns := []expect.Pattern{s.prompt, expect.Timeout}
	first := len(patterns)
	if creds {
		patterns = append(patterns, s.login, s.password)
		first = len(patterns)
	}
	patterns = append(patterns, s.naggers...)

	for step := 0; step < maxLoginSteps; step++ {
		idx, err := s.sess.Expect(ctx, patterns, timeout)
		if err != nil {
			return expect.NewComError(ctx, op, err)
		}
		var answer string
		switch {
		case idx == idxPrompt:
			return nil
		case idx == idxTimeout:
			return expect.NewComError(ctx, op, errors.Wrapf(ErrNoPrompt, "got %q", s.sess.Before()))
		case idx < first && idx == idxLogin:
			answer = s.cfg.User
		case idx < first && idx == idxPassword:
			answer = s.cfg.Password
		default:
			n := s.cfg.Naggers[idx-first]
			logging.Infof(ctx, "Answering %q", s.sess.After())
			answer = n.Answer
			if n.SendPassword {
				answer = s.cfg.Password
			}
		}
		if err := s.sess.SendLine(ctx, answer); err != nil {
			return expect.NewComError(ctx, op, err)
		}
	}
	return expect.NewComError(ctx, op, errors.Wrapf(ErrNoPrompt, "still no prompt after %d answers", maxLoginSteps))
}

// SetWidth sets the terminal width to Config.Cols so that long command
// lines and output are not wrapped.
func (s *Shell) SetWidth(ctx context.Context) error {
	cmd := fmt.Sprintf("stty cols %d", s.cfg.Cols)
	var err error
	for i := 0; i < max(1, s.cfg.SttyRetries); i++ {
		if _, err = s.Run(ctx, cmd, Timeout(s.cfg.PromptRetryTimeout), NoCheck()); err == nil {
			return nil
		}
		if errors.Is(err, expect.ErrEOF) || errors.Is(err, expect.ErrClosed) {
			break
		}
	}
	return errors.Wrap(err, "failed to set terminal width")
}

// Send writes str as is.
func (s *Shell) Send(ctx context.Context, str string) error {
	return s.sess.Send(ctx, str)
}

// SendLine writes line followed by a newline.
func (s *Shell) SendLine(ctx context.Context, line string) error {
	return s.sess.SendLine(ctx, line)
}

// Expect is expect.Session.Expect reporting failures as *expect.ComError.
func (s *Shell) Expect(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (int, error) {
	idx, err := s.sess.Expect(ctx, patterns, timeout)
	if err != nil {
		return idx, expect.NewComError(ctx, s.op(fmt.Sprintf("expect %v", patterns)), err)
	}
	return idx, nil
}

// ExpectExact is like Expect with literal strings.
func (s *Shell) ExpectExact(ctx context.Context, strs []string, timeout time.Duration) (int, error) {
	return s.Expect(ctx, expect.Exacts(strs), timeout)
}

// ExpectInOrder is expect.Session.ExpectInOrder reporting failures as
// *expect.ComError.
func (s *Shell) ExpectInOrder(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (string, error) {
	seen, err := s.sess.ExpectInOrder(ctx, patterns, timeout)
	if err != nil {
		return seen, expect.NewComError(ctx, s.op(fmt.Sprintf("expect in order %v", patterns)), err)
	}
	return seen, nil
}

// Drain discards pending output.
func (s *Shell) Drain(ctx context.Context) error {
	return s.sess.Drain(ctx, s.cfg.DrainQuiet)
}

// Close closes the transport.
func (s *Shell) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

// Closed reports whether the transport was closed.
func (s *Shell) Closed() bool {
	return s.sess.Transport().Closed()
}
