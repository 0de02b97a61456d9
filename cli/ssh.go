// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cli

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/expect"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/internal/testingutil"
	"go.legato.io/letp/ssh"
	"go.legato.io/letp/transport"
)

// Dialer opens a new transport to the device.
type Dialer func(ctx context.Context) (transport.Transport, error)

// pinger is implemented by transports whose connection can be checked
// independently of the shell running over it.
type pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// SSHShell is a Shell reached over SSH. When the device hangs up in the
// middle of an operation, SSHShell waits for it to come back, reconnects
// and retries the operation once.
type SSHShell struct {
	addr string
	dial Dialer
	cfg  Config

	sh        *Shell
	reiniting atomic.Bool
}

// NewSSHShell returns an SSHShell reaching the device at addr ("host:port")
// through dial. It is not connected until Login is called.
func NewSSHShell(addr string, dial Dialer, cfg *Config) *SSHShell {
	return &SSHShell{addr: addr, dial: dial, cfg: cfg.withDefaults()}
}

// DialSSH connects to target ("[user@]host[:port]") with opts and logs in,
// waiting up to timeout for the SSH service. A nil opts authenticates as
// root with an empty password.
func DialSSH(ctx context.Context, target string, opts *ssh.Options, cfg *Config, timeout time.Duration) (*SSHShell, error) {
	var o ssh.Options
	if opts != nil {
		o = *opts
	}
	user := o.User
	if err := ssh.ParseTarget(target, &o); err != nil {
		return nil, err
	}
	if user != "" && !strings.Contains(target, "@") {
		o.User = user
	}

	c := cfg.withDefaults()
	if c.Password == "" {
		c.Password = o.Password
	}
	dial := func(ctx context.Context) (transport.Transport, error) {
		conn, err := ssh.New(ctx, &o)
		if err != nil {
			return nil, err
		}
		return transport.OpenSSH(ctx, conn, c.Cols, 0)
	}
	s := NewSSHShell(o.Hostname, dial, &c)
	if err := s.Login(ctx, timeout); err != nil {
		return nil, err
	}
	return s, nil
}

// CheckCommunication reports whether a TCP service at addr accepts a
// connection and sends something, like the SSH version banner, within
// timeout.
func CheckCommunication(ctx context.Context, addr string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		logging.Debugf(ctx, "%s not reachable: %v", addr, err)
		return false
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if n == 0 {
		logging.Debugf(ctx, "%s sent nothing: %v", addr, err)
		return false
	}
	logging.Debugf(ctx, "%s answered %q", addr, strings.TrimSpace(string(buf[:n])))
	return true
}

// Addr returns the "host:port" address of the device.
func (s *SSHShell) Addr() string {
	return s.addr
}

// Shell returns the current shell, or nil before Login.
func (s *SSHShell) Shell() *Shell {
	return s.sh
}

// WaitForDeviceUp polls the SSH service of the device every
// Config.ProbeInterval until it answers or timeout elapses.
func (s *SSHShell) WaitForDeviceUp(ctx context.Context, timeout time.Duration) error {
	if err := testingutil.Poll(ctx, func(ctx context.Context) error {
		if !CheckCommunication(ctx, s.addr, s.cfg.ProbeTimeout) {
			return errors.Errorf("%s not reachable", s.addr)
		}
		return nil
	}, s.pollOptions(timeout)); err != nil {
		return errors.Wrapf(err, "%s did not come up", s.addr)
	}
	return nil
}

// WaitForDeviceDown polls the SSH service of the device until it stops
// answering or timeout elapses.
func (s *SSHShell) WaitForDeviceDown(ctx context.Context, timeout time.Duration) error {
	if err := testingutil.Poll(ctx, func(ctx context.Context) error {
		if CheckCommunication(ctx, s.addr, s.cfg.ProbeTimeout) {
			return errors.Errorf("%s still reachable", s.addr)
		}
		return nil
	}, s.pollOptions(timeout)); err != nil {
		return errors.Wrapf(err, "%s did not go down", s.addr)
	}
	return nil
}

func (s *SSHShell) pollOptions(timeout time.Duration) *testingutil.PollOptions {
	return &testingutil.PollOptions{Timeout: timeout, Interval: s.cfg.ProbeInterval, Clock: s.cfg.Clock}
}

// Login waits up to timeout for the SSH service, connects, dismisses the
// first boot naggers and sets the terminal width.
func (s *SSHShell) Login(ctx context.Context, timeout time.Duration) error {
	if err := s.WaitForDeviceUp(ctx, timeout); err != nil {
		return err
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	return s.connect(ctx)
}

// settle waits Config.LoginDelay after the device came up.
func (s *SSHShell) settle(ctx context.Context) error {
	if s.cfg.LoginDelay <= 0 {
		return nil
	}
	logging.Debugf(ctx, "Waiting %v for %s to settle", s.cfg.LoginDelay, s.addr)
	return testingutil.SleepClock(ctx, s.cfg.Clock, s.cfg.LoginDelay)
}

func (s *SSHShell) connect(ctx context.Context) error {
	tr, err := s.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", s.addr)
	}
	sh, err := New(tr, &s.cfg)
	if err != nil {
		tr.Close(ctx)
		return err
	}
	if err := sh.DismissNaggers(ctx, s.cfg.CommandTimeout); err != nil {
		sh.Close(ctx)
		return err
	}
	if err := sh.SetWidth(ctx); err != nil {
		sh.Close(ctx)
		return err
	}
	if s.sh != nil {
		s.sh.Close(ctx)
	}
	s.sh = sh
	return nil
}

// Reinit closes the current session and connects again. It fails with
// ErrReinitInProgress without doing anything if another Reinit of s is
// running.
func (s *SSHShell) Reinit(ctx context.Context) error {
	if !s.reiniting.CompareAndSwap(false, true) {
		return errors.Wrap(ErrReinitInProgress, s.addr)
	}
	defer s.reiniting.Store(false)

	logging.Infof(ctx, "Reconnecting to %s", s.addr)
	if s.sh != nil {
		s.sh.Close(ctx)
		s.sh = nil
	}
	return s.connect(ctx)
}

func (s *SSHShell) current() (*Shell, error) {
	if s.sh == nil {
		return nil, errors.Wrapf(expect.ErrClosed, "%s: not connected", s.addr)
	}
	return s.sh, nil
}

// withReconnect runs f. If f fails because the device hung up, the device
// is awaited for Config.ReconnectTimeout, the session is reinitialized and
// f is run once more. A second failure is returned as is.
func (s *SSHShell) withReconnect(ctx context.Context, f func(sh *Shell) error) error {
	sh, err := s.current()
	if err != nil {
		return err
	}
	err = f(sh)
	if err == nil || !errors.Is(err, expect.ErrEOF) {
		return err
	}

	logging.Warningf(ctx, "%s hung up; reconnecting", s.addr)
	if p, ok := sh.Transport().(pinger); ok && p.Ping(ctx, s.cfg.ProbeTimeout) == nil {
		// Only the shell ended; the device did not reboot.
		logging.Infof(ctx, "Connection to %s is still alive", s.addr)
	} else {
		if rerr := s.WaitForDeviceUp(ctx, s.cfg.ReconnectTimeout); rerr != nil {
			return errors.Wrapf(rerr, "failed to recover from %v", err)
		}
		if rerr := s.settle(ctx); rerr != nil {
			return errors.Wrapf(rerr, "failed to recover from %v", err)
		}
	}
	if rerr := s.Reinit(ctx); rerr != nil {
		return errors.Wrapf(rerr, "failed to recover from %v", err)
	}
	return f(s.sh)
}

// Run is Shell.Run with reconnection.
func (s *SSHShell) Run(ctx context.Context, cmd string, opts ...RunOption) (string, error) {
	var out string
	err := s.withReconnect(ctx, func(sh *Shell) error {
		var err error
		out, err = sh.Run(ctx, cmd, opts...)
		return err
	})
	return out, err
}

// RunWithExitStatus is Shell.RunWithExitStatus with reconnection.
func (s *SSHShell) RunWithExitStatus(ctx context.Context, cmd string, opts ...RunOption) (int, string, error) {
	var (
		code int
		out  string
	)
	err := s.withReconnect(ctx, func(sh *Shell) error {
		var err error
		code, out, err = sh.RunWithExitStatus(ctx, cmd, opts...)
		return err
	})
	return code, out, err
}

// RunArgs is Shell.RunArgs with reconnection.
func (s *SSHShell) RunArgs(ctx context.Context, args []string, opts ...RunOption) (string, error) {
	var out string
	err := s.withReconnect(ctx, func(sh *Shell) error {
		var err error
		out, err = sh.RunArgs(ctx, args, opts...)
		return err
	})
	return out, err
}

// Prompt is Shell.Prompt with reconnection.
func (s *SSHShell) Prompt(ctx context.Context, timeout time.Duration) (bool, error) {
	var ok bool
	err := s.withReconnect(ctx, func(sh *Shell) error {
		var err error
		ok, err = sh.Prompt(ctx, timeout)
		return err
	})
	return ok, err
}

// Expect is Shell.Expect with reconnection.
func (s *SSHShell) Expect(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (int, error) {
	var idx int
	err := s.withReconnect(ctx, func(sh *Shell) error {
		var err error
		idx, err = sh.Expect(ctx, patterns, timeout)
		return err
	})
	return idx, err
}

// ExpectExact is Shell.ExpectExact with reconnection.
func (s *SSHShell) ExpectExact(ctx context.Context, strs []string, timeout time.Duration) (int, error) {
	return s.Expect(ctx, expect.Exacts(strs), timeout)
}

// ExpectInOrder is Shell.ExpectInOrder with reconnection.
func (s *SSHShell) ExpectInOrder(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (string, error) {
	var seen string
	err := s.withReconnect(ctx, func(sh *Shell) error {
		var err error
		seen, err = sh.ExpectInOrder(ctx, patterns, timeout)
		return err
	})
	return seen, err
}

// Send writes str to the current session.
func (s *SSHShell) Send(ctx context.Context, str string) error {
	sh, err := s.current()
	if err != nil {
		return err
	}
	return sh.Send(ctx, str)
}

// SendLine writes line and a newline to the current session.
func (s *SSHShell) SendLine(ctx context.Context, line string) error {
	sh, err := s.current()
	if err != nil {
		return err
	}
	return sh.SendLine(ctx, line)
}

// Drain discards pending output of the current session.
func (s *SSHShell) Drain(ctx context.Context) error {
	sh, err := s.current()
	if err != nil {
		return err
	}
	return sh.Drain(ctx)
}

// Close closes the current session.
func (s *SSHShell) Close(ctx context.Context) error {
	if s.sh == nil {
		return nil
	}
	err := s.sh.Close(ctx)
	s.sh = nil
	return err
}

// Closed reports whether s has no open session.
func (s *SSHShell) Closed() bool {
	return s.sh == nil || s.sh.Closed()
}
