// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dut

import (
	"context"
	"time"

	"go.legato.io/letp/at"
	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/internal/testingutil"
	"go.legato.io/letp/link"
	"go.legato.io/letp/ssh"
	"go.legato.io/letp/transport"
)

// IsPortResponsive reports whether the link of type pt is open and answers
// a probe: the shell prompt or AT/OK.
func (d *DUT) IsPortResponsive(ctx context.Context, pt link.PortType) bool {
	l, err := d.LinkFor(pt)
	if err != nil {
		return false
	}
	return d.responsive(ctx, l)
}

// IsPortAccessible reports whether the device of the link of type pt is
// still present and the link is responsive. An open link may be responsive
// while its device node went away.
func (d *DUT) IsPortAccessible(ctx context.Context, pt link.PortType) bool {
	l, err := d.LinkFor(pt)
	if err != nil {
		return false
	}
	return d.accessible(ctx, l)
}

func (d *DUT) responsive(ctx context.Context, l *link.Link) bool {
	cur := l.Current()
	if cur == nil || cur.Closed() {
		return false
	}
	switch e := cur.(type) {
	case *at.Session:
		return e.Ping(ctx, d.cfg.ProbeTimeout)
	case CLI:
		// A prompt left over in the buffer proves nothing.
		if err := e.Drain(ctx); err != nil {
			return false
		}
		if err := e.SendLine(ctx, ""); err != nil {
			return false
		}
		ok, err := e.Prompt(ctx, d.cfg.ProbeTimeout)
		return err == nil && ok
	}
	return false
}

func (d *DUT) present(ctx context.Context, l *link.Link) bool {
	switch d.kind(l) {
	case transport.KindSSH:
		var o ssh.Options
		if err := ssh.ParseTarget(l.Device(), &o); err != nil {
			return false
		}
		return d.cfg.Reachable(ctx, o.Hostname, d.cfg.ProbeTimeout)
	case transport.KindTelnet:
		return d.cfg.Reachable(ctx, l.Device(), d.cfg.ProbeTimeout)
	default:
		ok, err := d.cfg.DeviceExists(l.Device())
		if err != nil {
			logging.Debugf(ctx, "Failed to check %s: %v", l.Device(), err)
		}
		return ok
	}
}

func (d *DUT) accessible(ctx context.Context, l *link.Link) bool {
	return d.present(ctx, l) && d.responsive(ctx, l)
}

// watchedLinks returns the links which must be accessible for the device to
// be up: the AT link, then the CLI link if it is used or holds the target
// alias.
func (d *DUT) watchedLinks() []*link.Link {
	var ls []*link.Link
	if l, err := d.LinkFor(link.AT); err == nil {
		ls = append(ls, l)
	}
	if l, err := d.LinkFor(link.CLI); err == nil {
		if d.config(l).Used || d.aliases[TargetAlias] == l {
			ls = append(ls, l)
		}
	}
	return ls
}

func (d *DUT) pollOptions(timeout time.Duration) *testingutil.PollOptions {
	return &testingutil.PollOptions{Timeout: timeout, Interval: d.cfg.PollInterval, Clock: d.cfg.Clock}
}

// WaitForDeviceUp polls the device until its links are accessible. A link
// found inaccessible is reinitialized, one per attempt.
func (d *DUT) WaitForDeviceUp(ctx context.Context, timeout time.Duration) error {
	ls := d.watchedLinks()
	if len(ls) == 0 {
		return d.targetError("no link to watch")
	}
	err := testingutil.Poll(ctx, func(ctx context.Context) error {
		for _, l := range ls {
			if d.accessible(ctx, l) {
				continue
			}
			if err := l.Reinit(ctx); err != nil {
				return errors.Wrapf(err, "%v not accessible", l)
			}
			return errors.Errorf("%v was reinitialized", l)
		}
		return nil
	}, d.pollOptions(timeout))
	if err != nil {
		return errors.Wrapf(err, "%s not up after %v", d.cfg.Name, timeout)
	}
	logging.Infof(ctx, "%s is up", d.cfg.Name)
	return nil
}

// WaitForDeviceDown polls the target link until it is not accessible.
func (d *DUT) WaitForDeviceDown(ctx context.Context, timeout time.Duration) error {
	l, ok := d.aliases[TargetAlias]
	if !ok {
		return d.targetError("no %s link", TargetAlias)
	}
	err := testingutil.Poll(ctx, func(ctx context.Context) error {
		if d.accessible(ctx, l) {
			return errors.Errorf("%v still accessible", l)
		}
		return nil
	}, d.pollOptions(timeout))
	if err != nil {
		return errors.Wrapf(err, "%s not down after %v", d.cfg.Name, timeout)
	}
	logging.Infof(ctx, "%s is down", d.cfg.Name)
	return nil
}

// Reboot restarts the device, by power cycling it if ps is not nil or with
// the reboot command otherwise, and waits up to timeout for it to come back.
// A zero timeout means the configured UpTimeout.
func (d *DUT) Reboot(ctx context.Context, timeout time.Duration, ps PowerSupply) error {
	logging.Infof(ctx, "Rebooting %s", d.cfg.Name)
	if ps != nil {
		if err := ps.Cycle(ctx); err != nil {
			return errors.Wrapf(err, "failed to power cycle %s", d.cfg.Name)
		}
	} else {
		t, err := d.Target(ctx)
		if err != nil {
			return err
		}
		if err := t.SendLine(ctx, d.cfg.RebootCommand); err != nil {
			return errors.Wrapf(err, "failed to send %q", d.cfg.RebootCommand)
		}
	}
	return d.WaitForReboot(ctx, timeout)
}

// WaitForReboot waits for the device to go down within DownTimeout, then
// to come back up within timeout. The error names the phase that did not
// complete.
func (d *DUT) WaitForReboot(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = d.cfg.UpTimeout
	}
	if err := d.WaitForDeviceDown(ctx, d.cfg.DownTimeout); err != nil {
		return errors.Wrap(err, "device did not go down")
	}
	if err := d.WaitForDeviceUp(ctx, timeout); err != nil {
		return errors.Wrap(err, "device did not come up")
	}
	return nil
}
