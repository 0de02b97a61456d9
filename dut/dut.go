// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dut manages the connections to one device under test.
//
// A DUT owns one link.Link per configured interface and routes every
// operation to the link currently bound to the relevant name, so links can
// be reinitialized in the middle of a test without invalidating the DUT.
// Generic shell operations go to the link named "target", which is link 1
// unless rebound.
package dut

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.legato.io/letp/at"
	"go.legato.io/letp/cli"
	"go.legato.io/letp/errors"
	"go.legato.io/letp/expect"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/link"
	"go.legato.io/letp/portdetect"
	"go.legato.io/letp/transport"
)

// CLI is the shell capability of a link, implemented by *cli.Shell and
// *cli.SSHShell.
type CLI interface {
	link.Endpoint
	Run(ctx context.Context, cmd string, opts ...cli.RunOption) (string, error)
	RunWithExitStatus(ctx context.Context, cmd string, opts ...cli.RunOption) (int, string, error)
	RunArgs(ctx context.Context, args []string, opts ...cli.RunOption) (string, error)
	Send(ctx context.Context, s string) error
	SendLine(ctx context.Context, line string) error
	Expect(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (int, error)
	ExpectExact(ctx context.Context, strs []string, timeout time.Duration) (int, error)
	ExpectInOrder(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (string, error)
	Prompt(ctx context.Context, timeout time.Duration) (bool, error)
	Login(ctx context.Context, timeout time.Duration) error
	Drain(ctx context.Context) error
}

var (
	_ CLI = (*cli.Shell)(nil)
	_ CLI = (*cli.SSHShell)(nil)
)

// TargetError reports a device configuration or resolution failure.
type TargetError struct {
	Target string
	Msg    string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %s", e.Target, e.Msg)
}

// DUT is a device under test.
//
// A DUT is meant to be used by one goroutine at a time.
type DUT struct {
	cfg   Config
	links []*link.Link
	kinds []transport.Kind
	// aliases maps each name to the only link holding it.
	aliases map[string]*link.Link
}

// New returns a DUT for cfg. No connection is opened until first use.
func New(cfg *Config) (*DUT, error) {
	c := cfg.withDefaults()
	if c.Name == "" {
		c.Name = "dut"
	}
	if len(c.Links) == 0 {
		return nil, &TargetError{Target: c.Name, Msg: "no link configured"}
	}
	if c.Detector == nil {
		c.Detector = portdetect.New(&portdetect.Config{Baud: c.Links[0].Baud, FlowControl: c.Links[0].FlowControl})
	}
	if c.DeviceExists == nil {
		c.DeviceExists = transport.SerialExists
	}
	if c.Reachable == nil {
		c.Reachable = cli.CheckCommunication
	}

	d := &DUT{cfg: c, aliases: make(map[string]*link.Link)}
	if d.cfg.Open == nil {
		d.cfg.Open = d.openLink
	}
	for i := range c.Links {
		lc := &d.cfg.Links[i]
		if _, err := link.ParsePortType(string(lc.Type)); err != nil {
			return nil, &TargetError{Target: c.Name, Msg: fmt.Sprintf("link %d: %v", i+1, err)}
		}
		if lc.Transport == "" {
			lc.Transport = transport.KindSerial.String()
		}
		kind, err := transport.ParseKind(lc.Transport)
		if err != nil {
			return nil, &TargetError{Target: c.Name, Msg: fmt.Sprintf("link %d: %v", i+1, err)}
		}
		if lc.Device == "" && kind != transport.KindSerial {
			return nil, &TargetError{Target: c.Name, Msg: fmt.Sprintf("link %d: no %s address", i+1, kind)}
		}
		if lc.Type == link.AT && kind == transport.KindSSH {
			return nil, &TargetError{Target: c.Name, Msg: fmt.Sprintf("link %d: no AT port over ssh", i+1)}
		}

		opts := &link.Options{
			Index:  i + 1,
			Type:   lc.Type,
			Device: lc.Device,
			Init: func(ctx context.Context, dev string) (link.Endpoint, error) {
				ep, err := d.cfg.Open(ctx, lc, dev)
				if err == nil && kind == transport.KindSerial {
					// Resolve looks for a renumbered port on this USB
					// device only.
					d.cfg.Detector.Track(dev)
				}
				return ep, err
			},
			Binder: d,
		}
		if kind == transport.KindSerial {
			opts.Resolve = d.cfg.Detector.Resolve
			opts.ResolveFirst = portdetect.NeedsResolution(lc.Device)
		}
		d.links = append(d.links, link.New(opts))
		d.kinds = append(d.kinds, kind)
	}

	d.links[0].AddAlias(TargetAlias)
	for i, l := range d.links {
		if _, ok := d.aliases[string(l.Type())]; !ok {
			l.AddAlias(string(l.Type()))
		}
		for _, a := range d.cfg.Links[i].Aliases {
			l.AddAlias(a)
		}
	}
	return d, nil
}

// Name returns the name of the device.
func (d *DUT) Name() string { return d.cfg.Name }

func (d *DUT) targetError(format string, args ...interface{}) error {
	return &TargetError{Target: d.cfg.Name, Msg: fmt.Sprintf(format, args...)}
}

// Bind records that name designates l. Names are exclusive: the link
// previously holding name loses it.
func (d *DUT) Bind(name string, l *link.Link) {
	if prev, ok := d.aliases[name]; ok && prev != l {
		prev.RemoveAlias(name)
	}
	d.aliases[name] = l
}

// Unbind forgets name if l holds it.
func (d *DUT) Unbind(name string, l *link.Link) {
	if d.aliases[name] == l {
		delete(d.aliases, name)
	}
}

// Links returns the links in configuration order.
func (d *DUT) Links() []*link.Link {
	return slices.Clone(d.links)
}

// Link returns link i, counting from 1.
func (d *DUT) Link(i int) (*link.Link, error) {
	if i < 1 || i > len(d.links) {
		return nil, d.targetError("no link %d", i)
	}
	return d.links[i-1], nil
}

// LinkFor returns the link named after pt, or the first link of type pt.
func (d *DUT) LinkFor(pt link.PortType) (*link.Link, error) {
	if l, ok := d.aliases[string(pt)]; ok {
		return l, nil
	}
	for _, l := range d.links {
		if l.Type() == pt {
			return l, nil
		}
	}
	return nil, d.targetError("no %s port declared", pt)
}

// AddAlias binds name to link i.
func (d *DUT) AddAlias(i int, name string) error {
	l, err := d.Link(i)
	if err != nil {
		return err
	}
	l.AddAlias(name)
	return nil
}

// RemoveAlias unbinds name. The target alias cannot be removed, only moved
// with AddAlias.
func (d *DUT) RemoveAlias(name string) error {
	if name == TargetAlias {
		return d.targetError("the %s alias must stay bound", TargetAlias)
	}
	if l, ok := d.aliases[name]; ok {
		l.RemoveAlias(name)
	}
	return nil
}

// Alias returns the link bound to name.
func (d *DUT) Alias(name string) (*link.Link, bool) {
	l, ok := d.aliases[name]
	return l, ok
}

// Aliases maps every bound name to the index of its link.
func (d *DUT) Aliases() map[string]int {
	m := make(map[string]int, len(d.aliases))
	for name, l := range d.aliases {
		m[name] = l.Index()
	}
	return m
}

func (d *DUT) kind(l *link.Link) transport.Kind {
	return d.kinds[l.Index()-1]
}

func (d *DUT) config(l *link.Link) *LinkConfig {
	return &d.cfg.Links[l.Index()-1]
}

// logContext prefixes the logs emitted on behalf of l with its port type.
func logContext(ctx context.Context, l *link.Link) context.Context {
	return logging.SetLogPrefix(ctx, "["+string(l.Type())+"] ")
}

func cliOf(ctx context.Context, l *link.Link) (CLI, error) {
	obj, err := l.Obj(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := obj.(CLI)
	if !ok {
		return nil, errors.Errorf("%v is not a shell", l)
	}
	return c, nil
}

// Target returns the shell of the link currently bound to the target
// alias, opening it if needed.
func (d *DUT) Target(ctx context.Context) (CLI, error) {
	_, t, err := d.target(ctx)
	return t, err
}

// target is Target that also returns ctx prefixed for the target link.
func (d *DUT) target(ctx context.Context) (context.Context, CLI, error) {
	l, ok := d.aliases[TargetAlias]
	if !ok {
		return ctx, nil, d.targetError("no %s link", TargetAlias)
	}
	ctx = logContext(ctx, l)
	t, err := cliOf(ctx, l)
	return ctx, t, err
}

// CLI returns the shell of the CLI link.
func (d *DUT) CLI(ctx context.Context) (CLI, error) {
	l, err := d.LinkFor(link.CLI)
	if err != nil {
		return nil, err
	}
	return cliOf(ctx, l)
}

// AT returns the session of the AT link.
func (d *DUT) AT(ctx context.Context) (*at.Session, error) {
	_, s, err := d.modem(ctx)
	return s, err
}

func (d *DUT) modem(ctx context.Context) (context.Context, *at.Session, error) {
	l, err := d.LinkFor(link.AT)
	if err != nil {
		return ctx, nil, err
	}
	ctx = logContext(ctx, l)
	obj, err := l.Obj(ctx)
	if err != nil {
		return ctx, nil, err
	}
	s, ok := obj.(*at.Session)
	if !ok {
		return ctx, nil, errors.Errorf("%v is not an AT port", l)
	}
	return ctx, s, nil
}

// Run runs cmd on the target. See cli.Shell.Run.
func (d *DUT) Run(ctx context.Context, cmd string, opts ...cli.RunOption) (string, error) {
	ctx, t, err := d.target(ctx)
	if err != nil {
		return "", err
	}
	return t.Run(ctx, cmd, opts...)
}

// RunWithExitStatus runs cmd on the target and returns its exit status.
func (d *DUT) RunWithExitStatus(ctx context.Context, cmd string, opts ...cli.RunOption) (int, string, error) {
	ctx, t, err := d.target(ctx)
	if err != nil {
		return 0, "", err
	}
	return t.RunWithExitStatus(ctx, cmd, opts...)
}

// SendLine sends line to the target.
func (d *DUT) SendLine(ctx context.Context, line string) error {
	ctx, t, err := d.target(ctx)
	if err != nil {
		return err
	}
	return t.SendLine(ctx, line)
}

// Expect waits for patterns on the target. See expect.Session.Expect.
func (d *DUT) Expect(ctx context.Context, patterns []expect.Pattern, timeout time.Duration) (int, error) {
	ctx, t, err := d.target(ctx)
	if err != nil {
		return 0, err
	}
	return t.Expect(ctx, patterns, timeout)
}

// Prompt waits for the shell prompt of the target.
func (d *DUT) Prompt(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, t, err := d.target(ctx)
	if err != nil {
		return false, err
	}
	return t.Prompt(ctx, timeout)
}

// Login logs into the target again.
func (d *DUT) Login(ctx context.Context) error {
	ctx, t, err := d.target(ctx)
	if err != nil {
		return err
	}
	return t.Login(ctx, d.cfg.LoginTimeout)
}

// KernelVersion returns the kernel release of the target.
func (d *DUT) KernelVersion(ctx context.Context) (string, error) {
	return d.Run(ctx, "uname -r")
}

// RunAT sends an AT command on the AT link. See at.Session.Run.
func (d *DUT) RunAT(ctx context.Context, cmd string, opts *at.RunOptions) (string, error) {
	ctx, s, err := d.modem(ctx)
	if err != nil {
		return "", err
	}
	return s.Run(ctx, cmd, opts)
}

// IsSIMReady reports whether the SIM is unlocked.
func (d *DUT) IsSIMReady(ctx context.Context) (bool, error) {
	ctx, s, err := d.modem(ctx)
	if err != nil {
		return false, err
	}
	st, err := s.SIMStatus(ctx)
	if err != nil {
		return false, err
	}
	return st == "READY", nil
}

// FirmwareVersion returns the modem firmware revision.
func (d *DUT) FirmwareVersion(ctx context.Context) (string, error) {
	ctx, s, err := d.modem(ctx)
	if err != nil {
		return "", err
	}
	return s.Firmware(ctx)
}

// Reinit reopens the link of type pt.
func (d *DUT) Reinit(ctx context.Context, pt link.PortType) error {
	l, err := d.LinkFor(pt)
	if err != nil {
		return err
	}
	return l.Reinit(logContext(ctx, l))
}

// Teardown closes all links. It never fails.
func (d *DUT) Teardown(ctx context.Context) {
	for _, l := range d.links {
		l.Teardown(logContext(ctx, l))
	}
	logging.Debugf(ctx, "%s torn down, aliases were %v", d.cfg.Name, sortedKeys(d.aliases))
}

func sortedKeys(m map[string]*link.Link) []string {
	ks := maps.Keys(m)
	slices.Sort(ks)
	return ks
}
