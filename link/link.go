// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package link manages one role-bound connection to a device.
//
// A Link lazily opens its endpoint, a shell or an AT session, on first use
// and can reopen it after the device rebooted, re-resolving the device node
// which may have changed. Names bound to a Link through its Binder follow
// the Link across reinitializations.
package link

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
)

// PortType is the role of a link.
type PortType string

const (
	// CLI is the interactive shell of the device.
	CLI PortType = "cli"
	// AT is the modem AT command port.
	AT PortType = "at"
	// Alt is any additional connection, e.g. a second SSH session.
	Alt PortType = "alt"
)

// ParsePortType validates s as a PortType.
func ParsePortType(s string) (PortType, error) {
	switch pt := PortType(s); pt {
	case CLI, AT, Alt:
		return pt, nil
	}
	return "", errors.Errorf("unknown port type %q", s)
}

// Endpoint is the object a Link opens, e.g. *cli.Shell or *at.Session.
type Endpoint interface {
	Close(ctx context.Context) error
	Closed() bool
}

// InitFunc opens the endpoint for dev.
type InitFunc func(ctx context.Context, dev string) (Endpoint, error)

// CloseFunc is called before an endpoint is closed.
type CloseFunc func(ctx context.Context, e Endpoint) error

// Resolver finds the current device node of a port of type pt configured
// as spec.
type Resolver func(ctx context.Context, pt PortType, spec string) (string, error)

// Binder publishes the names of a Link, typically on the device owning it.
type Binder interface {
	// Bind is called when name is added to l and after l got a new
	// endpoint.
	Bind(name string, l *Link)
	// Unbind is called when name is removed from l.
	Unbind(name string, l *Link)
}

// Options configures a Link.
type Options struct {
	// Index is the 1-based position of the link on its device.
	Index int
	Type  PortType
	// Device is the configured device specifier, e.g. "/dev/ttyUSB0",
	// "usb:1-1.2:1.0" or "192.168.2.2:22".
	Device string
	Init   InitFunc
	// Close is optional.
	Close CloseFunc
	// Resolve is optional. Without it the device is used as configured.
	Resolve Resolver
	// ResolveFirst resolves the device before it is opened the first time,
	// for specifiers that do not name a device node.
	ResolveFirst bool
	// Binder is optional.
	Binder Binder
}

// Link is one connection slot of a device.
//
// A Link is meant to be used by one goroutine at a time.
type Link struct {
	index   int
	typ     PortType
	spec    string
	dev     string
	init    InitFunc
	closeCB CloseFunc
	resolve Resolver
	binder  Binder

	resolveFirst bool

	obj     Endpoint
	aliases []string
}

// New returns a Link. Its endpoint is not opened until first use.
func New(o *Options) *Link {
	return &Link{
		index:   o.Index,
		typ:     o.Type,
		spec:    o.Device,
		dev:     o.Device,
		init:    o.Init,
		closeCB: o.Close,
		resolve: o.Resolve,
		binder:  o.Binder,

		resolveFirst: o.ResolveFirst && o.Resolve != nil,
	}
}

func (l *Link) String() string {
	return fmt.Sprintf("link%d(%s %s)", l.index, l.typ, l.dev)
}

// Index returns the 1-based position of the link on its device.
func (l *Link) Index() int { return l.index }

// Type returns the role of the link.
func (l *Link) Type() PortType { return l.typ }

// Spec returns the configured device specifier.
func (l *Link) Spec() string { return l.spec }

// Device returns the device the link currently uses.
func (l *Link) Device() string { return l.dev }

// Current returns the endpoint if it is open, without opening it.
func (l *Link) Current() Endpoint { return l.obj }

// Obj returns the endpoint, opening it first if needed.
func (l *Link) Obj(ctx context.Context) (Endpoint, error) {
	if l.obj == nil {
		if l.resolveFirst && l.dev == l.spec {
			if err := l.resolveDevice(ctx); err != nil {
				return nil, &Error{Link: l.String(), Op: "resolve", Err: err}
			}
		}
		if err := l.Init(ctx); err != nil {
			return nil, err
		}
	}
	return l.obj, nil
}

// Init opens the endpoint. Failures are reported as *Error.
func (l *Link) Init(ctx context.Context) error {
	logging.Debugf(ctx, "Opening %v", l)
	obj, err := l.init(ctx, l.dev)
	if err != nil {
		return &Error{Link: l.String(), Op: "init", Err: err}
	}
	if obj == nil {
		return &Error{Link: l.String(), Op: "init", Err: errors.New("no endpoint")}
	}
	l.obj = obj
	return nil
}

// Close closes the endpoint. Errors are logged and dropped.
func (l *Link) Close(ctx context.Context) {
	if l.obj == nil {
		return
	}
	obj := l.obj
	l.obj = nil
	if l.closeCB != nil {
		if err := l.closeCB(ctx, obj); err != nil {
			logging.Warningf(ctx, "Failed to prepare closing %v: %v", l, err)
		}
	}
	if err := obj.Close(ctx); err != nil {
		logging.Warningf(ctx, "Failed to close %v: %v", l, err)
	}
}

// Reinit closes the endpoint, resolves the device again, opens a new
// endpoint and binds all names of the link to it.
func (l *Link) Reinit(ctx context.Context) error {
	logging.Infof(ctx, "Reinitializing %v", l)
	l.Close(ctx)
	if l.resolve != nil {
		if err := l.resolveDevice(ctx); err != nil {
			logging.Warningf(ctx, "Failed to resolve %s, keeping %s: %v", l.spec, l.dev, err)
		}
	}
	if err := l.Init(ctx); err != nil {
		return err
	}
	if l.binder != nil {
		for _, a := range l.aliases {
			l.binder.Bind(a, l)
		}
	}
	return nil
}

func (l *Link) resolveDevice(ctx context.Context) error {
	dev, err := l.resolve(ctx, l.typ, l.spec)
	if err != nil {
		return err
	}
	if dev != l.dev {
		logging.Infof(ctx, "%v moved to %s", l, dev)
		l.dev = dev
	}
	return nil
}

// AddAlias adds name to the link.
func (l *Link) AddAlias(name string) {
	if !slices.Contains(l.aliases, name) {
		l.aliases = append(l.aliases, name)
	}
	if l.binder != nil {
		l.binder.Bind(name, l)
	}
}

// RemoveAlias removes name from the link.
func (l *Link) RemoveAlias(name string) {
	i := slices.Index(l.aliases, name)
	if i < 0 {
		return
	}
	l.aliases = slices.Delete(l.aliases, i, i+1)
	if l.binder != nil {
		l.binder.Unbind(name, l)
	}
}

// Aliases returns the names of the link.
func (l *Link) Aliases() []string {
	return slices.Clone(l.aliases)
}

// Teardown closes the link at the end of a test. It never fails.
func (l *Link) Teardown(ctx context.Context) {
	l.Close(ctx)
}

// Error reports a failure to open a link, whatever its transport.
type Error struct {
	Link string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Link, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
