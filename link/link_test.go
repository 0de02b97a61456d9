// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package link_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/internal/logging/loggingtest"
	"go.legato.io/letp/link"
)

type fakeEndpoint struct {
	id       int
	dev      string
	closed   bool
	closeErr error
}

func (e *fakeEndpoint) Close(ctx context.Context) error {
	e.closed = true
	return e.closeErr
}

func (e *fakeEndpoint) Closed() bool { return e.closed }

// opener opens fakeEndpoints with increasing ids.
type opener struct {
	opened []*fakeEndpoint
	err    error
}

func (o *opener) init(ctx context.Context, dev string) (link.Endpoint, error) {
	if o.err != nil {
		return nil, o.err
	}
	e := &fakeEndpoint{id: len(o.opened), dev: dev}
	o.opened = append(o.opened, e)
	return e, nil
}

// binder records which endpoint each name resolved to when it was bound.
type binder struct {
	bound map[string]link.Endpoint
}

func (b *binder) Bind(name string, l *link.Link) {
	b.bound[name] = l.Current()
}

func (b *binder) Unbind(name string, l *link.Link) {
	delete(b.bound, name)
}

func TestObjLazy(t *testing.T) {
	ctx := context.Background()
	o := &opener{}
	l := link.New(&link.Options{Index: 1, Type: link.CLI, Device: "/dev/ttyUSB0", Init: o.init})

	if len(o.opened) != 0 || l.Current() != nil {
		t.Fatal("Endpoint opened before first use")
	}
	e1, err := l.Obj(ctx)
	if err != nil {
		t.Fatal("Obj failed: ", err)
	}
	e2, err := l.Obj(ctx)
	if err != nil {
		t.Fatal("Obj failed: ", err)
	}
	if e1 != e2 || len(o.opened) != 1 {
		t.Errorf("Obj opened %d endpoints; want 1", len(o.opened))
	}
	if dev := o.opened[0].dev; dev != "/dev/ttyUSB0" {
		t.Errorf("Opened %q; want /dev/ttyUSB0", dev)
	}
}

func TestInitError(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("permission denied")
	l := link.New(&link.Options{Index: 2, Type: link.AT, Device: "/dev/ttyUSB2", Init: (&opener{err: cause}).init})

	_, err := l.Obj(ctx)
	var le *link.Error
	if !errors.As(err, &le) {
		t.Fatalf("Obj returned %v; want *link.Error", err)
	}
	if le.Op != "init" || !errors.Is(err, cause) {
		t.Errorf("Obj returned %v", err)
	}
}

func TestReinitRebindsAliases(t *testing.T) {
	ctx := context.Background()
	o := &opener{}
	b := &binder{bound: make(map[string]link.Endpoint)}
	l := link.New(&link.Options{Index: 1, Type: link.CLI, Device: "/dev/ttyUSB0", Init: o.init, Binder: b})

	old, err := l.Obj(ctx)
	if err != nil {
		t.Fatal("Obj failed: ", err)
	}
	l.AddAlias("target")
	l.AddAlias("cli")
	l.AddAlias("cli")
	if diff := cmp.Diff(l.Aliases(), []string{"target", "cli"}); diff != "" {
		t.Errorf("Unexpected aliases (-got +want):\n%s", diff)
	}

	if err := l.Reinit(ctx); err != nil {
		t.Fatal("Reinit failed: ", err)
	}
	if !old.Closed() {
		t.Error("Stale endpoint was not closed")
	}
	cur := l.Current()
	if cur == old || cur == nil {
		t.Fatal("Reinit did not open a new endpoint")
	}
	for name, e := range b.bound {
		if e != cur {
			t.Errorf("Alias %q still bound to endpoint %d", name, e.(*fakeEndpoint).id)
		}
	}

	l.RemoveAlias("cli")
	l.RemoveAlias("missing")
	if _, ok := b.bound["cli"]; ok {
		t.Error("Removed alias is still bound")
	}
	if diff := cmp.Diff(l.Aliases(), []string{"target"}); diff != "" {
		t.Errorf("Unexpected aliases (-got +want):\n%s", diff)
	}
}

func TestReinitResolves(t *testing.T) {
	ctx := context.Background()
	o := &opener{}
	next := "/dev/ttyUSB3"
	var resolveErr error
	resolve := func(ctx context.Context, pt link.PortType, spec string) (string, error) {
		if pt != link.AT || spec != "usb:1-1:1.2" {
			t.Errorf("Resolve(%q, %q) called", pt, spec)
		}
		return next, resolveErr
	}
	l := link.New(&link.Options{Index: 2, Type: link.AT, Device: "usb:1-1:1.2", Init: o.init, Resolve: resolve})

	if err := l.Reinit(ctx); err != nil {
		t.Fatal("Reinit failed: ", err)
	}
	if l.Device() != "/dev/ttyUSB3" || o.opened[0].dev != "/dev/ttyUSB3" {
		t.Errorf("Reinit used %q; want /dev/ttyUSB3", l.Device())
	}

	resolveErr = errors.New("no such port")
	next = ""
	if err := l.Reinit(ctx); err != nil {
		t.Fatal("Reinit failed: ", err)
	}
	if l.Device() != "/dev/ttyUSB3" {
		t.Errorf("Device after failed resolution is %q; want the previous one", l.Device())
	}
	if l.Spec() != "usb:1-1:1.2" {
		t.Errorf("Spec changed to %q", l.Spec())
	}
}

func TestCloseSwallowsErrors(t *testing.T) {
	ctx, logs := loggingtest.Context(t, logging.LevelDebug)
	o := &opener{}
	var closing []link.Endpoint
	l := link.New(&link.Options{
		Index:  1,
		Type:   link.CLI,
		Device: "192.168.2.2:22",
		Init:   o.init,
		Close: func(ctx context.Context, e link.Endpoint) error {
			closing = append(closing, e)
			return errors.New("exit failed")
		},
	})
	e, err := l.Obj(ctx)
	if err != nil {
		t.Fatal("Obj failed: ", err)
	}
	e.(*fakeEndpoint).closeErr = errors.New("broken pipe")

	l.Teardown(ctx)
	l.Teardown(ctx)
	if !e.Closed() || len(closing) != 1 || l.Current() != nil {
		t.Errorf("Teardown closed %d times; endpoint closed: %v", len(closing), e.Closed())
	}
	if n := len(logs.LogsAt(logging.LevelWarning)); n != 2 {
		t.Errorf("Got %d warnings; want 2", n)
	}
}

func TestParsePortType(t *testing.T) {
	for _, s := range []string{"cli", "at", "alt"} {
		if pt, err := link.ParsePortType(s); err != nil || string(pt) != s {
			t.Errorf("ParsePortType(%q) = (%q, %v)", s, pt, err)
		}
	}
	if _, err := link.ParsePortType("gps"); err == nil {
		t.Error("ParsePortType(gps) succeeded")
	}
}

func TestResolveFirst(t *testing.T) {
	ctx := context.Background()
	o := &opener{}
	calls := 0
	resolve := func(ctx context.Context, pt link.PortType, spec string) (string, error) {
		calls++
		if calls > 1 {
			return "", errors.New("unplugged")
		}
		return "/dev/ttyUSB2", nil
	}
	l := link.New(&link.Options{Index: 2, Type: link.AT, Device: "usb:1199:9091", Init: o.init, Resolve: resolve, ResolveFirst: true})

	if _, err := l.Obj(ctx); err != nil {
		t.Fatal("Obj failed: ", err)
	}
	if o.opened[0].dev != "/dev/ttyUSB2" {
		t.Errorf("Opened %q; want /dev/ttyUSB2", o.opened[0].dev)
	}

	l2 := link.New(&link.Options{Index: 2, Type: link.AT, Device: "usb:1199:9091", Init: o.init, Resolve: resolve, ResolveFirst: true})
	_, err := l2.Obj(ctx)
	var le *link.Error
	if !errors.As(err, &le) || le.Op != "resolve" {
		t.Errorf("Obj returned %v; want a resolve error", err)
	}
	if len(o.opened) != 1 {
		t.Errorf("Opened %d endpoints; want 1", len(o.opened))
	}
}
