// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dut

import (
	"context"

	"go.legato.io/letp/at"
	"go.legato.io/letp/cli"
	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/link"
	"go.legato.io/letp/ssh"
	"go.legato.io/letp/transport"
)

// openLink opens the transport of lc on dev and wraps it in the protocol of
// its port type. Consoles are logged into.
func (d *DUT) openLink(ctx context.Context, lc *LinkConfig, dev string) (link.Endpoint, error) {
	kind, err := transport.ParseKind(lc.Transport)
	if err != nil {
		return nil, err
	}

	if kind == transport.KindSSH {
		opts := &ssh.Options{
			User:     d.cfg.CLI.User,
			Password: d.cfg.CLI.Password,
			KeyFile:  d.cfg.KeyFile,
			WarnFunc: func(msg string) { logging.Warning(ctx, msg) },
		}
		sh, err := cli.DialSSH(ctx, dev, opts, d.cfg.CLI, d.cfg.LoginTimeout)
		if err != nil {
			return nil, err
		}
		return sh, nil
	}

	var tr transport.Transport
	switch kind {
	case transport.KindTelnet:
		t, err := transport.DialTelnet(ctx, dev, nil)
		if err != nil {
			return nil, err
		}
		tr = t
	default:
		s, found, err := transport.OpenSerial(ctx, dev, &transport.SerialOptions{Baud: lc.Baud, FlowControl: lc.FlowControl})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.Errorf("%s not found", dev)
		}
		tr = s
	}

	if lc.Type == link.AT {
		return at.New(tr, d.cfg.AT), nil
	}
	sh, err := cli.New(tr, d.cfg.CLI)
	if err != nil {
		tr.Close(ctx)
		return nil, err
	}
	if err := sh.Login(ctx, d.cfg.LoginTimeout); err != nil {
		sh.Close(ctx)
		return nil, err
	}
	return sh, nil
}
