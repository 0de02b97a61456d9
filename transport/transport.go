// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package transport provides the byte-stream connections to a device under
// test: serial ports, telnet sockets and interactive SSH shells.
//
// A transport only moves bytes. Prompt detection, login and command framing
// live in the expect, cli and at packages layered on top of it.
package transport

import (
	"context"
	"fmt"
	"io"

	"go.legato.io/letp/errors"
)

// Kind identifies the medium of a Transport.
type Kind int

const (
	// KindSerial is a local serial port (UART or USB CDC-ACM/serial adapter).
	KindSerial Kind = iota
	// KindSSH is an interactive shell on a PTY over SSH.
	KindSSH
	// KindTelnet is a telnet connection, typically to a terminal server.
	KindTelnet
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindSSH:
		return "ssh"
	case KindTelnet:
		return "telnet"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the name returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindSerial, KindSSH, KindTelnet} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown transport %q", s)
}

// ErrClosed is returned by Read and Write once the transport has been closed
// locally. A hang-up by the peer is reported as io.EOF instead.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional byte stream to a device.
//
// Read blocks until data is available. It returns io.EOF when the device
// hung up and ErrClosed after Close.
type Transport interface {
	io.ReadWriter
	// Close releases the underlying resources. It may be called several
	// times and on partially opened transports. Errors from the OS are
	// logged to ctx and not returned.
	Close(ctx context.Context) error
	// Closed reports whether Close was called.
	Closed() bool
	// Kind returns the medium of the transport.
	Kind() Kind
	// String describes the endpoint, e.g. "/dev/ttyUSB0".
	String() string
}

// OpenError is returned when a device exists but cannot be opened, e.g. for
// lack of permission, because another process holds it, or because it cannot
// be configured.
type OpenError struct {
	// Dev is the device path or network address.
	Dev string
	// Err is the underlying cause.
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Dev, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}
