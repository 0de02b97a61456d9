// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
)

// Telnet protocol bytes, RFC 854.
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWill = 251
	telnetWont = 252
	telnetDo   = 253
	telnetDont = 254
	telnetIAC  = 255

	// Options, RFC 857 and RFC 858.
	telnetOptEcho = 1
	telnetOptSGA  = 3
)

// DefaultTelnetTimeout bounds the TCP connection setup.
const DefaultTelnetTimeout = 10 * time.Second

// TelnetOptions configures DialTelnet.
type TelnetOptions struct {
	// ConnectTimeout bounds the TCP connection setup. Zero selects
	// DefaultTelnetTimeout.
	ConnectTimeout time.Duration
}

// Telnet is a Transport over a telnet connection.
//
// Only the options needed for a character-mode console are negotiated: the
// server may echo and suppress go-ahead, everything else is refused.
// Negotiation sequences never reach the reader.
type Telnet struct {
	addr string
	conn net.Conn

	rmu sync.Mutex
	r   *bufio.Reader

	wmu     sync.Mutex
	replied map[[2]byte]bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// DialTelnet connects to the telnet server at addr ("host:port").
// Connection failures are reported as *OpenError.
func DialTelnet(ctx context.Context, addr string, opts *TelnetOptions) (*Telnet, error) {
	timeout := DefaultTelnetTimeout
	if opts != nil && opts.ConnectTimeout > 0 {
		timeout = opts.ConnectTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &OpenError{Dev: addr, Err: err}
	}
	logging.Debugf(ctx, "Connected to telnet server %s", addr)
	return &Telnet{
		addr:    addr,
		conn:    conn,
		r:       bufio.NewReader(conn),
		replied: make(map[[2]byte]bool),
	}, nil
}

// Read returns application data received from the server. It blocks until
// at least one data byte is available.
func (t *Telnet) Read(p []byte) (int, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	n := 0
	for n < len(p) {
		if n > 0 && t.r.Buffered() == 0 {
			break
		}
		b, err := t.r.ReadByte()
		if err != nil {
			return t.readResult(n, err)
		}
		if b != telnetIAC {
			p[n] = b
			n++
			continue
		}

		cmd, err := t.r.ReadByte()
		if err != nil {
			return t.readResult(n, err)
		}
		switch cmd {
		case telnetIAC:
			p[n] = telnetIAC
			n++
		case telnetWill, telnetWont, telnetDo, telnetDont:
			opt, err := t.r.ReadByte()
			if err != nil {
				return t.readResult(n, err)
			}
			if err := t.negotiate(cmd, opt); err != nil {
				return t.readResult(n, err)
			}
		case telnetSB:
			if err := t.skipSubnegotiation(); err != nil {
				return t.readResult(n, err)
			}
		default:
			// NOP, GA, AYT and friends carry no data.
		}
	}
	return n, nil
}

func (t *Telnet) readResult(n int, err error) (int, error) {
	if n > 0 {
		return n, nil
	}
	if t.closed.Load() || errors.Is(err, net.ErrClosed) {
		return 0, ErrClosed
	}
	return 0, err
}

// negotiate answers an option request from the server.
func (t *Telnet) negotiate(cmd, opt byte) error {
	var reply byte
	switch cmd {
	case telnetWill:
		if opt == telnetOptEcho || opt == telnetOptSGA {
			reply = telnetDo
		} else {
			reply = telnetDont
		}
	case telnetDo:
		if opt == telnetOptSGA {
			reply = telnetWill
		} else {
			reply = telnetWont
		}
	default:
		return nil
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	key := [2]byte{reply, opt}
	if t.replied[key] {
		return nil
	}
	t.replied[key] = true
	_, err := t.conn.Write([]byte{telnetIAC, reply, opt})
	return err
}

// skipSubnegotiation discards bytes up to and including IAC SE.
func (t *Telnet) skipSubnegotiation() error {
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			return err
		}
		if b != telnetIAC {
			continue
		}
		b, err = t.r.ReadByte()
		if err != nil {
			return err
		}
		if b == telnetSE {
			return nil
		}
	}
}

// Write sends p to the server, doubling any IAC byte.
func (t *Telnet) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b == telnetIAC {
			buf = append(buf, telnetIAC)
		}
		buf = append(buf, b)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the connection.
func (t *Telnet) Close(ctx context.Context) error {
	if t == nil || t.conn == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if err := t.conn.Close(); err != nil {
			logging.Warningf(ctx, "Failed to close telnet connection to %s: %v", t.addr, err)
		}
	})
	return nil
}

// Closed reports whether Close was called.
func (t *Telnet) Closed() bool {
	return t.closed.Load()
}

// Kind returns KindTelnet.
func (t *Telnet) Kind() Kind {
	return KindTelnet
}

// String returns the server address.
func (t *Telnet) String() string {
	return "telnet://" + t.addr
}
