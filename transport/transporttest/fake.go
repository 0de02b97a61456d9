// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package transporttest provides a scripted in-memory Transport for unit
// tests of the protocol layers.
package transporttest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.legato.io/letp/transport"
)

// Responder computes the device's reply to one Write. An empty reply sends
// nothing.
type Responder func(written string) string

// Fake is an in-memory transport.Transport. Data given to Feed, or produced
// by the Responder for each Write, is returned by Read.
type Fake struct {
	name string
	kind transport.Kind

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	hungup  bool
	keep    bool
	closed  bool
	writes  []string
	respond Responder
}

// New returns a Fake named name pretending to be of kind k.
func New(name string, k transport.Kind) *Fake {
	f := &Fake{name: name, kind: k}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Feed makes s readable, as if the device had sent it.
func (f *Fake) Feed(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, s...)
	f.cond.Broadcast()
}

// Respond installs r to answer every subsequent Write.
func (f *Fake) Respond(r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = r
}

// Hangup simulates the device dropping the connection. Buffered data is
// still readable, then Read returns io.EOF.
func (f *Fake) Hangup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungup = true
	f.cond.Broadcast()
}

// KeepConnection makes Ping succeed after Hangup, like an SSH connection
// whose shell ended while the connection stayed up.
func (f *Fake) KeepConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keep = true
}

// Ping fails once the fake is closed or hung up, unless KeepConnection was
// called.
func (f *Fake) Ping(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return transport.ErrClosed
	case f.hungup && !f.keep:
		return io.EOF
	}
	return nil
}

// Writes returns every Write in order.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Written returns everything written so far as one string.
func (f *Fake) Written() string {
	return strings.Join(f.Writes(), "")
}

// Read blocks until data is fed, the fake hangs up or is closed.
func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		switch {
		case f.closed:
			return 0, transport.ErrClosed
		case len(f.pending) > 0:
			n := copy(p, f.pending)
			f.pending = f.pending[n:]
			return n, nil
		case f.hungup:
			return 0, io.EOF
		}
		f.cond.Wait()
	}
}

// Write records p and queues the Responder's reply.
func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, transport.ErrClosed
	}
	if f.hungup {
		return 0, io.EOF
	}
	f.writes = append(f.writes, string(p))
	if f.respond != nil {
		if reply := f.respond(string(p)); reply != "" {
			f.pending = append(f.pending, reply...)
			f.cond.Broadcast()
		}
	}
	return len(p), nil
}

// Close marks the fake closed and wakes pending readers.
func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Kind returns the kind given to New.
func (f *Fake) Kind() transport.Kind {
	return f.kind
}

// String returns the name given to New.
func (f *Fake) String() string {
	return f.name
}
