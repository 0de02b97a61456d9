// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package expect matches patterns against the output of a device.
//
// A Session reads its transport on a background goroutine into a buffer.
// Expect waits until one of several patterns matches the buffered data, the
// timeout expires or the device hangs up. Matched data and everything before
// it is consumed; data that did not match stays buffered.
package expect

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/transport"
)

const (
	// DefaultEOL terminates lines sent by SendLine.
	DefaultEOL = "\n"

	readBufferSize = 4096
)

// Options configures a Session.
type Options struct {
	// Clock drives Expect timeouts. nil means the wall clock.
	Clock clock.Clock
	// EOL terminates lines sent by SendLine. Empty means DefaultEOL.
	EOL string
}

// Session reads and writes a transport.Transport.
//
// A Session is meant to be used by one goroutine at a time.
type Session struct {
	tr  transport.Transport
	clk clock.Clock
	eol string

	mu      sync.Mutex
	pending []byte
	hungup  bool  // the device closed the stream
	readErr error // set together with hungup when the stream broke
	closed  bool  // the transport was closed locally
	notify  chan struct{}

	before, after string
	submatches    []string
}

// New starts reading tr and returns a Session over it.
func New(tr transport.Transport, opts *Options) *Session {
	s := &Session{
		tr:     tr,
		clk:    clock.NewClock(),
		eol:    DefaultEOL,
		notify: make(chan struct{}, 1),
	}
	if opts != nil {
		if opts.Clock != nil {
			s.clk = opts.Clock
		}
		if opts.EOL != "" {
			s.eol = opts.EOL
		}
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.tr.Read(buf)
		s.mu.Lock()
		if n > 0 {
			s.pending = append(s.pending, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				s.closed = true
			} else {
				s.hungup = true
				if !errors.Is(err, io.EOF) {
					s.readErr = err
				}
			}
		}
		s.mu.Unlock()
		s.signal()
		if err != nil {
			return
		}
	}
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Transport returns the underlying transport.
func (s *Session) Transport() transport.Transport {
	return s.tr
}

// Before returns the data preceding the last match, or the unmatched data on
// a timeout or hang-up.
func (s *Session) Before() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.before
}

// After returns the text matched by the last Expect. It is empty after a
// timeout or hang-up.
func (s *Session) After() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.after
}

// Submatches returns the whole match and its capture groups from the last
// Expect, or nil if a sentinel matched.
func (s *Session) Submatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submatches...)
}

// Pending returns the buffered data not consumed yet.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.pending)
}

// Expect waits for one of patterns and returns its index.
//
// The earliest match in the stream wins; patterns matching at the same
// position are ranked by their order in patterns. On a match, Before and
// After are consumed. If nothing matched within timeout, the index of the
// Timeout sentinel is returned, or ErrTimeout if patterns does not contain
// it; the unmatched data stays buffered and is reported by Before. If the
// device hung up, the remaining data is consumed into Before and the index
// of the EOF sentinel is returned, or ErrEOF. A non-positive timeout checks
// the buffered data once.
func (s *Session) Expect(ctx context.Context, patterns []Pattern, timeout time.Duration) (int, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		tm := s.clk.NewTimer(timeout)
		defer tm.Stop()
		expired = tm.C()
	}

	for {
		s.mu.Lock()
		if i, ok := s.matchLocked(patterns); ok {
			consumed := s.before + s.after
			s.mu.Unlock()
			logging.Debugf(ctx, "<< %q", consumed)
			return i, nil
		}
		if s.closed {
			s.before, s.after, s.submatches = "", "", nil
			s.mu.Unlock()
			return -1, ErrClosed
		}
		if s.hungup {
			s.before, s.after, s.submatches = string(s.pending), "", nil
			s.pending = nil
			rest, rerr := s.before, s.readErr
			s.mu.Unlock()
			if rest != "" {
				logging.Debugf(ctx, "<< %q", rest)
			}
			if i := indexOfKind(patterns, kindEOF); i >= 0 {
				return i, nil
			}
			if rerr != nil {
				return -1, errors.Wrapf(ErrEOF, "%s: %v", s.tr, rerr)
			}
			return -1, errors.Wrap(ErrEOF, s.tr.String())
		}
		s.mu.Unlock()

		if expired == nil {
			return s.timedOut(patterns, timeout)
		}
		select {
		case <-s.notify:
		case <-expired:
			s.mu.Lock()
			i, ok := s.matchLocked(patterns)
			s.mu.Unlock()
			if ok {
				return i, nil
			}
			return s.timedOut(patterns, timeout)
		case <-ctx.Done():
			s.mu.Lock()
			s.before, s.after, s.submatches = string(s.pending), "", nil
			s.mu.Unlock()
			return -1, ctx.Err()
		}
	}
}

// timedOut records the pending data, which stays buffered, as Before.
func (s *Session) timedOut(patterns []Pattern, timeout time.Duration) (int, error) {
	s.mu.Lock()
	s.before, s.after, s.submatches = string(s.pending), "", nil
	s.mu.Unlock()
	if i := indexOfKind(patterns, kindTimeout); i >= 0 {
		return i, nil
	}
	return -1, errors.Wrapf(ErrTimeout, "none of %v within %v", patterns, timeout)
}

// matchLocked finds the earliest match of any regular expression in
// patterns and consumes it. s.mu must be held.
func (s *Session) matchLocked(patterns []Pattern) (int, bool) {
	best, bestLoc := -1, []int(nil)
	for i, p := range patterns {
		if p.kind != kindRegexp || p.re == nil {
			continue
		}
		loc := p.re.FindSubmatchIndex(s.pending)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < bestLoc[0] {
			best, bestLoc = i, loc
		}
	}
	if best < 0 {
		return -1, false
	}

	subs := make([]string, len(bestLoc)/2)
	for j := range subs {
		if st, en := bestLoc[2*j], bestLoc[2*j+1]; st >= 0 {
			subs[j] = string(s.pending[st:en])
		}
	}
	start, end := bestLoc[0], bestLoc[1]
	s.before = string(s.pending[:start])
	s.after = string(s.pending[start:end])
	s.submatches = subs
	s.pending = append([]byte(nil), s.pending[end:]...)
	return best, true
}

// ExpectExact is like Expect with literal strings.
func (s *Session) ExpectExact(ctx context.Context, strs []string, timeout time.Duration) (int, error) {
	return s.Expect(ctx, Exacts(strs), timeout)
}

// ExpectInOrder waits for each of patterns in sequence, allowing timeout for
// each one, and returns all text consumed on the way. If a pattern does not
// show up in time, an *OrderError reporting everything seen so far is
// returned.
func (s *Session) ExpectInOrder(ctx context.Context, patterns []Pattern, timeout time.Duration) (string, error) {
	var seen strings.Builder
	for i, p := range patterns {
		idx, err := s.Expect(ctx, []Pattern{Timeout, p}, timeout)
		if err != nil {
			seen.WriteString(s.Before())
			return seen.String(), err
		}
		seen.WriteString(s.Before())
		if idx == 0 {
			return seen.String(), &OrderError{Step: i, Pattern: p.String(), Seen: seen.String()}
		}
		seen.WriteString(s.After())
	}
	return seen.String(), nil
}

// Drain discards buffered and incoming data until the device stays quiet for
// quiet. ErrEOF is returned if the device hung up.
func (s *Session) Drain(ctx context.Context, quiet time.Duration) error {
	for {
		idx, err := s.Expect(ctx, []Pattern{Any, Timeout}, quiet)
		if err != nil {
			return err
		}
		if idx == 1 {
			return nil
		}
	}
}

// Send writes str to the device.
func (s *Session) Send(ctx context.Context, str string) error {
	logging.Debugf(ctx, ">> %q", str)
	if _, err := io.WriteString(s.tr, str); err != nil {
		switch {
		case errors.Is(err, transport.ErrClosed):
			return ErrClosed
		case errors.Is(err, io.EOF):
			return errors.Wrapf(ErrEOF, "failed to send to %s", s.tr)
		}
		return errors.Wrapf(err, "failed to send to %s", s.tr)
	}
	return nil
}

// SendLine writes line followed by the configured line terminator.
func (s *Session) SendLine(ctx context.Context, line string) error {
	return s.Send(ctx, line+s.eol)
}

// Close closes the transport, which stops the background reader.
func (s *Session) Close(ctx context.Context) error {
	return s.tr.Close(ctx)
}
