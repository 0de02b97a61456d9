// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/ssh"
)

// SSH is a Transport over an interactive shell of an SSH connection.
type SSH struct {
	conn *ssh.Conn
	sh   *ssh.Shell

	closed    atomic.Bool
	closeOnce sync.Once
}

// OpenSSH starts a shell on a PTY of size cols x rows over conn. The returned
// transport owns conn and closes it on Close. Failures are reported as
// *OpenError.
func OpenSSH(ctx context.Context, conn *ssh.Conn, cols, rows int) (*SSH, error) {
	sh, err := conn.Shell(ctx, cols, rows)
	if err != nil {
		return nil, &OpenError{Dev: conn.Addr(), Err: err}
	}
	return &SSH{conn: conn, sh: sh}, nil
}

// Read reads shell output. io.EOF means the device closed the session.
func (s *SSH) Read(p []byte) (int, error) {
	n, err := s.sh.Read(p)
	if err != nil && s.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Write sends input to the shell.
func (s *SSH) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.sh.Write(p)
}

// Close ends the shell and the SSH connection.
func (s *SSH) Close(ctx context.Context) error {
	if s == nil || s.sh == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.sh.Close(); err != nil {
			logging.Debugf(ctx, "Closing shell on %s: %v", s.conn.Addr(), err)
		}
		if err := s.conn.Close(ctx); err != nil {
			logging.Warningf(ctx, "Failed to close SSH connection to %s: %v", s.conn.Addr(), err)
		}
	})
	return nil
}

// Ping checks that the SSH connection is still up, even if the shell on it
// has ended.
func (s *SSH) Ping(ctx context.Context, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.conn.Ping(ctx, timeout)
}

// Closed reports whether Close was called.
func (s *SSH) Closed() bool {
	return s.closed.Load()
}

// Kind returns KindSSH.
func (s *SSH) Kind() Kind {
	return KindSSH
}

// String returns the SSH server address.
func (s *SSH) String() string {
	return "ssh://" + s.conn.Addr()
}
