// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ssh

import (
	"context"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"go.legato.io/letp/errors"
)

const (
	defaultCols = 200
	defaultRows = 40
)

// Shell is an interactive login shell running on a PTY of the device.
// The device echoes input and prints its prompt like on a serial console.
type Shell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	closeOnce sync.Once
	closeErr  error
}

// Shell opens an interactive shell on a PTY sized cols x rows. Non-positive
// sizes select a wide terminal so long command lines are not wrapped.
func (s *Conn) Shell(ctx context.Context, cols, rows int) (*Shell, error) {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	var sh *Shell
	if err := doAsync(ctx, func() error {
		sess, err := s.cl.NewSession()
		if err != nil {
			return errors.Wrap(err, "failed to open session")
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 115200,
			ssh.TTY_OP_OSPEED: 115200,
		}
		if err := sess.RequestPty("vt100", rows, cols, modes); err != nil {
			sess.Close()
			return errors.Wrap(err, "failed to request PTY")
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			sess.Close()
			return err
		}
		stdout, err := sess.StdoutPipe()
		if err != nil {
			sess.Close()
			return err
		}
		if err := sess.Shell(); err != nil {
			sess.Close()
			return errors.Wrap(err, "failed to start shell")
		}
		sh = &Shell{sess: sess, stdin: stdin, stdout: stdout}
		return nil
	}, func() {
		if sh != nil {
			sh.Close()
		}
	}); err != nil {
		return nil, err
	}
	return sh, nil
}

// Read reads shell output. io.EOF is returned once the device closes the
// session, e.g. because it is rebooting.
func (sh *Shell) Read(p []byte) (int, error) {
	return sh.stdout.Read(p)
}

// Write sends input to the shell.
func (sh *Shell) Write(p []byte) (int, error) {
	return sh.stdin.Write(p)
}

// Close terminates the session. It is safe to call Close more than once.
func (sh *Shell) Close() error {
	sh.closeOnce.Do(func() {
		sh.stdin.Close()
		if err := sh.sess.Close(); err != nil && err != io.EOF {
			sh.closeErr = err
		}
	})
	return sh.closeErr
}
