// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cli

import (
	"fmt"

	"go.legato.io/letp/errors"
)

var (
	// ErrNoPrompt is wrapped in an *expect.ComError when the shell prompt
	// did not come back after a command.
	ErrNoPrompt = errors.New("no prompt")
	// ErrReinitInProgress is returned by SSHShell.Reinit when called while
	// another reinitialization of the same shell is running.
	ErrReinitInProgress = errors.New("reinit already in progress")
)

// CommandFailedError is returned when a command completed with a non-zero
// exit status. The connection to the device is healthy.
type CommandFailedError struct {
	Cmd    string
	Code   int
	Output string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q failed with exit status %d", e.Cmd, e.Code)
}
