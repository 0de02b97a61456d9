// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultPrompt is the prompt printed by PromptShell when none is given.
const DefaultPrompt = "root@swi-mdm9x28:~# "

// CommandFunc runs a command line typed into a PromptShell and returns its
// output and exit status.
type CommandFunc func(cmd string) (out string, status int)

// PromptShell returns a ShellHandler behaving like a busybox shell on a PTY:
// it prints prompt, echoes each typed line, runs it through run and remembers
// its status for "$?". The quoted newline of `echo "<LF>$?"` is continued on a
// "> " secondary prompt like a real shell does.
func PromptShell(prompt string, run CommandFunc) ShellHandler {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return func(sh *ShellReq) {
		w := func(s string) { io.WriteString(sh, s) }
		r := bufio.NewReader(sh)
		readLine := func() (string, bool) {
			line, err := r.ReadString('\n')
			if err != nil {
				return "", false
			}
			return strings.TrimRight(line, "\r\n"), true
		}

		status := 0
		w(prompt)
		for {
			line, ok := readLine()
			if !ok {
				return
			}
			w(line + "\r\n")

			switch {
			case line == "":
			case line == `echo "`:
				next, ok := readLine()
				if !ok {
					return
				}
				w("> " + next + "\r\n")
				if next == `$?"` {
					w(fmt.Sprintf("\r\n%d\r\n", status))
				}
			case line == "exit":
				return
			default:
				var out string
				out, status = run(line)
				if out != "" {
					w(strings.ReplaceAll(strings.TrimSuffix(out, "\n"), "\n", "\r\n") + "\r\n")
				}
			}
			w(prompt)
		}
	}
}
