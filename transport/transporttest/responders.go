// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transporttest

import (
	"fmt"
	"strings"
	"sync"
)

// CommandFunc runs a command line typed into a shell and returns its output
// and exit status.
type CommandFunc func(cmd string) (out string, status int)

// ShellResponder returns a Responder behaving like a shell on a terminal
// with echo enabled. Every written line is echoed and run through run, then
// prompt is printed. The quoted newline of `echo "<LF>$?"` is continued on a
// "> " line and prints the status of the previous command.
func ShellResponder(prompt string, run CommandFunc) Responder {
	var (
		mu      sync.Mutex
		partial string
		quoted  bool
		status  int
	)
	return func(written string) string {
		mu.Lock()
		defer mu.Unlock()

		var out strings.Builder
		partial += written
		for {
			i := strings.IndexByte(partial, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(partial[:i], "\r")
			partial = partial[i+1:]

			if quoted {
				quoted = false
				out.WriteString("> " + line + "\r\n")
				if line == `$?"` {
					fmt.Fprintf(&out, "\r\n%d\r\n", status)
				}
				out.WriteString(prompt)
				continue
			}
			out.WriteString(line + "\r\n")
			switch line {
			case "":
			case `echo "`:
				quoted = true
				continue
			default:
				var res string
				res, status = run(line)
				if res != "" {
					out.WriteString(strings.ReplaceAll(strings.TrimSuffix(res, "\n"), "\n", "\r\n") + "\r\n")
				}
			}
			out.WriteString(prompt)
		}
		return out.String()
	}
}

// ATResponder returns a Responder behaving like a modem AT port with echo
// enabled. Commands are terminated by CR. replies maps a command to its
// reply; commands not in replies get "ERROR". A reply neither ending in OK
// nor containing ERROR is followed by OK.
func ATResponder(replies map[string]string) Responder {
	var (
		mu      sync.Mutex
		partial string
	)
	return func(written string) string {
		mu.Lock()
		defer mu.Unlock()

		var out strings.Builder
		partial += written
		for {
			i := strings.IndexAny(partial, "\r\n")
			if i < 0 {
				break
			}
			cmd := partial[:i]
			partial = partial[i+1:]
			if cmd == "" {
				continue
			}
			out.WriteString(cmd + "\r")
			reply, ok := replies[cmd]
			switch {
			case !ok:
				out.WriteString("\r\nERROR\r\n")
			case strings.HasSuffix(reply, "OK") || strings.Contains(reply, "ERROR"):
				out.WriteString("\r\n" + reply + "\r\n")
			case reply == "":
				out.WriteString("\r\nOK\r\n")
			default:
				out.WriteString("\r\n" + reply + "\r\n\r\nOK\r\n")
			}
		}
		return out.String()
	}
}
