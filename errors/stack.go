// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errors

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 8 // maximum number of stack frames to record

	ellipsis = "\t..." // trailing marker line added if stack trace is too long

	// modulePrefix is stripped from function names of frames inside this module
	// to keep traces of long device sessions readable.
	modulePrefix = "go.legato.io/letp/"
)

// callStack holds a snapshot of program counters.
type callStack []uintptr

// newCallStack captures a stack trace. skip specifies the number of frames to
// skip. skip=0 records the newCallStack caller as the innermost frame.
func newCallStack(skip int) callStack {
	pc := make([]uintptr, maxDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return callStack(pc)
}

// String formats a stack trace to a human-friendly text.
func (s callStack) String() string {
	var lines []string

	// runtime.CallersFrames handles inlined frames correctly, which indexing
	// runtime.FuncForPC does not.
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		fn := strings.TrimPrefix(f.Function, modulePrefix)
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", fn, filepath.Base(f.File), f.Line))
		if !more {
			break
		} else if len(lines) >= maxDepth {
			lines = append(lines, ellipsis)
			break
		}
	}
	return strings.Join(lines, "\n")
}
