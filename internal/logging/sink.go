// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// linkPrefixRe matches the prefixes added by SetLogPrefix, e.g. "[dut] [cli] ".
var linkPrefixRe = regexp.MustCompile(`^(?:\[[^\]\n]*\] )+`)

// SinkLogger is a Logger that formats logs into lines and passes them to a
// Sink.
//
// Messages spanning several lines, such as the output of a failed command or
// a boot banner, are split so that every line carries the full header:
// timestamp, level tag and link prefixes. This keeps a bench log greppable by
// link.
type SinkLogger struct {
	level     Level
	timestamp bool
	sink      Sink
}

// NewSinkLogger creates a new SinkLogger.
//
// level specifies the minimum level of logs the sink should get notified of.
// If timestamp is true, a UTC timestamp starts each line. Logs above
// LevelInfo are tagged with their level name.
func NewSinkLogger(level Level, timestamp bool, sink Sink) *SinkLogger {
	return &SinkLogger{
		level:     level,
		timestamp: timestamp,
		sink:      sink,
	}
}

// Log sends a log to the associated sink, one Sink.Log call per line.
func (l *SinkLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	var header strings.Builder
	if l.timestamp {
		header.WriteString(ts.UTC().Format("2006-01-02T15:04:05.000000Z "))
	}
	if level > LevelInfo {
		header.WriteString(level.String())
		header.WriteString(": ")
	}
	prefix := linkPrefixRe.FindString(msg)
	header.WriteString(prefix)

	body := strings.TrimSuffix(msg[len(prefix):], "\n")
	for _, line := range strings.Split(body, "\n") {
		l.sink.Log(header.String() + strings.TrimSuffix(line, "\r"))
	}
}

// Sink represents a destination of log lines, e.g. a log file or console.
type Sink interface {
	// Log gets called for a single line, without its line terminator.
	Log(line string)
}

// WriterSink is a Sink that writes lines to an io.Writer.
//
// All writes to io.Writer are synchronized.
type WriterSink struct {
	w      io.Writer
	escape bool
	mu     sync.Mutex
}

// NewWriterSink creates a new WriterSink from io.Writer.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// NewTerminalSink creates a WriterSink for an interactive terminal. Control
// characters are written as \xNN escapes, so that escape sequences a device
// console sends cannot reconfigure the operator's terminal.
func NewTerminalSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w, escape: true}
}

// Log writes a line to the underlying io.Writer.
func (s *WriterSink) Log(line string) {
	if s.escape {
		line = escapeControl(line)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

func escapeControl(s string) string {
	if strings.IndexFunc(s, isControl) < 0 {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if isControl(r) {
			fmt.Fprintf(&b, `\x%02x`, r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}

// FileSink is a WriterSink writing to a file it owns.
type FileSink struct {
	*WriterSink
	f *os.File
}

// CreateFileSink creates or truncates the file at path and returns a sink
// writing to it.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{WriterSink: NewWriterSink(f), f: f}, nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
