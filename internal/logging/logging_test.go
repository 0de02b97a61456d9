// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/internal/logging/loggingtest"
)

// memorySink is a Sink that accumulates logs to an in-memory buffer.
type memorySink struct {
	mu   sync.Mutex
	msgs []string
}

func (ms *memorySink) Log(msg string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.msgs = append(ms.msgs, msg)
}

func (ms *memorySink) Get() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.msgs...)
}

func TestMultiLogger(t *testing.T) {
	logger1 := loggingtest.NewLogger(t, logging.LevelInfo)
	logger2 := loggingtest.NewLogger(t, logging.LevelInfo)

	logger := logging.NewMultiLogger(logger1, logger2)
	logger.Log(logging.LevelInfo, time.Time{}, "aaa")
	logger.Log(logging.LevelInfo, time.Time{}, "bbb")

	if diff := cmp.Diff(logger1.Logs(), []string{"aaa", "bbb"}); diff != "" {
		t.Errorf("Messages mismatch for logger1 (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(logger2.Logs(), []string{"aaa", "bbb"}); diff != "" {
		t.Errorf("Messages mismatch for logger2 (-got +want):\n%s", diff)
	}
}

func TestSinkLogger_Level(t *testing.T) {
	var sink memorySink
	logger := logging.NewSinkLogger(logging.LevelInfo, false, &sink)
	logger.Log(logging.LevelInfo, time.Time{}, "foo")
	logger.Log(logging.LevelDebug, time.Time{}, "bar")
	logger.Log(logging.LevelWarning, time.Time{}, "baz")
	logger.Log(logging.LevelError, time.Time{}, "qux")

	want := []string{"foo", "WARNING: baz", "ERROR: qux"}
	if diff := cmp.Diff(sink.Get(), want); diff != "" {
		t.Errorf("Messages mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLogger_Timestamp(t *testing.T) {
	var sink memorySink
	logger := logging.NewSinkLogger(logging.LevelInfo, true, &sink)
	logger.Log(logging.LevelInfo, time.Time{}, "foo")
	logger.Log(logging.LevelError, time.Time{}, "bar\nbaz\n")

	msgs := sink.Get()
	if len(msgs) != 3 {
		t.Fatalf("Unexpected number of lines: got %d, want 3", len(msgs))
	}

	const ts = `^\d\d\d\d-\d\d-\d\dT\d\d:\d\d:\d\d.\d\d\d\d\d\dZ `
	for i, want := range []string{"foo", "ERROR: bar", "ERROR: baz"} {
		re := regexp.MustCompile(ts + regexp.QuoteMeta(want) + "$")
		if !re.MatchString(msgs[i]) {
			t.Errorf("Line %d mismatch: got %q, want match with regexp %q", i, msgs[i], re.String())
		}
	}
}

func TestSinkLogger_MultiLine(t *testing.T) {
	var sink memorySink
	ctx := logging.AttachLogger(context.Background(), logging.NewSinkLogger(logging.LevelDebug, false, &sink))
	ctx = logging.SetLogPrefix(ctx, "[dut] ")
	logging.Warning(logging.SetLogPrefix(ctx, "[cli] "), "command failed:\r\nNo such file\r\n")
	logging.Info(ctx, "[not a prefix]")

	want := []string{
		"WARNING: [dut] [cli] command failed:",
		"WARNING: [dut] [cli] No such file",
		"[dut] [not a prefix]",
	}
	if diff := cmp.Diff(sink.Get(), want); diff != "" {
		t.Errorf("Lines mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLogger_WriterSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewSinkLogger(logging.LevelInfo, false, logging.NewWriterSink(&buf))
	logger.Log(logging.LevelInfo, time.Time{}, "foo")
	logger.Log(logging.LevelInfo, time.Time{}, "bar\nbaz\n")
	logger.Log(logging.LevelInfo, time.Time{}, "\x1b[31mred\x1b[0m")

	const want = "foo\nbar\nbaz\n\x1b[31mred\x1b[0m\n"
	if got := buf.String(); got != want {
		t.Fatalf("Messages mismatch: got %q, want %q", got, want)
	}
}

func TestTerminalSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewSinkLogger(logging.LevelInfo, false, logging.NewTerminalSink(&buf))
	logger.Log(logging.LevelInfo, time.Time{}, "\x1b[31mred\x1b[0m\tok\a")

	const want = `\x1b[31mred\x1b[0m` + "\tok" + `\x07` + "\n"
	if got := buf.String(); got != want {
		t.Fatalf("Messages mismatch: got %q, want %q", got, want)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.log")
	sink, err := logging.CreateFileSink(path)
	if err != nil {
		t.Fatal("CreateFileSink failed: ", err)
	}
	logger := logging.NewSinkLogger(logging.LevelDebug, false, sink)
	logger.Log(logging.LevelDebug, time.Time{}, "[at] << \"OK\"")
	if err := sink.Close(); err != nil {
		t.Fatal("Close failed: ", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "[at] << \"OK\"\n"; got != want {
		t.Errorf("File content = %q; want %q", got, want)
	}
}

func TestContextLog(t *testing.T) {
	// Logging to a context without a logger is a no-op.
	logging.Info(context.Background(), "ab")
	logging.Errorf(context.Background(), "c%s", "d")

	var sink memorySink
	ctx := logging.AttachLogger(context.Background(), logging.NewSinkLogger(logging.LevelDebug, false, &sink))

	logging.Debug(ctx, "ef")
	logging.Infof(ctx, "g%s", "h")
	logging.Warning(ctx, "ij")
	logging.Errorf(ctx, "k%s", "l")

	want := []string{"ef", "gh", "WARNING: ij", "ERROR: kl"}
	if diff := cmp.Diff(sink.Get(), want); diff != "" {
		t.Error("Unexpected msgs (-got +want):\n", diff)
	}
}

func TestAttachLoggerPropagation(t *testing.T) {
	ctx, parent := loggingtest.Context(t, logging.LevelDebug)
	child := loggingtest.NewLogger(t, logging.LevelDebug)

	logging.Info(logging.AttachLogger(ctx, child), "propagated")
	logging.Info(ctx, "parent only")

	if diff := cmp.Diff(parent.Logs(), []string{"propagated", "parent only"}); diff != "" {
		t.Errorf("Parent logs mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(child.Logs(), []string{"propagated"}); diff != "" {
		t.Errorf("Child logs mismatch (-got +want):\n%s", diff)
	}
}

func TestSetLogPrefix(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelDebug)
	ctx = logging.SetLogPrefix(ctx, "[dut] ")
	logging.Info(logging.SetLogPrefix(ctx, "[cli] "), "ready")
	logging.Info(ctx, "up")

	want := []string{"[dut] [cli] ready", "[dut] up"}
	if diff := cmp.Diff(logger.Logs(), want); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}

func TestReplaceInvalidUTF8(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelDebug)
	logging.Debug(ctx, "boot\xff\xfe ok")
	if diff := cmp.Diff(logger.Logs(), []string{"boot ok"}); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}

func TestLoggingtestLogsAt(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelInfo)
	logging.Debug(ctx, "dropped")
	logging.Info(ctx, "info")
	logging.Error(ctx, "failure")
	if diff := cmp.Diff(logger.LogsAt(logging.LevelError), []string{"failure"}); diff != "" {
		t.Errorf("LogsAt mismatch (-got +want):\n%s", diff)
	}
	if got, want := logger.String(), "info\nfailure"; got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
}
