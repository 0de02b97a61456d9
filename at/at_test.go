// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package at_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.legato.io/letp/at"
	"go.legato.io/letp/expect"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/internal/logging/loggingtest"
	"go.legato.io/letp/internal/testingutil"
	"go.legato.io/letp/transport"
	"go.legato.io/letp/transport/transporttest"
)

var replies = map[string]string{
	"AT":       "",
	"ATE0":     "",
	"ATI":      "Manufacturer: Sierra Wireless, Incorporated\r\nModel: WP7702\r\nRevision: SWI9X06Y_02.36.06.00",
	"AT+CGMR":  "SWI9X06Y_02.36.06.00 e1dd3a jenkins 2021/01/21 02:21:09",
	"AT+CPIN?": "+CPIN: READY",
	"AT+CME":   "+CME ERROR: 10",
	"AT+COPS?": `+COPS: 0,0,"TOKYO TELECOM",7`,
	"AT+CGMM":  "WP76xx OK-RADIO",
}

func newSession(t *testing.T, r transporttest.Responder) (*at.Session, *transporttest.Fake) {
	t.Helper()
	f := transporttest.New("/dev/ttyUSB2", transport.KindSerial)
	f.Respond(r)
	s := at.New(f, &at.Config{Timeout: 2 * time.Second})
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, f
}

func waitPending(t *testing.T, s *at.Session, want string) {
	t.Helper()
	if err := testingutil.Poll(context.Background(), func(context.Context) error {
		if got := s.Session().Pending(); got != want {
			return errors.New("pending is " + got)
		}
		return nil
	}, &testingutil.PollOptions{Timeout: 5 * time.Second, Interval: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	s, f := newSession(t, transporttest.ATResponder(replies))

	reply, err := s.Run(ctx, "ATI", nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	want := []string{"Manufacturer: Sierra Wireless, Incorporated", "Model: WP7702", "Revision: SWI9X06Y_02.36.06.00"}
	if diff := cmp.Diff(at.Lines(reply, "ATI"), want); diff != "" {
		t.Errorf("Unexpected reply lines (-got +want):\n%s", diff)
	}
	if got := f.Written(); got != "ATI\r" {
		t.Errorf("Written %q; want %q", got, "ATI\r")
	}
}

// TestRunStaleOK checks that an OK preceding the echo of the command is not
// taken for its result.
func TestRunStaleOK(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, nil)

	buffered := "\r\nOK\r\nATI\r\r\nModel: X\r\n\r\nOK\r\n"
	s.Session().Transport().(*transporttest.Fake).Feed(buffered)
	waitPending(t, s, buffered)

	reply, err := s.Run(ctx, "ATI", nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if want := "ATI\r\r\nModel: X\r\n\r\nOK"; reply != want {
		t.Errorf("Run returned %q; want %q", reply, want)
	}
}

// TestRunOKInPayload checks that an OK inside a reply line does not end the
// reply, which would shift the rest onto the next command.
func TestRunOKInPayload(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, transporttest.ATResponder(replies))

	for _, tc := range []struct {
		cmd  string
		want []string
	}{
		{"AT+COPS?", []string{`+COPS: 0,0,"TOKYO TELECOM",7`}},
		{"AT+CGMM", []string{"WP76xx OK-RADIO"}},
		{"AT", nil},
	} {
		reply, err := s.Run(ctx, tc.cmd, nil)
		if err != nil {
			t.Fatalf("Run(%q) failed: %v", tc.cmd, err)
		}
		if !strings.HasPrefix(reply, tc.cmd) || !strings.HasSuffix(reply, "\nOK") {
			t.Errorf("Run(%q) returned %q; want the echo through the final OK", tc.cmd, reply)
		}
		if diff := cmp.Diff(at.Lines(reply, tc.cmd), tc.want); diff != "" {
			t.Errorf("Run(%q) lines mismatch (-got +want):\n%s", tc.cmd, diff)
		}
	}
	if p := s.Session().Pending(); p != "" {
		t.Errorf("Pending after the replies = %q; want nothing", p)
	}
}

func TestRunErrorInPayload(t *testing.T) {
	ctx := context.Background()
	s, f := newSession(t, func(w string) string {
		if w == "AT+CMGR=1\r" {
			return "AT+CMGR=1\r\r\n+CMGR: \"REC READ\"\r\nNO ERROR HERE\r\n\r\nOK\r\n"
		}
		return ""
	})

	reply, err := s.Run(ctx, "AT+CMGR=1", nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if !strings.Contains(reply, "NO ERROR HERE") {
		t.Errorf("Run returned %q", reply)
	}
	f.Feed("\r\n+CMS ERROR: 321\r\n")
	if _, err := s.Run(ctx, "AT+CMGR=2", &at.RunOptions{Timeout: time.Second}); !errors.Is(err, at.ErrError) {
		t.Errorf("Run returned %v; want ErrError", err)
	}
}

func TestRunError(t *testing.T) {
	ctx, logs := loggingtest.Context(t, logging.LevelDebug)
	s, f := newSession(t, nil)
	f.Feed("ERROR\r\n")

	_, err := s.Run(ctx, "AT+BAD", nil)
	var ce *expect.ComError
	if !errors.As(err, &ce) {
		t.Fatalf("Run returned %v; want ComError", err)
	}
	if !errors.Is(err, at.ErrError) || !strings.Contains(err.Error(), "AT+BAD") {
		t.Errorf("Run returned %v; want ErrError naming the command", err)
	}
	if len(logs.LogsAt(logging.LevelError)) != 1 {
		t.Errorf("Got error logs %q; want one", logs.LogsAt(logging.LevelError))
	}
}

func TestRunCMEError(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, transporttest.ATResponder(replies))

	_, err := s.Run(ctx, "AT+CME", nil)
	if !errors.Is(err, at.ErrError) || !strings.Contains(err.Error(), "+CME ERROR: 10") {
		t.Errorf("Run returned %v; want the CME error", err)
	}
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, nil)

	_, err := s.Run(ctx, "AT+COPS=?", &at.RunOptions{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, expect.ErrTimeout) {
		t.Errorf("Run returned %v; want ErrTimeout", err)
	}
}

func TestRunNoCheck(t *testing.T) {
	ctx, logs := loggingtest.Context(t, logging.LevelDebug)
	s, f := newSession(t, nil)
	f.Feed("ERROR\r\n")

	reply, err := s.Run(ctx, "AT+BAD", &at.RunOptions{NoCheck: true})
	if err != nil || reply != "" {
		t.Errorf("Run = (%q, %v); want empty reply and no error", reply, err)
	}
	if len(logs.LogsAt(logging.LevelError)) != 0 {
		t.Error("Expected failure was logged as an error")
	}
	if !strings.Contains(logs.String(), "AT+BAD") {
		t.Errorf("Failure was not logged: %q", logs.String())
	}
}

func TestRunHangup(t *testing.T) {
	ctx := context.Background()
	s, f := newSession(t, nil)
	f.Hangup()

	if _, err := s.Run(ctx, "AT", nil); !errors.Is(err, expect.ErrEOF) {
		t.Errorf("Run returned %v; want ErrEOF", err)
	}
}

func TestRunExpect(t *testing.T) {
	ctx := context.Background()
	s, f := newSession(t, func(w string) string {
		if w == "AT+CFUN=1,1\r" {
			return "AT+CFUN=1,1\r\r\nOK\r\n\r\n+WDSI: 4\r\n\r\n+CREG: 1\r\n"
		}
		return ""
	})

	reply, err := s.Run(ctx, "AT+CFUN=1,1", &at.RunOptions{Expect: []string{"OK", `\+WDSI: \d`, `\+CREG: 1`}})
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if !strings.HasSuffix(reply, "+CREG: 1") || !strings.Contains(reply, "+WDSI: 4") {
		t.Errorf("Run returned %q", reply)
	}

	f.Feed("\r\n+CREG: 1\r\n")
	_, err = s.Run(ctx, "AT+CREG?", &at.RunOptions{Expect: []string{`\+CREG: 5`, "OK"}, Timeout: 20 * time.Millisecond})
	var oe *expect.OrderError
	if !errors.As(err, &oe) || oe.Step != 0 {
		t.Errorf("Run returned %v; want OrderError at step 0", err)
	}
}

func TestRunEOL(t *testing.T) {
	ctx := context.Background()
	s, f := newSession(t, transporttest.ATResponder(replies))
	if _, err := s.Run(ctx, "AT", &at.RunOptions{EOL: "\r\n"}); err != nil {
		t.Fatal("Run failed: ", err)
	}
	if got := f.Written(); got != "AT\r\n" {
		t.Errorf("Written %q; want %q", got, "AT\r\n")
	}
}

func TestHelpers(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, transporttest.ATResponder(replies))

	if !s.Ping(ctx, time.Second) {
		t.Error("Ping = false")
	}
	if err := s.EchoOff(ctx); err != nil {
		t.Error("EchoOff failed: ", err)
	}
	if st, err := s.SIMStatus(ctx); err != nil || st != "READY" {
		t.Errorf("SIMStatus = (%q, %v); want READY", st, err)
	}
	if fw, err := s.Firmware(ctx); err != nil || !strings.HasPrefix(fw, "SWI9X06Y_02.36.06.00") {
		t.Errorf("Firmware = (%q, %v)", fw, err)
	}
	id, err := s.Identify(ctx)
	if err != nil {
		t.Fatal("Identify failed: ", err)
	}
	if len(id) != 3 || id[1] != "Model: WP7702" {
		t.Errorf("Identify = %q", id)
	}
}

func TestPingSilent(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, nil)
	if s.Ping(ctx, 20*time.Millisecond) {
		t.Error("Ping = true for a silent modem")
	}
}
