// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ssh_test

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.legato.io/letp/internal/sshtest"
	"go.legato.io/letp/ssh"
	"go.legato.io/letp/testutil"
)

func TestParseTarget(t *testing.T) {
	for _, tc := range []struct {
		target string
		want   ssh.Options
	}{
		{"192.168.2.2", ssh.Options{User: "root", Hostname: "192.168.2.2:22"}},
		{"admin@dut", ssh.Options{User: "admin", Hostname: "dut:22"}},
		{"root@10.0.0.1:2222", ssh.Options{User: "root", Hostname: "10.0.0.1:2222"}},
	} {
		var got ssh.Options
		if err := ssh.ParseTarget(tc.target, &got); err != nil {
			t.Errorf("ParseTarget(%q) failed: %v", tc.target, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want, cmp.Comparer(func(a, b func(string)) bool { return true })); diff != "" {
			t.Errorf("ParseTarget(%q) mismatch (-got +want):\n%s", tc.target, diff)
		}
	}
	if err := ssh.ParseTarget("a@b@c", &ssh.Options{}); err == nil {
		t.Error("ParseTarget(\"a@b@c\") succeeded unexpectedly")
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	td := sshtest.NewTestData(t, nil)

	// Reject the next two connections and let the client only retry once.
	td.Srv.RejectConns(2)
	ctx := context.Background()
	o := td.Options()
	o.ConnectRetries = 1
	if hst, err := ssh.New(ctx, o); err == nil {
		t.Error("Unexpectedly able to connect to server with inadequate retries")
		hst.Close(ctx)
	}

	// With two retries (i.e. three attempts), the connection is established.
	td.Srv.RejectConns(2)
	o = td.Options()
	o.ConnectRetries = 2
	if hst, err := ssh.New(ctx, o); err != nil {
		t.Error("Failed connecting to server despite adequate retries: ", err)
	} else {
		hst.Close(ctx)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	td := sshtest.NewTestData(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hst, err := ssh.New(ctx, td.Options())
	if err != nil {
		t.Fatal(err)
	}
	defer hst.Close(context.Background())

	td.Srv.AnswerPings(true)
	if err := hst.Ping(ctx, time.Minute); err != nil {
		t.Errorf("Got error when pinging host: %v", err)
	}

	td.Srv.AnswerPings(false)
	if err := hst.Ping(ctx, time.Millisecond); err == nil {
		t.Errorf("Didn't get expected error when pinging host with short timeout")
	}

	cancel()
	if err := hst.Ping(ctx, time.Minute); err == nil {
		t.Errorf("Didn't get expected error when pinging host with expired context")
	}
}

func TestKeyDir(t *testing.T) {
	t.Parallel()
	td := sshtest.NewTestData(t, nil)

	dir := testutil.TempDir(t)
	if err := os.Symlink(td.UserKeyFile, filepath.Join(dir, "testing_rsa")); err != nil {
		t.Fatal(err)
	}

	opt := ssh.Options{KeyDir: dir}
	if err := ssh.ParseTarget(td.Srv.Addr().String(), &opt); err != nil {
		t.Fatal(err)
	}
	hst, err := ssh.New(context.Background(), &opt)
	if err != nil {
		t.Fatal(err)
	}
	hst.Close(context.Background())
}

func TestPassword(t *testing.T) {
	t.Parallel()
	td := sshtest.NewTestData(t, nil)
	ctx := context.Background()

	opt := ssh.Options{Password: "letp"}
	if err := ssh.ParseTarget(td.Srv.Addr().String(), &opt); err != nil {
		t.Fatal(err)
	}
	if hst, err := ssh.New(ctx, &opt); err == nil {
		t.Error("Connected before password authentication was enabled")
		hst.Close(ctx)
	}

	td.Srv.AcceptPassword("letp")
	hst, err := ssh.New(ctx, &opt)
	if err != nil {
		t.Fatal("Password authentication failed: ", err)
	}
	hst.Close(ctx)
}

func TestShell(t *testing.T) {
	t.Parallel()
	td := sshtest.NewTestData(t, sshtest.PromptShell("", func(cmd string) (string, int) {
		return "ran " + cmd, 0
	}))
	ctx := context.Background()
	hst, err := ssh.New(ctx, td.Options())
	if err != nil {
		t.Fatal(err)
	}
	defer hst.Close(ctx)

	sh, err := hst.Shell(ctx, 0, 0)
	if err != nil {
		t.Fatal("Shell failed: ", err)
	}
	defer sh.Close()

	if _, err := io.WriteString(sh, "uname\n"); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(sh)
	var got []string
	for len(got) < 2 {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("Read failed after %q: %v", got, err)
		}
		got = append(got, strings.TrimRight(line, "\r\n"))
	}
	want := []string{sshtest.DefaultPrompt + "uname", "ran uname"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Shell output mismatch (-got +want):\n%s", diff)
	}

	td.Srv.DropConns()
	if _, err := io.ReadAll(br); err != nil {
		t.Log("Reading until hang-up: ", err)
	}
	if err := sh.Close(); err != nil {
		t.Log("Close after hang-up: ", err)
	}
}
