// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.legato.io/letp/internal/sshtest"
	"go.legato.io/letp/ssh"
	"go.legato.io/letp/transport"
)

func TestOpenSSH(t *testing.T) {
	td := sshtest.NewTestData(t, sshtest.PromptShell("", func(cmd string) (string, int) {
		return "Legato", 0
	}))
	ctx := context.Background()
	conn, err := ssh.New(ctx, td.Options())
	if err != nil {
		t.Fatal(err)
	}
	tr, err := transport.OpenSSH(ctx, conn, 0, 0)
	if err != nil {
		t.Fatal("OpenSSH failed: ", err)
	}
	defer tr.Close(ctx)

	if tr.Kind() != transport.KindSSH || !strings.HasPrefix(tr.String(), "ssh://127.0.0.1:") {
		t.Errorf("Unexpected transport identity %v %q", tr.Kind(), tr.String())
	}

	if _, err := io.WriteString(tr, "legato version\n"); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(tr)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal("Read failed: ", err)
		}
		if strings.TrimRight(line, "\r\n") == "Legato" {
			break
		}
	}

	if err := tr.Ping(ctx, time.Minute); err != nil {
		t.Error("Ping failed on a live connection: ", err)
	}

	// A device reboot drops the connection; readers see io.EOF.
	td.Srv.DropConns()
	if _, err := io.ReadAll(br); err != nil && !errors.Is(err, io.EOF) {
		t.Log("Read after drop: ", err)
	}

	if err := tr.Ping(ctx, time.Second); err == nil {
		t.Error("Ping succeeded on a dropped connection")
	}

	tr.Close(ctx)
	tr.Close(ctx)
	if !tr.Closed() {
		t.Error("Closed() = false after Close")
	}
	if _, err := tr.Write([]byte("ls\n")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Write after Close returned %v; want ErrClosed", err)
	}
}
