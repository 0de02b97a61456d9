// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// openPTY returns the master side of a new pseudo-terminal and the path of
// its slave, which behaves like a serial port for termios purposes.
func openPTY(t *testing.T) (*os.File, string) {
	t.Helper()
	m, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		t.Skip("Pseudo-terminals unavailable: ", err)
	}
	t.Cleanup(func() { m.Close() })
	fd := int(m.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		t.Fatal("unlockpt: ", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		t.Fatal("ptsname: ", err)
	}
	return m, fmt.Sprintf("/dev/pts/%d", n)
}

func TestOpenSerialPTY(t *testing.T) {
	m, dev := openPTY(t)
	ctx := context.Background()

	s, found, err := OpenSerial(ctx, dev, &SerialOptions{Baud: 115200, FlowControl: true})
	if err != nil || !found {
		t.Fatalf("OpenSerial(%s) = (%v, %v); want found", dev, found, err)
	}
	defer s.Close(ctx)

	if _, err := io.WriteString(m, "AT\r"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal("Read failed: ", err)
	}
	// Raw mode keeps CR untranslated.
	if got := string(buf[:n]); got != "AT\r" && got != "A" && got != "AT" {
		t.Errorf("Read = %q; want a prefix of %q", got, "AT\r")
	}

	if _, err := s.Write([]byte("OK\r\n")); err != nil {
		t.Fatal("Write failed: ", err)
	}

	// Close interrupts a blocked Read.
	done := make(chan error, 1)
	go func() {
		for {
			if _, err := s.Read(buf); err != nil {
				done <- err
				return
			}
		}
	}()
	time.Sleep(10 * time.Millisecond)
	s.Close(ctx)
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("Read after Close returned %v; want ErrClosed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Read was not interrupted by Close")
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestOpenSerialBadBaud(t *testing.T) {
	_, dev := openPTY(t)
	_, found, err := OpenSerial(context.Background(), dev, &SerialOptions{Baud: 12345})
	if !found {
		t.Error("OpenSerial reported existing PTY as absent")
	}
	if _, ok := err.(*OpenError); !ok {
		t.Errorf("OpenSerial with bad baud returned %v; want *OpenError", err)
	}
}
