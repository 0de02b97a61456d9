// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"context"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"go.legato.io/letp/errors"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	3000000: unix.B3000000,
}

// isCharDevice reports whether dev exists. An existing path that is not a
// character device is an error.
func isCharDevice(dev string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(dev, &st); err != nil {
		if err == unix.ENOENT || err == unix.ENOTDIR {
			return false, nil
		}
		return false, &OpenError{Dev: dev, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return false, &OpenError{Dev: dev, Err: errors.New("not a character device")}
	}
	return true, nil
}

// openPort opens dev without making it the controlling terminal and puts it
// in raw mode. The descriptor is non-blocking so that the runtime poller can
// interrupt a pending Read on Close.
func openPort(ctx context.Context, dev string, o *SerialOptions) (io.ReadWriteCloser, error) {
	speed, ok := baudRates[o.Baud]
	if !ok {
		return nil, errors.Errorf("unsupported baud rate %d", o.Baud)
	}

	f, err := os.OpenFile(dev, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	var cerr error
	if err := rc.Control(func(fd uintptr) {
		cerr = configureTermios(int(fd), speed, o.FlowControl)
	}); err != nil {
		f.Close()
		return nil, err
	}
	if cerr != nil {
		f.Close()
		return nil, cerr
	}
	return f, nil
}

// configureTermios sets raw 8N1 mode at speed: no echo, no line editing, no
// signal characters and no output processing. Reads return as soon as one
// byte is available.
func configureTermios(fd int, speed uint32, flowControl bool) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "failed to read terminal attributes")
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	if flowControl {
		t.Cflag |= unix.CRTSCTS
	}
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	t.Ispeed = speed
	t.Ospeed = speed

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return errors.Wrap(err, "failed to set terminal attributes")
	}
	return nil
}

// mapReadError converts the EIO a tty returns after its USB device vanished
// into io.EOF.
func mapReadError(err error) error {
	if errors.Is(err, unix.EIO) || errors.Is(err, unix.ENXIO) {
		return io.EOF
	}
	return err
}
