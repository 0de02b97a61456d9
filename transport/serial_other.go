// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build !linux

package transport

import (
	"context"
	"io"
	"os"
	"runtime"

	"go.bug.st/serial"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
)

// isCharDevice reports whether dev exists. An existing path that is not a
// character device is an error.
func isCharDevice(dev string) (bool, error) {
	fi, err := os.Stat(dev)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, &OpenError{Dev: dev, Err: err}
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return false, &OpenError{Dev: dev, Err: errors.New("not a character device")}
	}
	return true, nil
}

func openPort(ctx context.Context, dev string, o *SerialOptions) (io.ReadWriteCloser, error) {
	if o.FlowControl {
		logging.Warningf(ctx, "Hardware flow control is not supported on %s; opening %s without it", runtime.GOOS, dev)
	}
	return serial.Open(dev, &serial.Mode{
		BaudRate: o.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

func mapReadError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return ErrClosed
	}
	return err
}
