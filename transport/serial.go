// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"golang.org/x/exp/slices"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/internal/logging"
)

// DefaultBaud is the rate of the console and AT ports of the supported modules.
const DefaultBaud = 115200

// SerialOptions configures a serial port.
type SerialOptions struct {
	// Baud is the line rate. Zero selects DefaultBaud.
	Baud int
	// FlowControl enables RTS/CTS hardware flow control.
	FlowControl bool
}

// listPorts enumerates serial ports known to the OS. Bare device names such
// as "COM3" are only accepted if they appear in this list.
var listPorts = serial.GetPortsList

// Serial is a Transport over a local serial port.
type Serial struct {
	dev  string
	port io.ReadWriteCloser

	closed    atomic.Bool
	closeOnce sync.Once
}

// OpenSerial opens and configures the serial device dev.
//
// found is false, with a nil error, if dev does not exist. A device that
// exists but cannot be opened or configured is reported as *OpenError.
func OpenSerial(ctx context.Context, dev string, opts *SerialOptions) (s *Serial, found bool, err error) {
	o := SerialOptions{Baud: DefaultBaud}
	if opts != nil {
		o = *opts
		if o.Baud == 0 {
			o.Baud = DefaultBaud
		}
	}

	found, err = SerialExists(dev)
	if err != nil || !found {
		return nil, found, err
	}

	port, err := openPort(ctx, dev, &o)
	if err != nil {
		return nil, true, &OpenError{Dev: dev, Err: err}
	}
	logging.Debugf(ctx, "Opened %s at %d baud (flow control: %v)", dev, o.Baud, o.FlowControl)
	return &Serial{dev: dev, port: port}, true, nil
}

// SerialExists reports whether dev names a serial device: an existing
// character device for absolute paths, an enumerated port otherwise. No OS
// resource is allocated for dev.
func SerialExists(dev string) (bool, error) {
	if filepath.IsAbs(dev) {
		return isCharDevice(dev)
	}
	ports, err := listPorts()
	if err != nil {
		return false, &OpenError{Dev: dev, Err: errors.Wrap(err, "failed to enumerate serial ports")}
	}
	return slices.Contains(ports, dev), nil
}

// Read reads from the port. io.EOF is returned once the device is gone.
func (s *Serial) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		if s.closed.Load() {
			return n, ErrClosed
		}
		return n, mapReadError(err)
	}
	return n, nil
}

// Write writes to the port.
func (s *Serial) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.port.Write(p)
}

// Close closes the port.
func (s *Serial) Close(ctx context.Context) error {
	if s == nil || s.port == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.port.Close(); err != nil {
			logging.Warningf(ctx, "Failed to close %s: %v", s.dev, err)
		}
	})
	return nil
}

// Closed reports whether Close was called.
func (s *Serial) Closed() bool {
	return s.closed.Load()
}

// Kind returns KindSerial.
func (s *Serial) Kind() Kind {
	return KindSerial
}

// String returns the device path.
func (s *Serial) String() string {
	return s.dev
}
