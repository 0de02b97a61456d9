// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package portdetect finds which serial device is the console and which is
// the AT port of a module.
//
// A device specifier is expanded into candidate device nodes, and each
// candidate is probed with the checklist command of every port type. A node
// is only assigned a port type if the expected response comes back within
// the timeout.
package portdetect

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"go.legato.io/letp/errors"
	"go.legato.io/letp/expect"
	"go.legato.io/letp/internal/logging"
	"go.legato.io/letp/link"
	"go.legato.io/letp/transport"
)

// Defaults of Config.
const (
	DefaultTimeout   = 2 * time.Second
	DefaultSysfsRoot = "/sys/bus/usb/devices"
	DefaultDevRoot   = "/dev"
	DefaultParallel  = 4
)

// Check is a command and the response identifying a port type.
type Check struct {
	// Command is sent followed by EOL. It may be empty to send only EOL.
	Command string
	EOL     string
	// Response is a regular expression.
	Response string
}

// DefaultChecks identify a Linux console and a modem AT port.
var DefaultChecks = map[link.PortType]Check{
	link.CLI: {Command: "", EOL: "\n", Response: `[^ ]+ login:|root@.+:.+#`},
	link.AT:  {Command: "AT", EOL: "\r", Response: `OK`},
}

// OpenFunc opens a serial device like transport.OpenSerial.
type OpenFunc func(ctx context.Context, dev string, opts *transport.SerialOptions) (tr transport.Transport, found bool, err error)

// Config configures a Detector.
type Config struct {
	// Checks identify the port types. nil means DefaultChecks.
	Checks map[link.PortType]Check
	// Timeout bounds each probe.
	Timeout time.Duration
	// Baud and FlowControl configure the probed ports.
	Baud        int
	FlowControl bool
	// SysfsRoot is the directory listing USB devices and interfaces.
	SysfsRoot string
	// DevRoot is the directory holding device nodes.
	DevRoot string
	// Parallel bounds the number of devices probed at the same time.
	Parallel int
	// RescanAll lets Resolve try every serial port of the host when a
	// device path stops answering and the USB device it belonged to is
	// unknown. Checklist commands are then written to the consoles of other
	// equipment on the bench.
	RescanAll bool

	// Open, ListPorts and ListDetailed default to the OS implementations.
	Open         OpenFunc
	ListPorts    func() ([]string, error)
	ListDetailed func() ([]*enumerator.PortDetails, error)
}

func openSerial(ctx context.Context, dev string, opts *transport.SerialOptions) (transport.Transport, bool, error) {
	s, found, err := transport.OpenSerial(ctx, dev, opts)
	if s == nil {
		return nil, found, err
	}
	return s, found, err
}

// Result maps port types to the device nodes identified as such.
type Result struct {
	Ports map[link.PortType]string
	// Checks holds the check each port passed.
	Checks map[link.PortType]Check
}

// Detector probes devices. It caches the last result.
type Detector struct {
	cfg Config

	mu   sync.Mutex
	last *Result
	// usb maps device nodes to the topology id of their USB device.
	usb map[string]string
}

// New returns a Detector. cfg may be nil.
func New(cfg *Config) *Detector {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Checks == nil {
		c.Checks = DefaultChecks
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.DevRoot == "" {
		c.DevRoot = DefaultDevRoot
	}
	if c.Parallel <= 0 {
		c.Parallel = DefaultParallel
	}
	if c.Open == nil {
		c.Open = openSerial
	}
	if c.ListPorts == nil {
		c.ListPorts = serial.GetPortsList
	}
	if c.ListDetailed == nil {
		c.ListDetailed = enumerator.GetDetailedPortsList
	}
	return &Detector{cfg: c, usb: make(map[string]string)}
}

var topologyRE = regexp.MustCompile(`^\d+-\d+(\.\d+)*(:\d+\.\d+)?$`)

// Candidates expands spec into device nodes:
//   - "" lists all serial ports of the OS;
//   - a USB topology id, "1-1.2" for a device or "1-1.2:1.0" for an
//     interface, optionally prefixed by "usb:", lists its ttys from sysfs;
//   - "usb:VID:PID" or "usb:SERIAL" lists the enumerated ports of matching
//     USB devices;
//   - anything else, like "/dev/ttyUSB0" or "COM3", is returned as is.
func (d *Detector) Candidates(spec string) ([]string, error) {
	id, usb := strings.CutPrefix(spec, "usb:")
	switch {
	case spec == "":
		ports, err := d.cfg.ListPorts()
		if err != nil {
			return nil, errors.Wrap(err, "failed to list serial ports")
		}
		return ports, nil
	case topologyRE.MatchString(id):
		return d.sysfsPorts(id)
	case usb:
		return d.enumeratedPorts(id)
	}
	return []string{spec}, nil
}

// NeedsResolution reports whether spec must be expanded by Candidates
// rather than naming a device node itself.
func NeedsResolution(spec string) bool {
	id, usb := strings.CutPrefix(spec, "usb:")
	return spec == "" || usb || topologyRE.MatchString(id)
}

// sysfsPorts lists the ttys of the USB device or interface id. usb-serial
// ttys are children of the interface, CDC ACM ttys live in its tty
// subdirectory.
func (d *Detector) sysfsPorts(id string) ([]string, error) {
	ifaces := []string{filepath.Join(d.cfg.SysfsRoot, id)}
	if !strings.Contains(id, ":") {
		var err error
		if ifaces, err = filepath.Glob(filepath.Join(d.cfg.SysfsRoot, id+":*")); err != nil {
			return nil, err
		}
		slices.Sort(ifaces)
	}

	var ports []string
	for _, dir := range ifaces {
		for _, sub := range []string{dir, filepath.Join(dir, "tty")} {
			entries, err := os.ReadDir(sub)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if n := e.Name(); strings.HasPrefix(n, "tty") && n != "tty" {
					ports = append(ports, filepath.Join(d.cfg.DevRoot, n))
				}
			}
		}
	}
	if len(ports) == 0 {
		return nil, errors.Errorf("no tty found for USB %s under %s", id, d.cfg.SysfsRoot)
	}
	return ports, nil
}

// enumeratedPorts lists the ports of USB devices whose "VID:PID" or serial
// number is id.
func (d *Detector) enumeratedPorts(id string) ([]string, error) {
	details, err := d.cfg.ListDetailed()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate USB serial ports")
	}
	var ports []string
	for _, p := range details {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID+":"+p.PID, id) || p.SerialNumber == id {
			ports = append(ports, p.Name)
		}
	}
	if len(ports) == 0 {
		return nil, errors.Errorf("no USB serial port matches %q", id)
	}
	slices.Sort(ports)
	return ports, nil
}

// Probe reports whether dev answers the check of pt. A device that does
// not exist is not an error.
func (d *Detector) Probe(ctx context.Context, dev string, pt link.PortType) (bool, error) {
	chk, ok := d.cfg.Checks[pt]
	if !ok {
		return false, errors.Errorf("no check for port type %q", pt)
	}
	re, err := expect.Compile(chk.Response)
	if err != nil {
		return false, err
	}

	tr, found, err := d.cfg.Open(ctx, dev, &transport.SerialOptions{Baud: d.cfg.Baud, FlowControl: d.cfg.FlowControl})
	if err != nil {
		if hs, herr := Holders(ctx, dev); herr == nil && len(hs) > 0 {
			logging.Infof(ctx, "%s is held by %v", dev, hs)
		}
		return false, err
	}
	if !found {
		return false, nil
	}
	defer tr.Close(ctx)

	sess := expect.New(tr, &expect.Options{EOL: chk.EOL})
	if err := sess.SendLine(ctx, chk.Command); err != nil {
		return false, err
	}
	idx, err := sess.Expect(ctx, []expect.Pattern{re, expect.Timeout, expect.EOF}, d.cfg.Timeout)
	if err != nil {
		return false, err
	}
	return idx == 0, nil
}

// Detect probes the candidates of spec for each of types, all of the
// configured ones if none are given. Devices are probed concurrently; each
// device gets the first type it passes the check of. If several devices
// pass the check of a type, the first candidate wins.
func (d *Detector) Detect(ctx context.Context, spec string, types ...link.PortType) (*Result, error) {
	if len(types) == 0 {
		types = maps.Keys(d.cfg.Checks)
		slices.Sort(types)
	}
	cands, err := d.Candidates(spec)
	if err != nil {
		return nil, err
	}

	matched := make([]link.PortType, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallel)
	for i, dev := range cands {
		i, dev := i, dev
		g.Go(func() error {
			for _, pt := range types {
				ok, err := d.Probe(gctx, dev, pt)
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err != nil {
					logging.Infof(gctx, "Failed to probe %s as %s: %v", dev, pt, err)
					return nil
				}
				if ok {
					matched[i] = pt
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Ports: make(map[link.PortType]string), Checks: make(map[link.PortType]Check)}
	for i, pt := range matched {
		if _, dup := res.Ports[pt]; pt == "" || dup {
			continue
		}
		res.Ports[pt] = cands[i]
		res.Checks[pt] = d.cfg.Checks[pt]
		logging.Infof(ctx, "Detected %s port %s", pt, cands[i])
	}

	d.mu.Lock()
	d.last = res
	d.mu.Unlock()
	return res, nil
}

// Last returns the result of the last Detect, or nil.
func (d *Detector) Last() *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Track returns the topology id of the USB device dev belongs to, e.g.
// "1-1.2", and remembers it so that Resolve still finds the siblings of dev
// once the device was enumerated again and dev is gone.
func (d *Detector) Track(dev string) (string, bool) {
	name := filepath.Base(dev)
	for _, pat := range []string{"*:*/" + name, "*:*/tty/" + name} {
		ms, err := filepath.Glob(filepath.Join(d.cfg.SysfsRoot, pat))
		if err != nil || len(ms) == 0 {
			continue
		}
		rel, err := filepath.Rel(d.cfg.SysfsRoot, ms[0])
		if err != nil {
			continue
		}
		iface, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		id, _, _ := strings.Cut(iface, ":")
		d.mu.Lock()
		d.usb[dev] = id
		d.mu.Unlock()
		return id, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.usb[dev]
	return id, ok
}

// Resolve returns the device node of type pt for spec. If spec is a device
// path that no longer answers, e.g. because the module was enumerated again
// under another number, the other ttys of the same USB device are checked.
// Other ports are only tried if Config.RescanAll is set. It can be used as
// a link.Resolver.
func (d *Detector) Resolve(ctx context.Context, pt link.PortType, spec string) (string, error) {
	res, err := d.Detect(ctx, spec, pt)
	if err != nil {
		return "", err
	}
	if dev, ok := res.Ports[pt]; ok {
		d.Track(dev)
		return dev, nil
	}
	if !filepath.IsAbs(spec) {
		return "", errors.Errorf("no %s port found for %q", pt, spec)
	}

	var scope string
	if id, ok := d.Track(spec); ok {
		logging.Infof(ctx, "%s is not a %s port anymore; probing the ports of USB %s", spec, pt, id)
		scope = id
	} else if d.cfg.RescanAll {
		logging.Infof(ctx, "%s is not a %s port anymore; probing all ports", spec, pt)
	} else {
		return "", errors.Errorf("%s is not a %s port and its USB device is unknown", spec, pt)
	}
	if res, err = d.Detect(ctx, scope, pt); err != nil {
		return "", err
	}
	dev, ok := res.Ports[pt]
	if !ok {
		return "", errors.Errorf("no %s port found for %q", pt, spec)
	}
	if scope != "" {
		d.mu.Lock()
		d.usb[dev] = scope
		d.mu.Unlock()
	}
	return dev, nil
}
