// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"os"

	"gopkg.in/yaml.v2"

	"go.legato.io/letp/dut"
	"go.legato.io/letp/errors"
)

// loadBench reads the YAML description of a device, e.g.
//
//	name: wp76
//	password: ""
//	links:
//	  - type: cli
//	    device: usb:1-1.2:1.0
//	    baud: 115200
//	    used: true
//	  - type: at
//	    device: usb:1-1.2:1.2
//	  - type: alt
//	    transport: ssh
//	    device: root@192.168.2.2
func loadBench(path string) (*dut.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg dut.Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if len(cfg.Links) == 0 {
		return nil, errors.Errorf("%s declares no link", path)
	}
	return &cfg, nil
}
