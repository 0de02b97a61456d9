// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package portdetect

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"go.legato.io/letp/errors"
)

// Holder is a process having a device open.
type Holder struct {
	PID  int32
	Name string
}

func (h Holder) String() string {
	return fmt.Sprintf("%s[%d]", h.Name, h.PID)
}

// Holders lists the processes having dev open, typically a stale terminal
// program or ModemManager keeping a port busy. Processes whose open files
// cannot be inspected are skipped.
func Holders(ctx context.Context, dev string) ([]Holder, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processes")
	}
	var hs []Holder
	for _, p := range procs {
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path != dev {
				continue
			}
			name, _ := p.NameWithContext(ctx)
			hs = append(hs, Holder{PID: p.Pid, Name: name})
			break
		}
	}
	return hs, nil
}
