// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import "testing"

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindSerial, KindSSH, KindTelnet} {
		if got, err := ParseKind(k.String()); err != nil || got != k {
			t.Errorf("ParseKind(%q) = (%v, %v); want %v", k.String(), got, err, k)
		}
	}
	for _, s := range []string{"", "usb", "Kind(7)"} {
		if _, err := ParseKind(s); err == nil {
			t.Errorf("ParseKind(%q) succeeded", s)
		}
	}
}
