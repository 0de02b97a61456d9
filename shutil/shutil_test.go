// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package shutil_test

import (
	"testing"

	"go.legato.io/letp/shutil"
)

func TestEscape(t *testing.T) {
	for _, c := range []struct {
		in, exp string
	}{
		{``, `''`},
		{` `, `' '`},
		{`\t`, `'\t'`},
		{`\n`, `'\n'`},
		{`ab`, `ab`},
		{`a b`, `'a b'`},
		{`ab `, `'ab '`},
		{` ab`, `' ab'`},
		{`AZaz09@%_+=:,./-`, `AZaz09@%_+=:,./-`},
		{`a!b`, `'a!b'`},
		{`'`, `''"'"''`},
		{`"`, `'"'`},
		{`=foo`, `'=foo'`},
		{`Legato's`, `'Legato'"'"'s'`},
	} {
		if s := shutil.Escape(c.in); s != c.exp {
			t.Errorf("Escape(%q) = %q; want %q", c.in, s, c.exp)
		}
	}
}

func TestEscapeSlice(t *testing.T) {
	const exp = `app status 'my app' '$HOME'`
	if s := shutil.EscapeSlice([]string{"app", "status", "my app", "$HOME"}); s != exp {
		t.Errorf("EscapeSlice() = %q; want %q", s, exp)
	}
}

func TestStripANSI(t *testing.T) {
	for _, c := range []struct {
		in, exp string
	}{
		{"plain", "plain"},
		{"\x1b[1;32mroot\x1b[0m@swi-mdm9x28:~#", "root@swi-mdm9x28:~#"},
		{"\x1b[?2004hls\x1b[?2004l", "ls"},
		{"\x1b]0;root@host\x07text", "text"},
	} {
		if s := shutil.StripANSI(c.in); s != c.exp {
			t.Errorf("StripANSI(%q) = %q; want %q", c.in, s, c.exp)
		}
	}
}

func TestEOL(t *testing.T) {
	if s := shutil.TrimEOL("\r\nLinux 4.14\r\n"); s != "Linux 4.14" {
		t.Errorf("TrimEOL() = %q", s)
	}
	if s := shutil.NormalizeEOL("a\r\nb\rc\n"); s != "a\nb\nc\n" {
		t.Errorf("NormalizeEOL() = %q", s)
	}
}
