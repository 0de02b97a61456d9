// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package expect

import (
	"regexp"

	"go.legato.io/letp/errors"
)

type patternKind int

const (
	kindRegexp patternKind = iota
	kindTimeout
	kindEOF
)

// Pattern is one alternative passed to Session.Expect. It is either a
// regular expression or one of the Timeout and EOF sentinels.
type Pattern struct {
	kind patternKind
	re   *regexp.Regexp
}

var (
	// Timeout matches when nothing else matched before the deadline.
	Timeout = Pattern{kind: kindTimeout}
	// EOF matches when the device hung up.
	EOF = Pattern{kind: kindEOF}
	// Any matches all pending data, including line breaks.
	Any = Regexp(`(?s).+`)
)

// Regexp returns a pattern matching the regular expression expr.
// It panics if expr does not compile; use Compile for user input.
func Regexp(expr string) Pattern {
	return Pattern{kind: kindRegexp, re: regexp.MustCompile(expr)}
}

// Compile is like Regexp but returns an error for a bad expression.
func Compile(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, errors.Wrapf(err, "bad pattern %q", expr)
	}
	return Pattern{kind: kindRegexp, re: re}, nil
}

// Re returns a pattern matching re.
func Re(re *regexp.Regexp) Pattern {
	return Pattern{kind: kindRegexp, re: re}
}

// Exact returns a pattern matching s literally.
func Exact(s string) Pattern {
	return Pattern{kind: kindRegexp, re: regexp.MustCompile(regexp.QuoteMeta(s))}
}

// Exacts converts literal strings to patterns.
func Exacts(ss []string) []Pattern {
	ps := make([]Pattern, len(ss))
	for i, s := range ss {
		ps[i] = Exact(s)
	}
	return ps
}

// String returns the expression, or TIMEOUT/EOF for the sentinels.
func (p Pattern) String() string {
	switch p.kind {
	case kindTimeout:
		return "TIMEOUT"
	case kindEOF:
		return "EOF"
	}
	if p.re == nil {
		return "<nil>"
	}
	return p.re.String()
}

// IsTimeout reports whether p is the Timeout sentinel.
func (p Pattern) IsTimeout() bool { return p.kind == kindTimeout }

// IsEOF reports whether p is the EOF sentinel.
func (p Pattern) IsEOF() bool { return p.kind == kindEOF }

func indexOfKind(ps []Pattern, k patternKind) int {
	for i, p := range ps {
		if p.kind == k {
			return i
		}
	}
	return -1
}
