// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testutil provides support code for unit tests, mostly for building
// fake /dev and /sys trees.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TempDir creates a temporary directory prefixed by "letp_unittest_[TestName]."
// and returns its path. The directory is removed when the test finishes.
// If the directory cannot be created, a fatal error is reported to t.
func TempDir(t *testing.T) string {
	t.Helper()
	// Subtests have slashes in their name.
	name := strings.ReplaceAll(t.Name(), "/", "_")
	td, err := os.MkdirTemp("", "letp_unittest_"+name+".")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(td) })
	return td
}

// WriteFiles creates and writes files (keys are relative filenames,
// values are contents) within dir.
func WriteFiles(dir string, files map[string]string) error {
	for fn, c := range files {
		p := filepath.Join(dir, fn)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(c), 0644); err != nil {
			return err
		}
	}
	return nil
}

// WriteSymlinks creates symbolic links within dir. Keys are relative link
// names, values are link targets written verbatim, so relative targets are
// resolved against the link's directory like sysfs links are.
func WriteSymlinks(dir string, links map[string]string) error {
	for fn, target := range links {
		p := filepath.Join(dir, fn)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.Symlink(target, p); err != nil {
			return err
		}
	}
	return nil
}

// MkdirAll creates each relative directory within dir.
func MkdirAll(dir string, paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Join(dir, p), 0755); err != nil {
			return err
		}
	}
	return nil
}
