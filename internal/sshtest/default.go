// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"context"
	"crypto/rsa"
	"os"
	"sync"
	"testing"

	"go.legato.io/letp/ssh"
)

var (
	staticUserKey, staticHostKey *rsa.PrivateKey
	onceGenerateStaticKeys       sync.Once
)

// StaticKeys returns user and host keys generated once per test binary.
func StaticKeys() (userKey, hostKey *rsa.PrivateKey) {
	onceGenerateStaticKeys.Do(func() {
		staticUserKey, staticHostKey = MustGenerateKeys()
	})
	return staticUserKey, staticHostKey
}

// ConnectToServer establishes a connection to srv using key.
// base is used as a base set of options.
func ConnectToServer(ctx context.Context, srv *SSHServer, key *rsa.PrivateKey, base *ssh.Options) (*ssh.Conn, error) {
	keyFile, err := WriteKey(key)
	if err != nil {
		return nil, err
	}
	defer os.Remove(keyFile)

	o := *base
	o.KeyFile = keyFile
	if err = ssh.ParseTarget(srv.Addr().String(), &o); err != nil {
		return nil, err
	}
	return ssh.New(ctx, &o)
}

// TestData owns a local SSH server and the key file clients authenticate with.
type TestData struct {
	Srv         *SSHServer
	UserKeyFile string
}

// NewTestData starts a server serving shells with handler. It is stopped
// when the test finishes.
func NewTestData(t *testing.T, handler ShellHandler) *TestData {
	t.Helper()
	userKey, hostKey := StaticKeys()
	srv, err := NewSSHServer(&userKey.PublicKey, hostKey, handler)
	if err != nil {
		t.Fatal("Failed starting server: ", err)
	}
	keyFile, err := WriteKey(userKey)
	if err != nil {
		srv.Close()
		t.Fatal(err)
	}
	td := &TestData{Srv: srv, UserKeyFile: keyFile}
	t.Cleanup(td.Close)
	return td
}

// Options returns client options targeting td.Srv with its user key.
func (td *TestData) Options() *ssh.Options {
	o := &ssh.Options{KeyFile: td.UserKeyFile}
	if err := ssh.ParseTarget(td.Srv.Addr().String(), o); err != nil {
		panic(err)
	}
	return o
}

// Close stops the server, drops its connections and deletes the user key file.
func (td *TestData) Close() {
	td.Srv.Close()
	td.Srv.DropConns()
	os.Remove(td.UserKeyFile)
}
