// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"go.legato.io/letp/errors"
)

const defaultKeyBits = 2048

// GenerateKeys generates SSH user and host keys of size bits.
// This can be time-consuming, so a test file may want to only call this once
// and reuse the results.
func GenerateKeys(bits int) (userKey, hostKey *rsa.PrivateKey, err error) {
	if userKey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate user RSA key")
	}
	if hostKey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate host RSA key")
	}
	return userKey, hostKey, nil
}

// MustGenerateKeys is like GenerateKeys with a default key size, panicking
// on error. It is meant to initialize package-level test variables.
func MustGenerateKeys() (userKey, hostKey *rsa.PrivateKey) {
	var err error
	if userKey, hostKey, err = GenerateKeys(defaultKeyBits); err != nil {
		panic(err)
	}
	return userKey, hostKey
}

// WriteKey writes key to a temporary file and returns its path.
// The caller is responsible for unlinking the temp file when complete.
func WriteKey(key *rsa.PrivateKey) (path string, err error) {
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	f, err := os.CreateTemp("", "letp_unittest_ssh_key.")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err = f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if _, err = f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
