// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ssh connects to the SSH server of a device under test and opens
// interactive shells on it.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/net/proxy"
	"golang.org/x/term"

	"go.legato.io/letp/errors"
)

const (
	defaultSSHUser = "root"
	defaultSSHPort = 22

	// sshMsgIgnore is the SSH global message sent to ping the host.
	// See RFC 4253 11.2, "Ignored Data Message".
	sshMsgIgnore = "SSH_MSG_IGNORE"
)

// targetRegexp is used to parse targets passed to ParseTarget.
var targetRegexp = regexp.MustCompile("^([^@]+@)?([^@]+)$")

// Conn represents an SSH connection to a device.
type Conn struct {
	cl   *ssh.Client
	addr string
}

// Options contains options used when connecting to a device's SSH server.
type Options struct {
	// User is the username to use when connecting.
	User string
	// Hostname is the SSH server's "host:port".
	Hostname string

	// Password is sent for password and keyboard-interactive authentication.
	// Freshly flashed devices accept an empty root password.
	Password string
	// AskPassword prompts on the controlling terminal for keyboard-interactive
	// challenges instead of answering them with Password.
	AskPassword bool

	// KeyFile is an optional path to an unencrypted SSH private key.
	KeyFile string
	// KeyDir is an optional path to a directory (typically $HOME/.ssh) containing standard
	// SSH keys (id_rsa, id_ed25519, etc.) to use if authentication via KeyFile is not accepted.
	// Only unencrypted keys are used.
	KeyDir string

	// ConnectTimeout contains a timeout for establishing the TCP connection.
	ConnectTimeout time.Duration
	// ConnectRetries contains the number of times to retry after a connection failure.
	// Each attempt waits up to ConnectTimeout.
	ConnectRetries int
	// ConnectRetryInterval contains the minimum amount of time between connection attempts.
	// Connections are refused for a while when sshd restarts after a reboot.
	// The time spent trying to connect counts against this interval.
	ConnectRetryInterval time.Duration

	// WarnFunc (if non-nil) is used to log non-fatal errors encountered while connecting to the host.
	WarnFunc func(string)
}

// ParseTarget parses target (of the form "[<user>@]host[:<port>]") and fills
// the User and Hostname fields in o, using reasonable defaults for unspecified values.
func ParseTarget(target string, o *Options) error {
	m := targetRegexp.FindStringSubmatch(target)
	if m == nil {
		return errors.Errorf("couldn't parse %q as \"[user@]hostname[:port]\"", target)
	}

	o.User = defaultSSHUser
	if m[1] != "" {
		o.User = m[1][0 : len(m[1])-1]
	}

	if _, _, err := net.SplitHostPort(m[2]); err != nil {
		o.Hostname = net.JoinHostPort(m[2], strconv.Itoa(defaultSSHPort))
	} else {
		o.Hostname = m[2]
	}
	return nil
}

// authMethods returns authentication methods to use when connecting to a device.
func authMethods(o *Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var signers []ssh.Signer
	if o.KeyFile != "" {
		s, _, err := readPrivateKey(o.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read private key %s", o.KeyFile)
		}
		signers = append(signers, s)
	}
	if o.KeyDir != "" {
		for _, fn := range []string{"testing_rsa", "id_ecdsa", "id_ed25519", "id_rsa"} {
			p := filepath.Join(o.KeyDir, fn)
			if p == o.KeyFile {
				continue
			} else if _, err := os.Stat(p); os.IsNotExist(err) {
				continue
			}
			if s, rok, err := readPrivateKey(p); err == nil {
				signers = append(signers, s)
			} else if !rok && o.WarnFunc != nil {
				o.WarnFunc(fmt.Sprintf("Failed to read %v: %v", p, err))
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if s := os.Getenv("SSH_AUTH_SOCK"); s != "" {
		if a, err := net.Dial("unix", s); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		} else if o.WarnFunc != nil {
			o.WarnFunc(fmt.Sprintf("Failed to connect to ssh-agent at %v: %v", s, err))
		}
	}

	methods = append(methods, ssh.Password(o.Password))

	stdin := int(os.Stdin.Fd())
	if o.AskPassword && term.IsTerminal(stdin) {
		prefix := "[" + o.Hostname + "] "
		methods = append(methods, ssh.KeyboardInteractive(
			func(user, inst string, qs []string, es []bool) ([]string, error) {
				return presentChallenges(stdin, prefix, qs)
			}))
	} else {
		methods = append(methods, ssh.KeyboardInteractive(
			func(user, inst string, qs []string, es []bool) ([]string, error) {
				as := make([]string, len(qs))
				for i := range qs {
					as[i] = o.Password
				}
				return as, nil
			}))
	}
	return methods, nil
}

// readPrivateKey reads and decodes a passphraseless private SSH key from path.
// rok is true if the key data was read successfully off disk and false if it wasn't.
// Note that err may be set while rok is true if the key was malformed or passphrase-protected.
func readPrivateKey(path string) (s ssh.Signer, rok bool, err error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	s, err = ssh.ParsePrivateKey(k)
	return s, true, err
}

// presentChallenges prints the challenges in qs and returns the user's answers.
func presentChallenges(stdin int, prefix string, qs []string) ([]string, error) {
	as := make([]string, len(qs))
	for i, q := range qs {
		os.Stdout.WriteString(prefix + q)
		b, err := term.ReadPassword(stdin)
		os.Stdout.WriteString("\n")
		if err != nil {
			return nil, err
		}
		as[i] = string(b)
	}
	return as, nil
}

// New establishes an SSH connection to the device described in o.
// Callers are responsible to call Conn.Close after using it.
func New(ctx context.Context, o *Options) (*Conn, error) {
	if o.User == "" {
		o.User = defaultSSHUser
	}

	am, err := authMethods(o)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            o.User,
		Auth:            am,
		Timeout:         o.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	for i := 0; i < o.ConnectRetries+1; i++ {
		start := time.Now()
		var cl *ssh.Client
		if cl, err = connectSSH(ctx, o.Hostname, cfg); err == nil {
			return &Conn{cl: cl, addr: o.Hostname}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if i < o.ConnectRetries {
			elapsed := time.Since(start)
			if remaining := o.ConnectRetryInterval - elapsed; remaining > 0 {
				if o.WarnFunc != nil {
					o.WarnFunc(fmt.Sprintf("Retrying SSH connection in %v: %v", remaining.Round(time.Millisecond), err))
				}
				select {
				case <-time.After(remaining):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			} else if o.WarnFunc != nil {
				o.WarnFunc(fmt.Sprintf("Retrying SSH connection: %v", err))
			}
		}
	}
	return nil, errors.Wrapf(err, "failed to connect to %s", o.Hostname)
}

// connectSSH attempts to synchronously connect to hostPort as directed by cfg.
func connectSSH(ctx context.Context, hostPort string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var cl *ssh.Client
	if err := doAsync(ctx, func() error {
		conn, err := proxy.FromEnvironment().Dial("tcp", hostPort)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
		if err != nil {
			conn.Close()
			return err
		}
		cl = ssh.NewClient(c, chans, reqs)
		return nil
	}, func() {
		if cl != nil {
			cl.Conn.Close()
		}
	}); err != nil {
		return nil, err
	}
	return cl, nil
}

// Addr returns the "host:port" the connection was made to.
func (s *Conn) Addr() string {
	return s.addr
}

// Close closes the underlying connection to the device.
func (s *Conn) Close(ctx context.Context) error {
	return doAsync(ctx, func() error { return s.cl.Conn.Close() }, nil)
}

// Ping checks that the connection to the device is still active, blocking until a
// response has been received. An error is returned if the connection is inactive or
// if timeout or ctx's deadline are exceeded.
func (s *Conn) Ping(ctx context.Context, timeout time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		_, _, err := s.cl.SendRequest(sshMsgIgnore, true, []byte{})
		ch <- err
	}()

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doAsync runs body in a goroutine so that ctx cancellation is honored while
// it blocks. If body fails or ctx is canceled first, clean is called after
// body returns to undo its effect. clean may be nil.
//
// The return value is that of body if body finishes before ctx is canceled,
// ctx.Err() otherwise.
func doAsync(ctx context.Context, body func() error, clean func()) (retErr error) {
	bodyCh := make(chan error, 1)
	retCh := make(chan error, 1)
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		bodyCh <- body()
		if err := <-retCh; err != nil && clean != nil {
			clean()
		}
	}()

	defer func() {
		retCh <- retErr
		select {
		case <-doneCh:
		case <-ctx.Done():
		}
	}()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case err := <-bodyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
