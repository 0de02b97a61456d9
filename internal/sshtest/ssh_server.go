// Copyright 2024 The LeTP Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sshtest provides an in-process SSH server that imitates the login
// shell of a device under test.
package sshtest

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"go.legato.io/letp/errors"
)

// sshMsgIgnore is the SSH global message sent to ping the host.
// See RFC 4253 11.2, "Ignored Data Message".
const sshMsgIgnore = "SSH_MSG_IGNORE"

// SSHServer implements an SSH server based on the ssh package's NewServerConn
// example that listens on localhost. Clients authenticate with an RSA key or,
// once AcceptPassword was called, with a password.
//
// Only "shell" requests on a PTY and pings (using SSH_MSG_IGNORE) are
// supported. Shells are served by a caller-supplied function.
type SSHServer struct {
	cfg      *ssh.ServerConfig
	listener net.Listener

	answerPings  atomic.Bool  // if true, ping requests will be answered
	rejectConns  atomic.Int64 // number of connections to reject (used as counter)
	shellHandler ShellHandler // called to serve "shell" requests

	mu       sync.Mutex
	password *string
	conns    []*ssh.ServerConn
}

// NewSSHServer creates an SSH server using host key hk and accepting public key authentication using pk.
// A random port bound to the local IPv4 interface is used.
func NewSSHServer(pk *rsa.PublicKey, hk *rsa.PrivateKey, handler ShellHandler) (*SSHServer, error) {
	s := &SSHServer{shellHandler: handler}
	cfg, err := s.newServerConfig(pk, hk)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	ls, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = ls
	s.answerPings.Store(true)

	go func() {
		for {
			conn, err := ls.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := s.handleConn(conn); err != nil {
					log.Print("Got error while handling connection: ", err)
				}
			}()
		}
	}()
	return s, nil
}

// newServerConfig returns a new configuration for a server using host key hk
// and accepting public key authentication using pk.
func (s *SSHServer) newServerConfig(pk *rsa.PublicKey, hk *rsa.PrivateKey) (*ssh.ServerConfig, error) {
	pub, err := ssh.NewPublicKey(pk)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate SSH public key")
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(pubKey.Marshal(), pub.Marshal()) == 1 {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if s.checkPassword(string(pw)) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		KeyboardInteractiveCallback: func(c ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			as, err := client(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(as) == 1 && s.checkPassword(as[0]) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected for %q", c.User())
		},
	}

	signer, err := ssh.NewSignerFromKey(hk)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate host signer")
	}
	cfg.AddHostKey(signer)
	return cfg, nil
}

func (s *SSHServer) checkPassword(pw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != nil && subtle.ConstantTimeCompare([]byte(*s.password), []byte(pw)) == 1
}

// AcceptPassword enables password authentication with pw. An empty pw is
// accepted like on a freshly flashed device.
func (s *SSHServer) AcceptPassword(pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = &pw
}

// Close instructs the server to stop listening for connections.
func (s *SSHServer) Close() error {
	return s.listener.Close()
}

// AnswerPings controls whether the server should reply to SSH_MSG_IGNORE ping requests or ignore them.
func (s *SSHServer) AnswerPings(v bool) {
	s.answerPings.Store(v)
}

// RejectConns instructs the server to reject the next n connections.
func (s *SSHServer) RejectConns(n int) {
	s.rejectConns.Store(int64(n))
}

// DropConns closes every established connection, as a device reboot would.
func (s *SSHServer) DropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Addr returns the address on which the server is listening.
func (s *SSHServer) Addr() net.Addr {
	if s.listener == nil {
		panic("Server not listening")
	}
	return s.listener.Addr()
}

// handleConn services a new incoming connection on conn.
func (s *SSHServer) handleConn(conn net.Conn) error {
	if s.rejectConns.Add(-1) >= 0 {
		conn.Close()
		return errors.New("intentionally rejecting")
	}

	sConn, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to handshake")
	}
	s.mu.Lock()
	s.conns = append(s.conns, sConn)
	s.mu.Unlock()

	go func() {
		for req := range reqs {
			if !req.WantReply {
				continue
			}
			if req.Type == sshMsgIgnore && s.answerPings.Load() {
				req.Reply(false, nil)
			} else if req.Type != sshMsgIgnore {
				req.Reply(false, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, fmt.Sprintf("%q unsupported", newChan.ChannelType()))
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			return errors.Wrap(err, "failed to accept channel")
		}
		go s.handleChannel(ch, chReqs)
	}
	return nil
}

// ptyRequest is the payload of a "pty-req" request.
// See RFC 4254 6.2, "Requesting a Pseudo-Terminal".
type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

// handleChannel services a session channel. A PTY must be requested before
// the shell.
func (s *SSHServer) handleChannel(ch ssh.Channel, reqs <-chan *ssh.Request) {
	var pty *ptyRequest
	started := false
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				log.Print("Failed to parse pty-req: ", err)
				req.Reply(false, nil)
				continue
			}
			pty = &p
			req.Reply(true, nil)
		case "shell":
			if pty == nil || started || s.shellHandler == nil {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			sr := &ShellReq{Term: pty.Term, Cols: int(pty.Cols), Rows: int(pty.Rows), ch: ch}
			go func() {
				defer sr.Close()
				s.shellHandler(sr)
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	ch.Close()
}

// ShellReq is used to serve a "shell" request on a PTY.
// See RFC 4254 6.5, "Starting a Shell or a Command".
type ShellReq struct {
	// Term is the TERM value requested by the client.
	Term string
	// Cols and Rows give the PTY size requested by the client.
	Cols, Rows int

	ch        ssh.Channel
	closeOnce sync.Once
}

// Read reads input typed by the SSH client.
func (r *ShellReq) Read(data []byte) (int, error) { return r.ch.Read(data) }

// Write writes terminal output to the client.
func (r *ShellReq) Write(data []byte) (int, error) { return r.ch.Write(data) }

// Close reports a zero exit status and closes the channel.
func (r *ShellReq) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		err = r.ch.Close()
	})
	return err
}

// ShellHandler serves one interactive shell. The session ends when it returns.
// It will be called concurrently on multiple goroutines if several shells are
// opened.
type ShellHandler func(req *ShellReq)
