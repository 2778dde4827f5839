// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/lib/frame"
	"github.com/bureau-foundation/warden/lib/testutil"
)

// staticResolver resolves a fixed set of principal names.
type staticResolver map[string]Identity

func (r staticResolver) LookupPrincipal(name string) (Identity, error) {
	identity, ok := r[name]
	if !ok {
		return Identity{}, &PrincipalError{Principal: name, Err: fmt.Errorf("no such principal")}
	}
	return identity, nil
}

// selfResolver maps the principals the tests use to the test
// process's own identity, which an unprivileged agent can serve.
func selfResolver() staticResolver {
	self := CurrentIdentity()
	return staticResolver{
		"acct":  self,
		"admin": self,
	}
}

// socketPair returns both ends of a connected Unix socket.
func socketPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "pair.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = testutil.RequireReceive(t, accepted, testutil.DefaultTimeout, "accepting socket pair")
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// readMessage reads and decodes one framed message from conn.
func readMessage(t *testing.T, conn net.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testutil.DefaultTimeout))
	defer conn.SetReadDeadline(time.Time{})
	payload, err := frame.Read(conn, MaxMessageSize)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	message, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("decoding %s: %v", payload, err)
	}
	return message
}

// writeMessage frames and writes message to conn.
func writeMessage(t *testing.T, conn net.Conn, message Message) {
	t.Helper()
	payload, err := Marshal(message)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := frame.Write(conn, payload); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}
