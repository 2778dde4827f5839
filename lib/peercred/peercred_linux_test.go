// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package peercred

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/warden/lib/testutil"
)

func TestFromConnReportsSameProcess(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "peer.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
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

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := testutil.RequireReceive(t, accepted, testutil.DefaultTimeout, "accepting connection")
	defer server.Close()

	credentials, err := FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}
	if credentials != Self() {
		t.Errorf("credentials = %v, want %v", credentials, Self())
	}
}

func TestFromConnRejectsNonUnix(t *testing.T) {
	t.Parallel()
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	if _, err := FromConn(left); !errors.Is(err, ErrUnsupported) {
		t.Errorf("FromConn(pipe) error = %v, want ErrUnsupported", err)
	}
}
