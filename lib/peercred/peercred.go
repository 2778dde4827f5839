// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peercred

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrUnsupported is returned on platforms without peer credential
// support, and for connections that are not Unix domain sockets.
var ErrUnsupported = errors.New("peer credentials not supported")

// Credentials identify a connected peer process.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

func (c Credentials) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", c.PID, c.UID, c.GID)
}

// Self returns the credentials of the calling process, as a peer in
// the same process would see them.
func Self() Credentials {
	return Credentials{
		PID: int32(os.Getpid()),
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}
}

// FromConn returns the peer credentials of a Unix socket connection.
func FromConn(conn net.Conn) (Credentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %T is not a unix connection", ErrUnsupported, conn)
	}
	return fromUnixConn(unixConn)
}
