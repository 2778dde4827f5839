// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package peercred

import "net"

func fromUnixConn(*net.UnixConn) (Credentials, error) {
	return Credentials{}, ErrUnsupported
}
