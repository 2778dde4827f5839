// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peercred reads the kernel-attested identity of the process on
// the other end of a Unix domain socket (SO_PEERCRED on Linux).
//
// The credentials are captured by the kernel at connect time, so they
// cannot be forged by the peer's payload. The warden uses them to
// decide whether an accepted control channel connection came from the
// principal the channel was registered for.
//
// Depends on golang.org/x/sys/unix. No warden-internal dependencies.
package peercred
