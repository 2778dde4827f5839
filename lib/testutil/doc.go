// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for warden packages.
//
// [SocketDir] creates a short directory under /tmp for Unix domain
// sockets. sun_path is limited to 108 bytes and t.TempDir() paths
// (which embed the full test name) routinely exceed it once a run
// directory, an instance id, and a worker id are appended.
//
// [RequireReceive], [RequireClosed], and [RequireEventually] bound every wait in a test with a wall-clock
// timeout so a regression fails instead of hanging the package.
//
// [UniqueID] generates distinct worker ids for tests that register
// the same registry repeatedly.
//
// All helpers call t.Fatalf on failure. This package has no
// warden-internal dependencies.
package testutil
