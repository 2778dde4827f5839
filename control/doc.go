// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the control channel between a warden
// agent and the workers it supervises.
//
// Each registered worker gets its own Unix socket at
// <run_dir>/<instance_id>/<worker_id>.sock. The agent listens; the
// worker's wrapper connects. Messages travel as length-prefixed frames
// (see lib/frame) whose payload is a flat JSON object tagged by a
// "type" field:
//
//	{"type":"status","worker_id":"build-1","timestamp":"...","state":"running","pid":4242}
//
// The agent side is the Registry: one listener per registration, at
// most one live Connection per worker (a new peer replaces the old
// one), and subscribable events for output, status changes, and fatal
// faults. The worker side is the Client.
//
// Access to a channel is limited to the agent, the worker's expected
// principal, and an administrative principal. The socket file's owner
// and mode keep other users out, and every accepted peer's
// SO_PEERCRED uid is checked against the same policy.
package control
