// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-warden-wrapper is the worker side of a control channel. It
// connects to the socket bureau-warden bound for its worker id, runs
// the given command, and relays between the two:
//
//	bureau-warden-wrapper --socket /run/bureau-warden/default/build-1.sock \
//	    --worker-id build-1 -- make -C /src all
//
// The child's stdout and stderr become Output messages (stderr flagged
// as an error stream), Input messages are written to its stdin, and
// every lifecycle change is reported as a Status. Commands from the
// agent (get_status, start, stop, kill, restart) are acknowledged
// with their result. A Shutdown stops the child and ends the wrapper.
//
// The wrapper exits with the child's exit status, or 128 plus the
// signal number if the child was killed. If the channel drops, the
// wrapper reconnects; the agent's listener stays bound, so the new
// connection replaces the old one.
package main
