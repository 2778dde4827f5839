// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-warden-ctl is the operator CLI for a running bureau-warden.
// It talks to the agent's admin socket:
//
//	bureau-warden-ctl status
//	bureau-warden-ctl register build-1 ci
//	bureau-warden-ctl command build-1 stop --command-timeout 30s
//	bureau-warden-ctl input build-1 "y"
//	bureau-warden-ctl output build-1 --offset 4096
//	bureau-warden-ctl shutdown build-1 --reason maintenance
//
// The socket defaults to /run/bureau-warden/admin.sock and can be set
// with --socket or BUREAU_WARDEN_ADMIN_SOCKET. --json prints responses
// as JSON and --raw prints them in CBOR diagnostic notation.
package main
