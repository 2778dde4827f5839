// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-warden is the supervision agent. It owns one Unix socket per
// registered worker under run_dir/instance_id, accepts the worker's
// wrapper on it, and serves an admin socket through which
// bureau-warden-ctl registers workers and sends them commands.
//
// Usage:
//
//	bureau-warden --config /etc/bureau/warden.yaml
//
// Without --config the path is read from BUREAU_WARDEN_CONFIG. Logs
// are JSON on stderr unless stderr is a terminal.
package main
