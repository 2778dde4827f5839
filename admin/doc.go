// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin serves a control.Registry over the agent's admin
// socket and provides the typed client bureau-warden-ctl uses.
//
// Each connection carries one CBOR request map with an "action" field
// and receives one {ok, error, data} response. Only the agent's own
// uid and the admin principal's uid are served; other peers are
// refused before their request is read.
package admin
