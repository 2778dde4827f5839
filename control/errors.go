// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "errors"

// Failure results returned across the registry's public surface. They
// are returned (usually wrapped with the worker id), never panicked.
var (
	// ErrRegistryClosed: the registry has been stopped.
	ErrRegistryClosed = errors.New("registry is closed")

	// ErrInvalidWorkerID: the id contains characters outside
	// [A-Za-z0-9_-], is empty, or is too long.
	ErrInvalidWorkerID = errors.New("invalid worker id")

	// ErrMissingPrincipal: Register was called without a principal.
	ErrMissingPrincipal = errors.New("expected principal is required")

	// ErrAlreadyRegistered: a registration for the id exists.
	// Registrations are immutable; Unregister first.
	ErrAlreadyRegistered = errors.New("worker already registered")

	// ErrNotRegistered: no registration exists for the id.
	ErrNotRegistered = errors.New("worker not registered")

	// ErrNotConnected: no live connection exists for the worker.
	ErrNotConnected = errors.New("worker not connected")

	// ErrSendFailed: the connection was live but the write failed.
	// Sends are never retried; the caller decides.
	ErrSendFailed = errors.New("send failed")

	// ErrReadLoopRunning: a second reader was started on a
	// connection.
	ErrReadLoopRunning = errors.New("read loop already started")

	// ErrAccessDenied: a peer is not permitted on the channel.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCommand: the command kind is not one the protocol
	// defines.
	ErrInvalidCommand = errors.New("invalid command")
)
