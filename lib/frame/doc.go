// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the length-prefixed framing used on warden
// control channels. A frame is a 4-byte big-endian payload length
// followed by exactly that many payload bytes, with no trailing
// delimiter.
//
// [Read] distinguishes three outcomes a caller must treat differently:
//
//   - a complete payload;
//   - a [LengthError] when the advertised length is zero or exceeds
//     the limit. No payload bytes are consumed, and the stream stays
//     usable, so the caller can report the violation and keep reading;
//   - [io.EOF] when the peer closed the stream, including a close in
//     the middle of a frame. A truncated frame is a disconnect, not a
//     protocol error.
//
// This package has no warden-internal dependencies.
package frame
