// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides warden's CBOR encoding configuration.
//
// Warden speaks two formats. The worker control channel is JSON,
// because workers may be written in anything and the frames are meant
// to be readable in a packet capture. The local admin socket, spoken
// only between bureau-warden and bureau-warden-ctl, is CBOR:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only cross the admin socket use `cbor` struct tags.
// Types that are also printed as JSON by the CLI use `json` tags,
// which fxamacker/cbor reads when `cbor` tags are absent. Never put
// both on one field.
package codec
