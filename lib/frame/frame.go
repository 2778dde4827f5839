// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLength is the size of the length prefix in bytes.
const HeaderLength = 4

// MaxPayloadLength is the largest payload a control channel accepts:
// 256 KiB. Messages larger than this are refused on both the write and
// the read side.
const MaxPayloadLength = 256 * 1024

// LengthError reports a frame header whose advertised length is
// outside (0, Max]. It is a non-fatal protocol violation: the header
// has been consumed but nothing else.
type LengthError struct {
	Length uint32
	Max    int
}

func (e *LengthError) Error() string {
	if e.Length == 0 {
		return "frame: empty frame"
	}
	return fmt.Sprintf("frame: length %d exceeds maximum %d", e.Length, e.Max)
}

// IsLengthError reports whether err is (or wraps) a *LengthError.
func IsLengthError(err error) bool {
	var lengthError *LengthError
	return errors.As(err, &lengthError)
}

// Encode returns payload prefixed with its length. The result is a
// single buffer so a caller can hand the whole frame to one Write.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &LengthError{Length: 0, Max: MaxPayloadLength}
	}
	if len(payload) > MaxPayloadLength {
		return nil, &LengthError{Length: uint32(len(payload)), Max: MaxPayloadLength}
	}
	framed := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint32(framed[:HeaderLength], uint32(len(payload)))
	copy(framed[HeaderLength:], payload)
	return framed, nil
}

// Write frames payload and writes it to w with a single Write call.
// Concurrent writers must serialize around Write themselves; a frame
// interleaved with another is unrecoverable for the reader.
func Write(w io.Writer, payload []byte) error {
	framed, err := Encode(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(framed); err != nil {
		return fmt.Errorf("frame: writing %d bytes: %w", len(framed), err)
	}
	return nil
}

// Read reads one frame from r and returns its payload. maxLength caps
// the accepted payload size; values <= 0 or above MaxPayloadLength
// select MaxPayloadLength.
//
// A stream that ends before a complete header or payload arrives
// returns io.EOF. Other read failures are returned wrapped.
func Read(r io.Reader, maxLength int) ([]byte, error) {
	if maxLength <= 0 || maxLength > MaxPayloadLength {
		maxLength = MaxPayloadLength
	}

	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, endOfStream(err, "header")
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || uint64(length) > uint64(maxLength) {
		return nil, &LengthError{Length: length, Max: maxLength}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, endOfStream(err, "payload")
	}
	return payload, nil
}

// endOfStream folds both clean and mid-frame EOF into io.EOF.
func endOfStream(err error, part string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return fmt.Errorf("frame: reading %s: %w", part, err)
}
