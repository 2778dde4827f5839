// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bureau-foundation/warden/control"
)

// testLogger discards: supervisor goroutines can outlive a failed
// test.
func testLogger(*testing.T) *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type chunk struct {
	data    string
	isError bool
}

func collect() (*[]chunk, func(string, bool)) {
	var chunks []chunk
	return &chunks, func(data string, isError bool) {
		chunks = append(chunks, chunk{data, isError})
	}
}

func TestOutputWriterHoldsSplitRune(t *testing.T) {
	chunks, send := collect()
	w := &outputWriter{send: send, isError: true}

	euro := []byte("€") // three bytes
	w.Write(append([]byte("price: "), euro[:2]...))
	w.Write(append(euro[2:], '\n'))

	want := []chunk{{"price: ", true}, {"€\n", true}}
	if len(*chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", *chunks, want)
	}
	for i := range want {
		if (*chunks)[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, (*chunks)[i], want[i])
		}
	}
}

func TestOutputWriterSplitsLongWrites(t *testing.T) {
	chunks, send := collect()
	w := &outputWriter{send: send}

	// Offset by one byte so a rune straddles the chunk boundary.
	data := "x" + strings.Repeat("é", control.MaxOutputLength)
	n, err := w.Write([]byte(data))
	if n != len(data) || err != nil {
		t.Fatalf("Write = (%d, %v)", n, err)
	}

	var joined strings.Builder
	for _, c := range *chunks {
		if len(c.data) > control.MaxOutputLength {
			t.Errorf("chunk of %d bytes exceeds %d", len(c.data), control.MaxOutputLength)
		}
		if !utf8.ValidString(c.data) {
			t.Error("chunk is not valid UTF-8")
		}
		joined.WriteString(c.data)
	}
	if joined.String() != data {
		t.Error("chunks do not reassemble the input")
	}
}

func TestOutputWriterFlush(t *testing.T) {
	chunks, send := collect()
	w := &outputWriter{send: send}
	w.Write([]byte{0xe2, 0x82})
	if len(*chunks) != 0 {
		t.Fatalf("incomplete rune sent early: %q", *chunks)
	}
	w.Flush()
	if len(*chunks) != 1 || (*chunks)[0].data != "\xe2\x82" {
		t.Errorf("after Flush chunks = %q", *chunks)
	}
	w.Flush()
	if len(*chunks) != 1 {
		t.Error("second Flush sent again")
	}
}

func TestExitStatus(t *testing.T) {
	if got := exitStatus(nil); got != 0 {
		t.Errorf("exitStatus(nil) = %d", got)
	}
}
