// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"
	"unicode/utf8"

	"github.com/bureau-foundation/warden/control"
)

// outputWriter turns a child's output stream into Output messages.
// Each Write becomes one or more messages no longer than
// control.MaxOutputLength. A rune split across Writes is held back
// until it is complete.
type outputWriter struct {
	send    func(data string, isError bool)
	isError bool

	mutex   sync.Mutex
	pending []byte
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	data := append(w.pending, p...)
	complete := completeRunes(data)

	for start := 0; start < complete; {
		end := min(start+control.MaxOutputLength, complete)
		for end < complete && end > start && !utf8.RuneStart(data[end]) {
			end--
		}
		w.send(string(data[start:end]), w.isError)
		start = end
	}
	w.pending = append(w.pending[:0:0], data[complete:]...)

	// Delivery failures are the supervisor's to log. The child never
	// sees them.
	return len(p), nil
}

// Flush sends any held-back bytes even if they are not valid UTF-8.
func (w *outputWriter) Flush() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.pending) > 0 {
		w.send(string(w.pending), w.isError)
		w.pending = nil
	}
}

// completeRunes returns the length of the longest prefix of data that
// does not end inside an incomplete UTF-8 sequence.
func completeRunes(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				return i
			}
			break
		}
	}
	return len(data)
}
