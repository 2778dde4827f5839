// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "sync"

// DefaultOutputHistoryBytes is the per-worker output history kept
// when the registry config does not set one.
const DefaultOutputHistoryBytes = 64 * 1024

// OutputHistory is a fixed-capacity circular byte buffer holding the
// most recent output a worker sent. It lets an operator see what a
// worker printed before they looked, without the registry keeping
// unbounded logs.
//
// Offsets count every byte ever written, so a reader can ask for
// "everything after offset N" and learn whether it missed anything.
//
// All methods are safe for concurrent use.
type OutputHistory struct {
	mutex         sync.Mutex
	data          []byte
	writePosition int
	totalWritten  uint64
}

// NewOutputHistory creates a history holding up to capacity bytes.
// A capacity <= 0 yields a history that retains nothing.
func NewOutputHistory(capacity int) *OutputHistory {
	if capacity < 0 {
		capacity = 0
	}
	return &OutputHistory{data: make([]byte, capacity)}
}

// Write appends data, overwriting the oldest bytes once full.
func (h *OutputHistory) Write(data []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.totalWritten += uint64(len(data))
	capacity := len(h.data)
	if capacity == 0 {
		return
	}
	// Only the tail can survive a write larger than the buffer.
	if len(data) > capacity {
		data = data[len(data)-capacity:]
	}
	for len(data) > 0 {
		copied := copy(h.data[h.writePosition:], data)
		h.writePosition = (h.writePosition + copied) % capacity
		data = data[copied:]
	}
}

// Since returns the retained bytes written after offset, plus the
// offset of the first returned byte. If offset is older than what is
// retained, the returned start is later than offset and the gap was
// lost.
func (h *OutputHistory) Since(offset uint64) (data []byte, start uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	stored := uint64(len(h.data))
	if h.totalWritten < stored {
		stored = h.totalWritten
	}
	oldest := h.totalWritten - stored
	if offset < oldest {
		offset = oldest
	}
	if offset >= h.totalWritten {
		return nil, h.totalWritten
	}

	length := int(h.totalWritten - offset)
	result := make([]byte, length)
	capacity := len(h.data)
	// The byte at offset sits length bytes behind writePosition.
	readPosition := ((h.writePosition-length)%capacity + capacity) % capacity
	for copied := 0; copied < length; {
		n := copy(result[copied:], h.data[readPosition:min(capacity, readPosition+length-copied)])
		copied += n
		readPosition = (readPosition + n) % capacity
	}
	return result, offset
}

// Total returns the number of bytes ever written.
func (h *OutputHistory) Total() uint64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.totalWritten
}
