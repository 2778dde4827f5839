// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "testing"

func TestOutputHistory(t *testing.T) {
	t.Parallel()

	history := NewOutputHistory(8)
	history.Write([]byte("abc"))
	history.Write([]byte("def"))

	data, start := history.Since(0)
	if string(data) != "abcdef" || start != 0 {
		t.Errorf("Since(0) = %q, %d", data, start)
	}
	data, start = history.Since(4)
	if string(data) != "ef" || start != 4 {
		t.Errorf("Since(4) = %q, %d", data, start)
	}

	// Wrap: 12 bytes written into 8, oldest 4 lost.
	history.Write([]byte("ghijkl"))
	data, start = history.Since(0)
	if string(data) != "efghijkl" || start != 4 {
		t.Errorf("after wrap Since(0) = %q, %d", data, start)
	}
	if history.Total() != 12 {
		t.Errorf("Total = %d, want 12", history.Total())
	}

	data, start = history.Since(12)
	if data != nil || start != 12 {
		t.Errorf("Since(total) = %q, %d", data, start)
	}
}

func TestOutputHistoryOversizedWrite(t *testing.T) {
	t.Parallel()

	history := NewOutputHistory(4)
	history.Write([]byte("0123456789"))
	data, start := history.Since(0)
	if string(data) != "6789" || start != 6 {
		t.Errorf("Since(0) = %q, %d", data, start)
	}
}

func TestOutputHistoryDisabled(t *testing.T) {
	t.Parallel()

	history := NewOutputHistory(-1)
	history.Write([]byte("lost"))
	data, start := history.Since(0)
	if data != nil || start != 4 {
		t.Errorf("Since(0) = %q, %d", data, start)
	}
}
