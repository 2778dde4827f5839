// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// WorkerEntry is one registration in the workers manifest.
type WorkerEntry struct {
	// ID is the worker id; it names the worker's socket.
	ID string `json:"id"`

	// Principal is the OS user the worker runs as.
	Principal string `json:"principal"`
}

// ParseWorkers strips JSONC comments and trailing commas from data and
// decodes the manifest: a JSON array of WorkerEntry.
//
//	[
//	  // CI builders
//	  {"id": "build-1", "principal": "ci"},
//	  {"id": "build-2", "principal": "ci"},
//	]
//
// Ids are checked for presence and uniqueness here; their character
// set is checked when the agent registers them.
func ParseWorkers(data []byte) ([]WorkerEntry, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()

	var entries []WorkerEntry
	if err := decoder.Decode(&entries); err != nil {
		return nil, fmt.Errorf("parsing workers manifest: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		if entry.ID == "" {
			errs = append(errs, fmt.Errorf("worker %d: id is required", i))
			continue
		}
		if entry.Principal == "" {
			errs = append(errs, fmt.Errorf("worker %q: principal is required", entry.ID))
		}
		if seen[entry.ID] {
			errs = append(errs, fmt.Errorf("worker %q: listed more than once", entry.ID))
		}
		seen[entry.ID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return entries, nil
}

// ReadWorkers reads and parses the manifest at path.
func ReadWorkers(path string) ([]WorkerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	entries, err := ParseWorkers(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}
