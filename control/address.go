// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"path/filepath"
)

const (
	// MaxWorkerIDLength caps worker and instance ids. With the default
	// run directory this leaves the socket path well inside sun_path.
	MaxWorkerIDLength = 64

	// maxSocketPathLength is sun_path (108 bytes) minus the
	// terminating NUL.
	maxSocketPathLength = 107

	// SocketSuffix is the file extension of a control channel socket.
	SocketSuffix = ".sock"
)

// idChars is the set of bytes allowed in worker and instance ids:
// letters, digits, hyphen, underscore. Everything that could steer a
// path (/, ., whitespace, NUL) is excluded.
var idChars [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		idChars[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		idChars[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		idChars[c] = true
	}
	idChars['-'] = true
	idChars['_'] = true
}

// ValidateWorkerID checks that id is safe to embed in a socket path.
// Errors wrap ErrInvalidWorkerID.
func ValidateWorkerID(id string) error {
	return validateID(id, "worker id")
}

func validateID(id, label string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidWorkerID, label)
	}
	if len(id) > MaxWorkerIDLength {
		return fmt.Errorf("%w: %s is %d characters, maximum is %d", ErrInvalidWorkerID, label, len(id), MaxWorkerIDLength)
	}
	for i := 0; i < len(id); i++ {
		if !idChars[id[i]] {
			return fmt.Errorf("%w: %s has invalid character %q at position %d (allowed: A-Z, a-z, 0-9, -, _)", ErrInvalidWorkerID, label, id[i], i)
		}
	}
	return nil
}

// InstanceDir returns the directory holding one agent instance's
// channel sockets. Separate agent instances sharing a run directory
// never collide.
func InstanceDir(runDir, instanceID string) string {
	return filepath.Join(runDir, instanceID)
}

// SocketPath derives the channel address for a worker:
// <runDir>/<instanceID>/<workerID>.sock. It fails if either id is
// invalid or the result does not fit in sun_path.
func SocketPath(runDir, instanceID, workerID string) (string, error) {
	if err := validateID(instanceID, "instance id"); err != nil {
		return "", err
	}
	if err := ValidateWorkerID(workerID); err != nil {
		return "", err
	}
	path := filepath.Join(InstanceDir(runDir, instanceID), workerID+SocketSuffix)
	if len(path) > maxSocketPathLength {
		return "", fmt.Errorf("socket path %s is %d bytes, unix sockets allow %d (shorten the run directory or worker id)", path, len(path), maxSocketPathLength)
	}
	return path, nil
}
