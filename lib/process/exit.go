// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitError asks Fatal to exit with Code without printing anything.
// bureau-warden-wrapper returns it to pass its child's exit status
// through.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the status Fatal would exit with for err.
func ExitCode(err error) int {
	var exitError *ExitError
	if errors.As(err, &exitError) {
		return exitError.Code
	}
	return 1
}

// Fatal writes "error: err" to stderr and exits with code 1, or exits
// silently with the code of an *ExitError. This is the standard
// warden binary entrypoint error handler. Use it in main() for errors
// from run() where the structured logger may not be initialized.
func Fatal(err error) {
	var exitError *ExitError
	if !errors.As(err, &exitError) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(ExitCode(err))
}
