// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for warden
// binaries: fatal error reporting to stderr when the structured
// logger may not be initialized, and process exit after an
// unrecoverable error in main(). Each main() is
//
//	func main() {
//		if err := run(); err != nil {
//			process.Fatal(err)
//		}
//	}
package process
