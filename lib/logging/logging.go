// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the structured logger every warden binary
// uses.
package logging

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// New creates a logger writing to stderr at level. When stderr is a
// terminal it uses slog.TextHandler for human-readable output;
// otherwise slog.JSONHandler, so logs collected by systemd or a
// container runtime stay machine-parseable.
//
// Callers scope the logger with component context via With():
//
//	logger := logging.New(slog.LevelInfo).With("instance_id", cfg.InstanceID)
func New(level slog.Leveler) *slog.Logger {
	return NewWriter(os.Stderr, level, term.IsTerminal(int(os.Stderr.Fd())))
}

// NewWriter is New with an explicit destination and format.
func NewWriter(w io.Writer, level slog.Leveler, text bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
