// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads bureau-warden's configuration.
//
// The agent config is a single YAML file named by either the
// BUREAU_WARDEN_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no discovery and no fallback search.
// The file is overlaid on [Default], so it only needs the values that
// differ:
//
//	instance_id: host-a
//	run_dir: /run/bureau-warden
//	heartbeat:
//	  interval: 5s
//	  liveness_timeout: 20s
//	workers_file: workers.jsonc
//
// ${HOME}, ${RUN_DIR}, and ${VAR:-default} are expanded in path
// fields after loading. No environment variable overrides a value.
//
// The workers manifest is JSONC (JSON with comments and trailing
// commas) listing the registrations to create at startup; see
// [ParseWorkers].
//
// This package depends on no other warden packages.
package config
