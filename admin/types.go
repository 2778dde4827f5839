// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import "time"

// Action names accepted on the admin socket.
const (
	ActionStatus       = "status"
	ActionRegister     = "register"
	ActionUnregister   = "unregister"
	ActionSendCommand  = "send-command"
	ActionSendInput    = "send-input"
	ActionSendShutdown = "send-shutdown"
	ActionOutput       = "output"
)

// Response types use json tags because bureau-warden-ctl prints them
// as JSON with --json. Request types never leave the admin socket and
// use cbor tags.

// StatusResponse describes the agent and every registered worker.
type StatusResponse struct {
	InstanceID    string         `json:"instance_id"`
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Workers       []WorkerStatus `json:"workers"`
}

// WorkerStatus is one worker in a StatusResponse.
type WorkerStatus struct {
	WorkerID      string    `json:"worker_id"`
	Principal     string    `json:"principal"`
	SocketPath    string    `json:"socket_path"`
	RegisteredAt  time.Time `json:"registered_at"`
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connected_at,omitzero"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
	PeerPID       int32     `json:"peer_pid,omitempty"`

	// State and the fields after it come from the worker's last
	// Status message. State is empty if none has arrived.
	State       string    `json:"state,omitempty"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CPUPercent  float64   `json:"cpu_percent,omitempty"`
	MemoryBytes uint64    `json:"memory_bytes,omitempty"`
	StatusAt    time.Time `json:"status_at,omitzero"`

	OutputBytes uint64 `json:"output_bytes"`
}

type workerRequest struct {
	WorkerID string `cbor:"worker_id"`
}

type registerRequest struct {
	WorkerID  string `cbor:"worker_id"`
	Principal string `cbor:"principal"`
}

type sendCommandRequest struct {
	WorkerID string        `cbor:"worker_id"`
	Command  string        `cbor:"command"`
	Payload  string        `cbor:"payload"`
	Timeout  time.Duration `cbor:"timeout"`
}

// SendCommandResponse carries the id the worker's acknowledgement
// will reference.
type SendCommandResponse struct {
	MessageID string `json:"message_id"`
}

type sendInputRequest struct {
	WorkerID string `cbor:"worker_id"`
	Text     string `cbor:"text"`
}

type sendShutdownRequest struct {
	WorkerID        string        `cbor:"worker_id"`
	GracefulTimeout time.Duration `cbor:"graceful_timeout"`
	Reason          string        `cbor:"reason"`
}

type outputRequest struct {
	WorkerID string `cbor:"worker_id"`
	Offset   uint64 `cbor:"offset"`
}

// OutputResponse is the retained output after the requested offset.
// Start is later than the requested offset when older output has been
// overwritten. Next is the offset to ask for to continue.
type OutputResponse struct {
	Data  string `json:"data"`
	Start uint64 `json:"start"`
	Next  uint64 `json:"next"`
}
