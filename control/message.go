// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire discriminator carried in every message's
// "type" field.
type MessageType string

const (
	TypeOutput      MessageType = "output"
	TypeStatus      MessageType = "status"
	TypeCommand     MessageType = "command"
	TypeInput       MessageType = "input"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeAcknowledge MessageType = "ack"
	TypeError       MessageType = "error"
	TypeShutdown    MessageType = "shutdown"
)

// MaxMessageSize is the largest serialized message, in bytes. It
// matches the frame payload limit.
const MaxMessageSize = 256 * 1024

// MaxOutputLength caps Output.Data independently of MaxMessageSize.
// Longer output is cut at a UTF-8 boundary and OutputTruncatedMarker
// is appended.
const MaxOutputLength = 64 * 1024

// OutputTruncatedMarker is appended to output cut at MaxOutputLength.
const OutputTruncatedMarker = "...[truncated]"

// Message is one control channel message: common envelope fields plus
// exactly one variant body.
type Message struct {
	// ID identifies this message so a peer can acknowledge it. Set by
	// NewMessage; optional on the wire.
	ID string

	// WorkerID names the worker the message is about. Required.
	WorkerID string

	// Timestamp is when the sender created the message. Required.
	Timestamp time.Time

	// CorrelationID ties a reply to the request that caused it.
	// Optional.
	CorrelationID string

	// Body is one of *Output, *Status, *Command, *Input, *Heartbeat,
	// *Acknowledge, *ErrorReport, or *Shutdown.
	Body Body
}

// Body is the closed set of message variants. The unexported method
// keeps implementations inside this package.
type Body interface {
	Type() MessageType
	body()
}

// NewMessage wraps body in an envelope with a fresh ID and the current
// UTC time.
func NewMessage(workerID string, body Body) Message {
	return Message{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
}

// Type returns the variant discriminator, or "" for a message without
// a body.
func (m Message) Type() MessageType {
	if m.Body == nil {
		return ""
	}
	return m.Body.Type()
}

// Output is a chunk of worker console output. Worker to agent.
type Output struct {
	Data    string
	IsError bool
}

// Status reports the worker's lifecycle state and resource samples.
// Worker to agent, sent on every lifecycle change.
type Status struct {
	State       WorkerState
	PID         int
	ExitCode    *int
	Detail      string
	CPUPercent  float64
	MemoryBytes uint64
}

// Command asks the worker to act on its managed process. Agent to
// worker; answered with an Acknowledge.
type Command struct {
	Kind    CommandKind
	Payload string
	Timeout time.Duration
}

// Input is raw text for the managed process's standard input. Agent to
// worker.
type Input struct {
	Data string
}

// Heartbeat carries a per-sender monotonically increasing sequence.
// Either direction.
type Heartbeat struct {
	Sequence uint64
}

// Acknowledge answers a Command. Worker to agent.
type Acknowledge struct {
	MessageID string
	Success   bool
	Error     string
}

// ErrorReport is the "error" message. Either direction. Fatal tells
// the receiver the sender considers the session unusable; the sender
// is the one expected to close.
type ErrorReport struct {
	Code    ErrorCode
	Message string
	Fatal   bool
}

// Shutdown asks the worker to stop its process and exit. Agent to
// worker.
type Shutdown struct {
	GracefulTimeout time.Duration
	Reason          string
}

func (*Output) Type() MessageType      { return TypeOutput }
func (*Status) Type() MessageType      { return TypeStatus }
func (*Command) Type() MessageType     { return TypeCommand }
func (*Input) Type() MessageType       { return TypeInput }
func (*Heartbeat) Type() MessageType   { return TypeHeartbeat }
func (*Acknowledge) Type() MessageType { return TypeAcknowledge }
func (*ErrorReport) Type() MessageType { return TypeError }
func (*Shutdown) Type() MessageType    { return TypeShutdown }

func (*Output) body()      {}
func (*Status) body()      {}
func (*Command) body()     {}
func (*Input) body()       {}
func (*Heartbeat) body()   {}
func (*Acknowledge) body() {}
func (*ErrorReport) body() {}
func (*Shutdown) body()    {}

// CommandKind enumerates the commands an agent can send.
type CommandKind string

const (
	CommandGetStatus    CommandKind = "get_status"
	CommandStart        CommandKind = "start"
	CommandStop         CommandKind = "stop"
	CommandKill         CommandKind = "kill"
	CommandRestart      CommandKind = "restart"
	CommandUpdateLimits CommandKind = "update_limits"
)

// Valid reports whether k is a known command.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandGetStatus, CommandStart, CommandStop, CommandKill, CommandRestart, CommandUpdateLimits:
		return true
	}
	return false
}

// ErrorCode classifies an ErrorReport.
type ErrorCode string

const (
	// ErrorFrameTooLarge: a frame header advertised more than
	// MaxMessageSize bytes.
	ErrorFrameTooLarge ErrorCode = "frame_too_large"

	// ErrorEmptyFrame: a frame header advertised zero bytes.
	ErrorEmptyFrame ErrorCode = "empty_frame"

	// ErrorMalformedMessage: the payload did not decode.
	ErrorMalformedMessage ErrorCode = "malformed_message"

	// ErrorWorkerIDMismatch: the message named a worker other than
	// the one bound to the channel.
	ErrorWorkerIDMismatch ErrorCode = "worker_id_mismatch"

	// ErrorUnexpectedMessage: the variant is not valid in this
	// direction.
	ErrorUnexpectedMessage ErrorCode = "unexpected_message"

	// ErrorCommandFailed: the worker could not carry out a command.
	ErrorCommandFailed ErrorCode = "command_failed"

	// ErrorInternal: the sender hit an unexpected failure.
	ErrorInternal ErrorCode = "internal"
)
