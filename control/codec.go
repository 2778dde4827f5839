// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DecodeError is returned by Unmarshal for any input that is not a
// valid message. Unmarshal never panics on bad input.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding message: %s: %v", e.Reason, e.Err)
	}
	return "decoding message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope holds the fields shared by every variant. Embedded in each
// wire struct so the variant fields sit at the top level of the JSON
// object next to "type".
type envelope struct {
	Type          MessageType `json:"type"`
	ID            string      `json:"id,omitempty"`
	WorkerID      string      `json:"worker_id"`
	Timestamp     *time.Time  `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// Required variant fields are pointers so a missing field is
// distinguishable from a zero value.

type outputWire struct {
	envelope
	Data    *string `json:"data"`
	IsError bool    `json:"is_error,omitempty"`
}

type statusWire struct {
	envelope
	State       *WorkerState `json:"state"`
	PID         int          `json:"pid,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	CPUPercent  float64      `json:"cpu_percent,omitempty"`
	MemoryBytes uint64       `json:"memory_bytes,omitempty"`
}

type commandWire struct {
	envelope
	Command *CommandKind `json:"command"`
	Payload string       `json:"payload,omitempty"`
	Timeout duration     `json:"timeout,omitempty"`
}

type inputWire struct {
	envelope
	Data *string `json:"data"`
}

type heartbeatWire struct {
	envelope
	Sequence *uint64 `json:"sequence"`
}

type acknowledgeWire struct {
	envelope
	MessageID *string `json:"message_id"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

type errorWire struct {
	envelope
	Code    *ErrorCode `json:"code"`
	Message string     `json:"message,omitempty"`
	Fatal   bool       `json:"fatal,omitempty"`
}

type shutdownWire struct {
	envelope
	GracefulTimeout duration `json:"graceful_timeout,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// duration travels as a Go duration string ("30s", "1m30s"), which
// round-trips exactly through time.ParseDuration.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q is negative", text)
	}
	*d = duration(parsed)
	return nil
}

// IsZero lets omitempty-aware encoders skip zero durations.
func (d duration) IsZero() bool { return d == 0 }

// Marshal serializes m to its JSON wire form. It fails if the envelope
// is incomplete, the body is nil, or the result exceeds
// MaxMessageSize. Output data longer than MaxOutputLength is truncated
// rather than rejected.
func Marshal(m Message) ([]byte, error) {
	if m.Body == nil {
		return nil, errors.New("marshaling message: nil body")
	}
	if m.WorkerID == "" {
		return nil, errors.New("marshaling message: empty worker id")
	}
	if m.Timestamp.IsZero() {
		return nil, errors.New("marshaling message: zero timestamp")
	}

	timestamp := m.Timestamp
	head := envelope{
		Type:          m.Body.Type(),
		ID:            m.ID,
		WorkerID:      m.WorkerID,
		Timestamp:     &timestamp,
		CorrelationID: m.CorrelationID,
	}

	var wire any
	switch body := m.Body.(type) {
	case *Output:
		data := TruncateOutput(body.Data)
		wire = outputWire{envelope: head, Data: &data, IsError: body.IsError}
	case *Status:
		state := body.State
		wire = statusWire{
			envelope:    head,
			State:       &state,
			PID:         body.PID,
			ExitCode:    body.ExitCode,
			Detail:      body.Detail,
			CPUPercent:  body.CPUPercent,
			MemoryBytes: body.MemoryBytes,
		}
	case *Command:
		kind := body.Kind
		wire = commandWire{envelope: head, Command: &kind, Payload: body.Payload, Timeout: duration(body.Timeout)}
	case *Input:
		data := body.Data
		wire = inputWire{envelope: head, Data: &data}
	case *Heartbeat:
		sequence := body.Sequence
		wire = heartbeatWire{envelope: head, Sequence: &sequence}
	case *Acknowledge:
		messageID := body.MessageID
		wire = acknowledgeWire{envelope: head, MessageID: &messageID, Success: body.Success, Error: body.Error}
	case *ErrorReport:
		code := body.Code
		wire = errorWire{envelope: head, Code: &code, Message: body.Message, Fatal: body.Fatal}
	case *Shutdown:
		wire = shutdownWire{envelope: head, GracefulTimeout: duration(body.GracefulTimeout), Reason: body.Reason}
	default:
		return nil, fmt.Errorf("marshaling message: unsupported body %T", m.Body)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s message: %w", head.Type, err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("marshaling %s message: %d bytes exceeds maximum %d", head.Type, len(data), MaxMessageSize)
	}
	return data, nil
}

// Unmarshal parses one message from its JSON wire form. It returns a
// *DecodeError for empty or oversized input, malformed JSON, an
// unknown type, or a missing or invalid required field.
func Unmarshal(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, &DecodeError{Reason: "empty input"}
	}
	if len(data) > MaxMessageSize {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("%d bytes exceeds maximum %d", len(data), MaxMessageSize)}
	}

	// First pass: route on the discriminator.
	var head envelope
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	// Second pass: decode the variant, which re-reads the envelope
	// through the embedded struct.
	var body Body
	var decoded *envelope
	var err error
	switch head.Type {
	case TypeOutput:
		var wire outputWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.Data == nil {
				return Message{}, missingField(head.Type, "data")
			}
			body = &Output{Data: TruncateOutput(*wire.Data), IsError: wire.IsError}
		}
	case TypeStatus:
		var wire statusWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.State == nil {
				return Message{}, missingField(head.Type, "state")
			}
			if !wire.State.Valid() {
				return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown worker state %q", *wire.State)}
			}
			body = &Status{
				State:       *wire.State,
				PID:         wire.PID,
				ExitCode:    wire.ExitCode,
				Detail:      wire.Detail,
				CPUPercent:  wire.CPUPercent,
				MemoryBytes: wire.MemoryBytes,
			}
		}
	case TypeCommand:
		var wire commandWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.Command == nil {
				return Message{}, missingField(head.Type, "command")
			}
			if !wire.Command.Valid() {
				return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown command %q", *wire.Command)}
			}
			body = &Command{Kind: *wire.Command, Payload: wire.Payload, Timeout: time.Duration(wire.Timeout)}
		}
	case TypeInput:
		var wire inputWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.Data == nil {
				return Message{}, missingField(head.Type, "data")
			}
			body = &Input{Data: *wire.Data}
		}
	case TypeHeartbeat:
		var wire heartbeatWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.Sequence == nil {
				return Message{}, missingField(head.Type, "sequence")
			}
			body = &Heartbeat{Sequence: *wire.Sequence}
		}
	case TypeAcknowledge:
		var wire acknowledgeWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.MessageID == nil {
				return Message{}, missingField(head.Type, "message_id")
			}
			body = &Acknowledge{MessageID: *wire.MessageID, Success: wire.Success, Error: wire.Error}
		}
	case TypeError:
		var wire errorWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			if wire.Code == nil {
				return Message{}, missingField(head.Type, "code")
			}
			body = &ErrorReport{Code: *wire.Code, Message: wire.Message, Fatal: wire.Fatal}
		}
	case TypeShutdown:
		var wire shutdownWire
		if err = json.Unmarshal(data, &wire); err == nil {
			decoded = &wire.envelope
			body = &Shutdown{GracefulTimeout: time.Duration(wire.GracefulTimeout), Reason: wire.Reason}
		}
	case "":
		return Message{}, missingField("", "type")
	default:
		return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown message type %q", head.Type)}
	}
	if err != nil {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("invalid %s message", head.Type), Err: err}
	}

	if decoded.WorkerID == "" {
		return Message{}, missingField(head.Type, "worker_id")
	}
	if decoded.Timestamp == nil {
		return Message{}, missingField(head.Type, "timestamp")
	}

	return Message{
		ID:            decoded.ID,
		WorkerID:      decoded.WorkerID,
		Timestamp:     *decoded.Timestamp,
		CorrelationID: decoded.CorrelationID,
		Body:          body,
	}, nil
}

func missingField(messageType MessageType, field string) *DecodeError {
	if messageType == "" {
		return &DecodeError{Reason: "missing required field " + field}
	}
	return &DecodeError{Reason: fmt.Sprintf("%s message missing required field %s", messageType, field)}
}

// TruncateOutput limits data to MaxOutputLength bytes, cutting at a
// rune boundary and appending OutputTruncatedMarker. Data within the
// limit, or already truncated, is returned unchanged.
func TruncateOutput(data string) string {
	if len(data) <= MaxOutputLength {
		return data
	}
	if len(data) <= MaxOutputLength+len(OutputTruncatedMarker) && strings.HasSuffix(data, OutputTruncatedMarker) {
		return data
	}
	cut := MaxOutputLength
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return data[:cut] + OutputTruncatedMarker
}
