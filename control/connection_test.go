// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/frame"
	"github.com/bureau-foundation/warden/lib/testutil"
)

func TestConnectionOversizedFrame(t *testing.T) {
	t.Parallel()

	server, client := socketPair(t)
	messages := make(chan Message, 4)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Message: func(_ *Connection, message Message) { messages <- message },
		},
	})
	defer connection.Close()
	go connection.ReadLoop(context.Background())

	// A header claiming 1,000,000 bytes and no payload.
	var header [frame.HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], 1_000_000)
	if _, err := client.Write(header[:]); err != nil {
		t.Fatalf("writing header: %v", err)
	}

	reply := readMessage(t, client)
	report, ok := reply.Body.(*ErrorReport)
	if !ok {
		t.Fatalf("reply body = %T, want *ErrorReport", reply.Body)
	}
	if report.Code != ErrorFrameTooLarge || report.Fatal {
		t.Errorf("reply = %+v, want non-fatal %s", report, ErrorFrameTooLarge)
	}
	if !connection.IsLive() {
		t.Fatal("connection went down after an oversized frame")
	}

	// The channel still works in both directions.
	writeMessage(t, client, NewMessage("w1", &Heartbeat{Sequence: 1}))
	received := testutil.RequireReceive(t, messages, testutil.DefaultTimeout, "heartbeat after oversized frame")
	if heartbeat, ok := received.Body.(*Heartbeat); !ok || heartbeat.Sequence != 1 {
		t.Errorf("received %#v, want heartbeat 1", received.Body)
	}

	if err := connection.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	outbound := readMessage(t, client)
	if heartbeat, ok := outbound.Body.(*Heartbeat); !ok || heartbeat.Sequence != 1 {
		t.Errorf("peer read %#v, want heartbeat 1", outbound.Body)
	}
}

func TestConnectionEmptyAndMalformedFrames(t *testing.T) {
	t.Parallel()

	server, client := socketPair(t)
	messages := make(chan Message, 4)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Message: func(_ *Connection, message Message) { messages <- message },
		},
	})
	defer connection.Close()
	go connection.ReadLoop(context.Background())

	if _, err := client.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("writing empty frame: %v", err)
	}
	if report := readMessage(t, client).Body.(*ErrorReport); report.Code != ErrorEmptyFrame {
		t.Errorf("empty frame reply code = %s", report.Code)
	}

	if err := frame.Write(client, []byte(`{"type":"output"`)); err != nil {
		t.Fatalf("writing malformed frame: %v", err)
	}
	if report := readMessage(t, client).Body.(*ErrorReport); report.Code != ErrorMalformedMessage {
		t.Errorf("malformed frame reply code = %s", report.Code)
	}

	writeMessage(t, client, NewMessage("w1", &Output{Data: "still here"}))
	received := testutil.RequireReceive(t, messages, testutil.DefaultTimeout, "output after bad frames")
	if output := received.Body.(*Output); output.Data != "still here" {
		t.Errorf("output = %q", output.Data)
	}
}

func TestConnectionConcurrentSends(t *testing.T) {
	t.Parallel()

	server, client := socketPair(t)
	connection := NewConnection(ConnectionConfig{WorkerID: "w1", Conn: server})
	defer connection.Close()

	const senders = 50
	received := make(chan string, senders)
	readErr := make(chan error, 1)
	go func() {
		for range senders {
			payload, err := frame.Read(client, MaxMessageSize)
			if err != nil {
				readErr <- err
				return
			}
			message, err := Unmarshal(payload)
			if err != nil {
				readErr <- fmt.Errorf("frame did not decode (interleaved write?): %w", err)
				return
			}
			received <- message.Body.(*Input).Data
		}
		close(received)
	}()

	// Payloads large enough that an unserialized write would be split.
	var group sync.WaitGroup
	for i := range senders {
		group.Add(1)
		go func() {
			defer group.Done()
			text := fmt.Sprintf("sender-%02d:%s", i, strings.Repeat("x", 8192))
			if err := connection.SendInput(text); err != nil {
				t.Errorf("SendInput %d: %v", i, err)
			}
		}()
	}
	group.Wait()

	seen := make(map[string]bool)
	for {
		select {
		case err := <-readErr:
			t.Fatalf("reader: %v", err)
		case text, ok := <-received:
			if !ok {
				if len(seen) != senders {
					t.Fatalf("received %d distinct frames, want %d", len(seen), senders)
				}
				return
			}
			seen[text[:len("sender-00")]] = true
		case <-time.After(testutil.DefaultTimeout):
			t.Fatalf("timed out with %d of %d frames", len(seen), senders)
		}
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	server, _ := socketPair(t)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Disconnected: func(*Connection, error) { t.Error("Disconnected raised after local close") },
		},
	})

	readErr := make(chan error, 1)
	go func() { readErr <- connection.ReadLoop(context.Background()) }()

	for range 3 {
		if err := connection.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	if connection.IsLive() {
		t.Error("connection live after Close")
	}
	testutil.RequireClosed(t, connection.Done(), testutil.DefaultTimeout, "read loop exit after Close")
	if err := testutil.RequireReceive(t, readErr, testutil.DefaultTimeout, "ReadLoop return"); err != nil {
		t.Errorf("ReadLoop after Close = %v, want nil", err)
	}
	if err := connection.SendInput("late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendInput after Close = %v, want ErrNotConnected", err)
	}
}

func TestConnectionCloseBeforeReadLoop(t *testing.T) {
	t.Parallel()

	server, _ := socketPair(t)
	connection := NewConnection(ConnectionConfig{WorkerID: "w1", Conn: server})
	connection.Close()
	testutil.RequireClosed(t, connection.Done(), testutil.DefaultTimeout, "Done after Close without ReadLoop")
	if err := connection.ReadLoop(context.Background()); err != nil {
		t.Errorf("ReadLoop after Close = %v, want nil", err)
	}
}

func TestConnectionPeerDisconnect(t *testing.T) {
	t.Parallel()

	server, client := socketPair(t)
	disconnected := make(chan error, 1)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Disconnected: func(_ *Connection, cause error) { disconnected <- cause },
		},
	})
	go connection.ReadLoop(context.Background())

	client.Close()
	cause := testutil.RequireReceive(t, disconnected, testutil.DefaultTimeout, "Disconnected after peer close")
	if cause != nil {
		t.Errorf("Disconnected cause = %v, want nil for an orderly close", cause)
	}
	testutil.RequireClosed(t, connection.Done(), testutil.DefaultTimeout, "read loop exit")
	if connection.IsLive() {
		t.Error("connection live after peer disconnect")
	}
}

func TestConnectionContextCancel(t *testing.T) {
	t.Parallel()

	server, _ := socketPair(t)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Disconnected: func(*Connection, error) { t.Error("Disconnected raised on cancellation") },
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go connection.ReadLoop(ctx)
	cancel()
	testutil.RequireClosed(t, connection.Done(), testutil.DefaultTimeout, "read loop exit on cancel")
	if connection.IsLive() {
		t.Error("connection live after cancellation")
	}
}

func TestConnectionSingleReader(t *testing.T) {
	t.Parallel()

	server, client := socketPair(t)
	messages := make(chan Message, 1)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Message: func(_ *Connection, message Message) { messages <- message },
		},
	})
	defer connection.Close()
	go connection.ReadLoop(context.Background())

	// A delivered message proves the first reader is running.
	writeMessage(t, client, NewMessage("w1", &Heartbeat{Sequence: 1}))
	testutil.RequireReceive(t, messages, testutil.DefaultTimeout, "first reader")

	if err := connection.ReadLoop(context.Background()); !errors.Is(err, ErrReadLoopRunning) {
		t.Errorf("second ReadLoop = %v, want ErrReadLoopRunning", err)
	}
}

func TestConnectionHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	server, client := socketPair(t)
	messages := make(chan Message, 2)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Handlers: ConnectionHandlers{
			Message: func(_ *Connection, message Message) {
				if message.Body.(*Output).Data == "boom" {
					panic("handler failure")
				}
				messages <- message
			},
		},
	})
	defer connection.Close()
	go connection.ReadLoop(context.Background())

	writeMessage(t, client, NewMessage("w1", &Output{Data: "boom"}))
	writeMessage(t, client, NewMessage("w1", &Output{Data: "after"}))
	received := testutil.RequireReceive(t, messages, testutil.DefaultTimeout, "message after panic")
	if received.Body.(*Output).Data != "after" {
		t.Errorf("received %q", received.Body.(*Output).Data)
	}
	if !connection.IsLive() {
		t.Error("handler panic took the connection down")
	}
}

func TestConnectionSendCommandRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	server, _ := socketPair(t)
	connection := NewConnection(ConnectionConfig{WorkerID: "w1", Conn: server})
	defer connection.Close()
	if _, err := connection.SendCommand("explode", "", 0); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("SendCommand(explode) = %v, want ErrInvalidCommand", err)
	}
}

func TestConnectionFailedWriteEndsConnection(t *testing.T) {
	t.Parallel()

	server, _ := socketPair(t)
	disconnected := make(chan error, 1)
	connection := NewConnection(ConnectionConfig{
		WorkerID:     "w1",
		Conn:         server,
		WriteTimeout: 50 * time.Millisecond,
		Handlers: ConnectionHandlers{
			Disconnected: func(_ *Connection, cause error) { disconnected <- cause },
		},
	})
	defer connection.Close()
	go connection.ReadLoop(context.Background())

	// The peer never reads, so writes stall once the socket buffer is
	// full and the deadline cuts one off mid-frame.
	chunk := strings.Repeat("x", 60*1024)
	var sendErr error
	for range 1000 {
		if sendErr = connection.SendInput(chunk); sendErr != nil {
			break
		}
	}
	if !errors.Is(sendErr, ErrSendFailed) {
		t.Fatalf("send error = %v, want ErrSendFailed", sendErr)
	}
	if connection.IsLive() {
		t.Error("connection still live after a failed write")
	}
	if err := connection.SendInput("after"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send after failed write = %v, want ErrNotConnected", err)
	}

	cause := testutil.RequireReceive(t, disconnected, testutil.DefaultTimeout, "disconnect after failed write")
	if !errors.Is(cause, os.ErrDeadlineExceeded) {
		t.Errorf("disconnect cause = %v, want the write deadline error", cause)
	}
	testutil.RequireClosed(t, connection.Done(), testutil.DefaultTimeout, "read loop exit")
}

func TestConnectionUsesClock(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(testEpoch)
	server, client := socketPair(t)
	received := make(chan struct{}, 1)
	connection := NewConnection(ConnectionConfig{
		WorkerID: "w1",
		Conn:     server,
		Clock:    fake,
		Handlers: ConnectionHandlers{
			Message: func(*Connection, Message) { received <- struct{}{} },
		},
	})
	defer connection.Close()
	go connection.ReadLoop(context.Background())

	if !connection.ConnectedAt().Equal(fake.Now()) || !connection.LastMessageAt().Equal(fake.Now()) {
		t.Errorf("connected %v, last message %v, want %v", connection.ConnectedAt(), connection.LastMessageAt(), fake.Now())
	}
	fake.Advance(time.Minute)
	writeMessage(t, client, NewMessage("w1", &Heartbeat{Sequence: 1}))
	testutil.RequireReceive(t, received, testutil.DefaultTimeout, "heartbeat")
	if !connection.LastMessageAt().Equal(fake.Now()) {
		t.Errorf("LastMessageAt = %v, want %v", connection.LastMessageAt(), fake.Now())
	}
}
