// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/warden/lib/frame"
	"github.com/bureau-foundation/warden/lib/netutil"
)

// clientQueueDepth is how many received messages a Client buffers
// before its reader waits for the consumer.
const clientQueueDepth = 64

// Client is the worker end of a control channel. It delivers messages
// from the agent on Messages and answers heartbeats on its own, so a
// worker that only streams output still counts as alive.
type Client struct {
	conn     net.Conn
	workerID string
	logger   *slog.Logger

	writeMutex sync.Mutex
	messages   chan Message

	// writeFailure is set by the first failed write, after which the
	// channel is closed and no further writes are attempted.
	writeFailure atomic.Pointer[error]

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	err       error
}

// Dial connects to the channel at socketPath as workerID.
func Dial(ctx context.Context, socketPath, workerID string, logger *slog.Logger) (*Client, error) {
	if err := ValidateWorkerID(workerID); err != nil {
		return nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to control channel %s: %w", socketPath, err)
	}
	return NewClient(conn, workerID, logger), nil
}

// NewClient wraps an established channel and starts reading from it.
// The Client owns conn.
func NewClient(conn net.Conn, workerID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := &Client{
		conn:     conn,
		workerID: workerID,
		logger:   logger,
		messages: make(chan Message, clientQueueDepth),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go client.readLoop()
	return client
}

// WorkerID returns the id the client stamps on outgoing messages.
func (c *Client) WorkerID() string { return c.workerID }

// Messages delivers messages from the agent in arrival order. It is
// closed when the channel ends; Err then reports why.
func (c *Client) Messages() <-chan Message { return c.messages }

// Done is closed once the reader has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the channel, nil for a clean close
// or while the channel is still open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send wraps body in a fresh envelope and writes it. It returns the
// envelope so the caller can correlate replies with its ID.
func (c *Client) Send(body Body) (Message, error) {
	message := NewMessage(c.workerID, body)
	return message, c.write(message)
}

// Reply sends body correlated with the message it answers.
func (c *Client) Reply(correlationID string, body Body) error {
	message := NewMessage(c.workerID, body)
	message.CorrelationID = correlationID
	return c.write(message)
}

// SendOutput streams a chunk of the managed process's output.
func (c *Client) SendOutput(data string, isError bool) error {
	_, err := c.Send(&Output{Data: data, IsError: isError})
	return err
}

// SendStatus reports a lifecycle change.
func (c *Client) SendStatus(status Status) error {
	_, err := c.Send(&status)
	return err
}

// SendHeartbeat sends a heartbeat with the given sequence number.
func (c *Client) SendHeartbeat(sequence uint64) error {
	_, err := c.Send(&Heartbeat{Sequence: sequence})
	return err
}

// Acknowledge answers a command. An empty errText with success false
// is allowed but gives the agent nothing to log.
func (c *Client) Acknowledge(command Message, success bool, errText string) error {
	return c.Reply(command.ID, &Acknowledge{MessageID: command.ID, Success: success, Error: errText})
}

// Close closes the channel. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		if netutil.IsExpectedCloseError(err) {
			err = nil
		}
	})
	return err
}

func (c *Client) write(message Message) error {
	payload, err := Marshal(message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if failure := c.writeFailure.Load(); failure != nil {
		return fmt.Errorf("%w: channel broken by earlier write: %w", ErrNotConnected, *failure)
	}
	c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := frame.Write(c.conn, payload); err != nil {
		// The stream may hold a partial frame; it cannot be reused.
		c.writeFailure.Store(&err)
		c.conn.Close()
		return fmt.Errorf("%w: writing %s message: %w", ErrSendFailed, message.Type(), err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		payload, err := frame.Read(c.conn, MaxMessageSize)
		if err != nil {
			var lengthError *frame.LengthError
			if errors.As(err, &lengthError) {
				c.logger.Warn("rejected control frame from agent", "length", lengthError.Length)
				continue
			}
			if failure := c.writeFailure.Load(); failure != nil {
				c.err = *failure
			} else if !netutil.IsExpectedCloseError(err) {
				c.err = err
			}
			return
		}

		message, err := Unmarshal(payload)
		if err != nil {
			c.logger.Warn("rejected control message from agent", "error", err)
			c.replyError(ErrorMalformedMessage, err.Error(), "")
			continue
		}

		if heartbeat, ok := message.Body.(*Heartbeat); ok {
			if err := c.Reply(message.ID, &Heartbeat{Sequence: heartbeat.Sequence}); err != nil {
				c.logger.Debug("heartbeat reply not delivered", "error", err)
			}
		}

		select {
		case c.messages <- message:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) replyError(code ErrorCode, text, correlationID string) {
	if err := c.Reply(correlationID, &ErrorReport{Code: code, Message: text}); err != nil {
		c.logger.Debug("error reply not delivered", "code", code, "error", err)
	}
}
