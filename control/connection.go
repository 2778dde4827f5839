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

	"github.com/bureau-foundation/warden/lib/clock"
	"github.com/bureau-foundation/warden/lib/frame"
	"github.com/bureau-foundation/warden/lib/netutil"
	"github.com/bureau-foundation/warden/lib/peercred"
)

// DefaultWriteTimeout bounds a single frame write. A worker that stops
// reading its socket makes sends fail instead of blocking forever.
const DefaultWriteTimeout = 10 * time.Second

// ConnectionHandlers receive a connection's events. Both run on the
// connection's read goroutine, so a handler that blocks stalls that
// worker's channel (and only that worker's).
type ConnectionHandlers struct {
	// Message is called for each decoded message, in arrival order.
	Message func(*Connection, Message)

	// Disconnected is called once when the read loop ends because the
	// peer went away or the stream failed. It is not called when the
	// connection is closed locally.
	Disconnected func(*Connection, error)
}

// ConnectionConfig holds the parameters for NewConnection.
type ConnectionConfig struct {
	// WorkerID is the worker the channel is bound to. Required.
	WorkerID string

	// Conn is the accepted channel. Required. The Connection owns it
	// from here on.
	Conn net.Conn

	// Peer is the kernel-reported identity of the connecting process.
	Peer peercred.Credentials

	// Handlers receive events. May be zero.
	Handlers ConnectionHandlers

	// WriteTimeout bounds each send. Zero selects
	// DefaultWriteTimeout; negative disables the deadline. A send
	// that fails or times out ends the connection, since a partial
	// frame leaves the stream unusable.
	WriteTimeout time.Duration

	// Clock stamps the connect and last-message times. Defaults to
	// clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Connection owns one live control channel to one worker. It runs a
// single reader (ReadLoop) and serializes writers (Send and the
// Send* helpers). Close is idempotent and detaches the handlers
// before tearing anything down, so no event is raised once disposal
// has begun.
type Connection struct {
	workerID     string
	conn         net.Conn
	peer         peercred.Credentials
	logger       *slog.Logger
	clock        clock.Clock
	writeTimeout time.Duration

	connectedAt       time.Time
	lastMessageAt     atomic.Int64
	heartbeatSequence atomic.Uint64

	// writeMutex admits one frame write at a time.
	writeMutex sync.Mutex

	// writeFailure is the error of the write that killed the
	// connection, reported as the disconnect cause.
	writeFailure atomic.Pointer[error]

	live     atomic.Bool
	closing  atomic.Bool
	reading  atomic.Bool
	handlers atomic.Pointer[ConnectionHandlers]

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an accepted channel. The connection is live
// immediately; call ReadLoop to start receiving.
func NewConnection(config ConnectionConfig) *Connection {
	if config.Conn == nil {
		panic("control.NewConnection: nil Conn")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	source := config.Clock
	if source == nil {
		source = clock.Real()
	}

	now := source.Now()
	connection := &Connection{
		workerID:     config.WorkerID,
		conn:         config.Conn,
		peer:         config.Peer,
		logger:       logger,
		clock:        source,
		writeTimeout: writeTimeout,
		connectedAt:  now,
		done:         make(chan struct{}),
	}
	connection.lastMessageAt.Store(now.UnixNano())
	handlers := config.Handlers
	connection.handlers.Store(&handlers)
	connection.live.Store(true)
	return connection
}

// WorkerID returns the worker the channel is bound to.
func (c *Connection) WorkerID() string { return c.workerID }

// Peer returns the connecting process's credentials.
func (c *Connection) Peer() peercred.Credentials { return c.peer }

// ConnectedAt returns when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastMessageAt returns when the last valid message arrived, or the
// connect time if none has.
func (c *Connection) LastMessageAt() time.Time {
	return time.Unix(0, c.lastMessageAt.Load())
}

// HeartbeatSequence returns the sequence number of the last heartbeat
// this side sent.
func (c *Connection) HeartbeatSequence() uint64 { return c.heartbeatSequence.Load() }

// IsLive reports whether the channel is still usable for sends.
func (c *Connection) IsLive() bool { return c.live.Load() }

// Done is closed once the read loop has exited, or on Close if the
// read loop was never started.
func (c *Connection) Done() <-chan struct{} { return c.done }

// ReadLoop reads and dispatches messages until the peer disconnects,
// the stream fails, ctx is cancelled, or Close is called. Only one
// ReadLoop may run per connection; a second call returns
// ErrReadLoopRunning.
//
// Protocol violations (a bad frame length, an undecodable payload) are
// answered with an error message and the loop continues. The returned
// error is nil for an ordinary disconnect or local close.
func (c *Connection) ReadLoop(ctx context.Context) error {
	if !c.reading.CompareAndSwap(false, true) {
		if c.closing.Load() {
			return nil
		}
		return ErrReadLoopRunning
	}
	defer close(c.done)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	var cause error
	for {
		payload, err := frame.Read(c.conn, MaxMessageSize)
		if err != nil {
			var lengthError *frame.LengthError
			if errors.As(err, &lengthError) {
				code := ErrorFrameTooLarge
				if lengthError.Length == 0 {
					code = ErrorEmptyFrame
				}
				c.logger.Warn("rejected control frame",
					"worker_id", c.workerID,
					"length", lengthError.Length,
					"code", code,
				)
				c.replyError(code, lengthError.Error(), "")
				continue
			}
			cause = err
			break
		}

		message, err := Unmarshal(payload)
		if err != nil {
			c.logger.Warn("rejected control message",
				"worker_id", c.workerID,
				"error", err,
			)
			c.replyError(ErrorMalformedMessage, err.Error(), "")
			continue
		}

		c.lastMessageAt.Store(c.clock.Now().UnixNano())
		c.dispatchMessage(message)
	}

	c.live.Store(false)
	if c.closing.Load() {
		c.Close()
		return nil
	}

	if failure := c.writeFailure.Load(); failure != nil {
		cause = *failure
		c.logger.Warn("control channel dropped after failed write", "worker_id", c.workerID, "error", cause)
	} else if netutil.IsExpectedCloseError(cause) {
		c.logger.Info("control channel closed by peer", "worker_id", c.workerID)
		cause = nil
	} else {
		c.logger.Warn("control channel read failed", "worker_id", c.workerID, "error", cause)
	}
	c.dispatchDisconnected(cause)
	c.Close()
	return cause
}

// Send serializes, frames, and writes message as one exclusive write.
// It returns ErrNotConnected if the connection is not live and wraps
// ErrSendFailed if encoding or writing fails. A failed write may have
// left part of a frame on the stream, so it also takes the connection
// down: later sends return ErrNotConnected and the read loop reports
// the write error as its disconnect cause. Sends are best effort: a
// nil error means the frame reached the kernel, not the worker.
func (c *Connection) Send(message Message) error {
	if !c.live.Load() {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.workerID)
	}
	payload, err := Marshal(message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	framed, err := frame.Encode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if !c.live.Load() {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.workerID)
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(framed); err != nil {
		c.logger.Warn("control channel write failed",
			"worker_id", c.workerID,
			"type", message.Type(),
			"error", err,
		)
		c.failWrite(err)
		return fmt.Errorf("%w: writing %s message to %s: %w", ErrSendFailed, message.Type(), c.workerID, err)
	}
	return nil
}

// failWrite marks the connection dead after a write error and closes
// the socket so the read loop exits. Unlike Close it leaves the
// handlers attached, so Disconnected still fires. Caller holds
// writeMutex.
func (c *Connection) failWrite(err error) {
	if !c.live.Swap(false) {
		return
	}
	c.writeFailure.CompareAndSwap(nil, &err)
	c.conn.Close()
}

// SendCommand sends a command and returns the id of the message so
// the caller can match the worker's Acknowledge.
func (c *Connection) SendCommand(kind CommandKind, payload string, timeout time.Duration) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, kind)
	}
	message := NewMessage(c.workerID, &Command{Kind: kind, Payload: payload, Timeout: timeout})
	if err := c.Send(message); err != nil {
		return "", err
	}
	return message.ID, nil
}

// SendInput forwards text to the worker's managed process.
func (c *Connection) SendInput(text string) error {
	return c.Send(NewMessage(c.workerID, &Input{Data: text}))
}

// SendHeartbeat sends the next heartbeat in this connection's sequence.
func (c *Connection) SendHeartbeat() error {
	sequence := c.heartbeatSequence.Add(1)
	return c.Send(NewMessage(c.workerID, &Heartbeat{Sequence: sequence}))
}

// SendShutdown asks the worker to stop within gracefulTimeout.
func (c *Connection) SendShutdown(gracefulTimeout time.Duration, reason string) error {
	return c.Send(NewMessage(c.workerID, &Shutdown{GracefulTimeout: gracefulTimeout, Reason: reason}))
}

// SendError reports an error to the worker.
func (c *Connection) SendError(code ErrorCode, text string, fatal bool) error {
	return c.Send(NewMessage(c.workerID, &ErrorReport{Code: code, Message: text, Fatal: fatal}))
}

// replyError sends a non-fatal error, correlated with the offending
// message when it had an id. Failures are logged only: the read loop
// keeps going either way.
func (c *Connection) replyError(code ErrorCode, text, correlationID string) {
	message := NewMessage(c.workerID, &ErrorReport{Code: code, Message: text})
	message.CorrelationID = correlationID
	if err := c.Send(message); err != nil {
		c.logger.Debug("error reply not delivered", "worker_id", c.workerID, "code", code, "error", err)
	}
}

// Close detaches the handlers, marks the connection dead, and closes
// the channel, which unblocks a pending read. Safe to call any number
// of times and from any goroutine, including a handler.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.handlers.Store(nil)
		c.live.Store(false)
		err = c.conn.Close()
		if c.reading.CompareAndSwap(false, true) {
			// Never started: nothing else will close done.
			close(c.done)
		}
		if netutil.IsExpectedCloseError(err) {
			err = nil
		}
	})
	return err
}

func (c *Connection) dispatchMessage(message Message) {
	handlers := c.handlers.Load()
	if handlers == nil || handlers.Message == nil || c.closing.Load() {
		return
	}
	defer c.recoverHandler("message")
	handlers.Message(c, message)
}

func (c *Connection) dispatchDisconnected(cause error) {
	handlers := c.handlers.Load()
	if handlers == nil || handlers.Disconnected == nil || c.closing.Load() {
		return
	}
	defer c.recoverHandler("disconnected")
	handlers.Disconnected(c, cause)
}

// recoverHandler keeps a panicking handler from taking down the read
// loop.
func (c *Connection) recoverHandler(event string) {
	if recovered := recover(); recovered != nil {
		c.logger.Error("connection handler panicked",
			"worker_id", c.workerID,
			"event", event,
			"panic", recovered,
		)
	}
}
