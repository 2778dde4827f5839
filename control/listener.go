// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/bureau-foundation/warden/lib/netutil"
	"github.com/bureau-foundation/warden/lib/peercred"
)

// startListenerLocked launches the listening task for entry. Caller
// holds r.mutex and has set r.context.
func (r *Registry) startListenerLocked(entry *registration) {
	ctx, cancel := context.WithCancel(r.context)
	done := make(chan struct{})
	entry.cancel = cancel
	entry.done = done
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer close(done)
		r.listenLoop(ctx, entry)
	}()
}

// listenLoop keeps entry's channel bound until ctx is cancelled. The
// listener stays open across connections: each accepted peer replaces
// whatever connection the worker had, so a restarted worker can
// reconnect without waiting for the old channel to time out.
func (r *Registry) listenLoop(ctx context.Context, entry *registration) {
	logger := r.logger.With("worker_id", entry.workerID)
	for {
		err := r.serve(ctx, entry)
		if ctx.Err() != nil {
			return
		}

		backoff := r.config.UnexpectedErrorBackoff
		if isIOError(err) {
			backoff = r.config.IOErrorBackoff
		}
		logger.Warn("control channel listener failed, retrying",
			"socket_path", entry.socketPath,
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-r.config.Clock.After(backoff):
		}
	}
}

// serve binds the socket, applies the access policy, and accepts until
// ctx is cancelled or Accept fails. The socket file is removed on
// return, unless another listener has since bound the same path.
func (r *Registry) serve(ctx context.Context, entry *registration) error {
	listener, bound, err := r.bind(entry)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer func() {
		listener.Close()
		removeIfSame(entry.socketPath, bound)
	}()

	r.logger.Info("control channel listening",
		"worker_id", entry.workerID,
		"socket_path", entry.socketPath,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting on %s: %w", entry.socketPath, err)
		}
		r.accept(ctx, entry, conn)
	}
}

// bind creates the instance directory and listens on the worker's
// socket, replacing any stale socket file a crashed agent left behind.
// It returns the bound file's info so serve can tell its own socket
// from a successor's when cleaning up.
func (r *Registry) bind(entry *registration) (*net.UnixListener, os.FileInfo, error) {
	instanceDir := InstanceDir(r.config.RunDir, r.config.InstanceID)
	if err := os.MkdirAll(instanceDir, 0o711); err != nil {
		return nil, nil, fmt.Errorf("creating instance directory %s: %w", instanceDir, err)
	}
	// MkdirAll is subject to umask and leaves existing directories
	// alone. Workers must be able to traverse it.
	if err := os.Chmod(instanceDir, 0o711); err != nil {
		return nil, nil, fmt.Errorf("setting mode of %s: %w", instanceDir, err)
	}

	if err := os.Remove(entry.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("removing stale socket %s: %w", entry.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: entry.socketPath, Net: "unix"})
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", entry.socketPath, err)
	}
	// Close must not unlink by path: the path may belong to a newer
	// listener by then.
	listener.SetUnlinkOnClose(false)
	bound, err := os.Stat(entry.socketPath)
	if err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("checking socket %s: %w", entry.socketPath, err)
	}
	if err := entry.policy.Apply(entry.socketPath); err != nil {
		listener.Close()
		os.Remove(entry.socketPath)
		return nil, nil, err
	}
	return listener, bound, nil
}

// removeIfSame deletes path only if it is still the file described by
// bound.
func removeIfSame(path string, bound os.FileInfo) {
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(current, bound) {
		return
	}
	os.Remove(path)
}

// accept authorizes a new peer and installs it as the worker's active
// connection, disposing of the previous one.
func (r *Registry) accept(ctx context.Context, entry *registration, conn net.Conn) {
	// A peer whose credentials cannot be read is refused, including
	// on platforms without SO_PEERCRED.
	peer, err := peercred.FromConn(conn)
	if err != nil {
		r.logger.Warn("refusing control channel peer without credentials",
			"worker_id", entry.workerID,
			"error", err,
		)
		conn.Close()
		return
	}
	if err := entry.policy.Authorize(peer); err != nil {
		r.logger.Warn("rejected control channel peer",
			"worker_id", entry.workerID,
			"peer_uid", peer.UID,
			"peer_pid", peer.PID,
			"error", err,
		)
		conn.Close()
		return
	}

	connection := NewConnection(ConnectionConfig{
		WorkerID: entry.workerID,
		Conn:     conn,
		Peer:     peer,
		Handlers: ConnectionHandlers{
			Message:      r.handleMessage,
			Disconnected: r.handleDisconnected,
		},
		WriteTimeout: r.config.WriteTimeout,
		Clock:        r.config.Clock,
		Logger:       r.logger,
	})

	previous, installed := r.installConnection(entry, connection)
	if !installed {
		connection.Close()
		return
	}
	if previous != nil {
		r.logger.Info("replacing control connection",
			"worker_id", entry.workerID,
			"previous_connected_at", previous.ConnectedAt(),
		)
		previous.Close()
	}

	r.logger.Info("worker connected",
		"worker_id", entry.workerID,
		"peer_pid", peer.PID,
		"peer_uid", peer.UID,
		"role", entry.policy.Role(peer.UID),
	)

	go func() {
		defer r.tasks.Done()
		if err := connection.ReadLoop(ctx); err != nil {
			r.logger.Debug("read loop ended", "worker_id", entry.workerID, "error", err)
		}
	}()
}

func (r *Registry) handleDisconnected(connection *Connection, cause error) {
	if r.removeConnection(connection) {
		r.logger.Info("worker disconnected",
			"worker_id", connection.WorkerID(),
			"error", cause,
		)
	}
}

// handleMessage interprets one message from a worker and raises the
// matching event. Runs on the connection's read goroutine.
func (r *Registry) handleMessage(connection *Connection, message Message) {
	workerID := connection.WorkerID()
	if message.WorkerID != workerID {
		r.logger.Warn("dropping message for another worker",
			"worker_id", workerID,
			"message_worker_id", message.WorkerID,
			"type", message.Type(),
		)
		connection.replyError(ErrorWorkerIDMismatch,
			fmt.Sprintf("channel is bound to worker %q, message names %q", workerID, message.WorkerID),
			message.ID)
		return
	}

	switch body := message.Body.(type) {
	case *Output:
		if entry := r.registration(workerID); entry != nil {
			entry.history.Write([]byte(body.Data))
		}
		r.outputObservers.publish(r.logger, "output", OutputEvent{
			WorkerID:  workerID,
			Data:      body.Data,
			IsError:   body.IsError,
			Timestamp: message.Timestamp,
		})

	case *Status:
		previous := r.recordStatus(workerID, body, message.Timestamp)
		if !CanTransition(previous, body.State) {
			r.logger.Warn("unexpected worker state transition",
				"worker_id", workerID,
				"from", previous,
				"to", body.State,
			)
		}
		r.statusObservers.publish(r.logger, "status", StatusEvent{
			WorkerID:  workerID,
			Previous:  previous,
			Status:    *body,
			Timestamp: message.Timestamp,
		})

	case *Heartbeat:
		r.logger.Debug("worker heartbeat", "worker_id", workerID, "sequence", body.Sequence)

	case *Acknowledge:
		if body.Success {
			r.logger.Debug("command acknowledged", "worker_id", workerID, "message_id", body.MessageID)
		} else {
			r.logger.Warn("command failed",
				"worker_id", workerID,
				"message_id", body.MessageID,
				"error", body.Error,
			)
		}

	case *ErrorReport:
		if !body.Fatal {
			r.logger.Warn("worker reported error",
				"worker_id", workerID,
				"code", body.Code,
				"message", body.Message,
				"correlation_id", message.CorrelationID,
			)
			return
		}
		r.logger.Error("worker reported fatal error",
			"worker_id", workerID,
			"code", body.Code,
			"message", body.Message,
		)
		r.faultObservers.publish(r.logger, "fault", FaultEvent{
			WorkerID:  workerID,
			Code:      body.Code,
			Message:   body.Message,
			Timestamp: message.Timestamp,
		})

	default:
		r.logger.Warn("unexpected message from worker", "worker_id", workerID, "type", message.Type())
		connection.replyError(ErrorUnexpectedMessage,
			fmt.Sprintf("%s messages flow from agent to worker", message.Type()),
			message.ID)
	}
}

// recordStatus stores status as the worker's latest and returns the
// state it replaces.
func (r *Registry) recordStatus(workerID string, status *Status, at time.Time) WorkerState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	entry := r.registrations[workerID]
	if entry == nil {
		return ""
	}
	var previous WorkerState
	if entry.lastStatus != nil {
		previous = entry.lastStatus.State
	}
	stored := *status
	entry.lastStatus = &stored
	entry.statusAt = at
	return previous
}

// isIOError reports whether a listener failure came from the socket
// layer rather than from the policy or a programming error.
func isIOError(err error) bool {
	var opError *net.OpError
	var pathError *os.PathError
	return errors.As(err, &opError) || errors.As(err, &pathError) || netutil.IsTimeout(err)
}
