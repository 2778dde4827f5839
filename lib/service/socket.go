// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/peercred"
)

// ActionFunc processes a socket request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field).
// The handler decodes action-specific fields from this raw message.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// AuthorizeFunc decides whether a connecting peer may use the socket.
// A non-nil error is sent back as the response and the request is not
// read.
type AuthorizeFunc func(peer peercred.Credentials) error

// Response is the wire-format envelope for all socket protocol
// responses.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

type peerKey struct{}

// PeerFromContext returns the credentials of the process that sent the
// request being handled.
func PeerFromContext(ctx context.Context) (peercred.Credentials, bool) {
	peer, ok := ctx.Value(peerKey{}).(peercred.Credentials)
	return peer, ok
}

// SocketServer serves a CBOR request-response protocol on a Unix
// socket. Each connection handles exactly one request-response cycle:
// the client writes a CBOR value, the server processes it and writes
// a CBOR response, then the connection closes.
type SocketServer struct {
	socketPath string
	mode       os.FileMode
	group      int
	handlers   map[string]ActionFunc
	authorize  AuthorizeFunc
	logger     *slog.Logger

	// activeConnections tracks in-flight request handlers for graceful
	// shutdown.
	activeConnections sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSocketServer creates a server that will listen on socketPath.
// Register actions with Handle before calling Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		socketPath: socketPath,
		mode:       0o600,
		group:      -1,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// SetMode sets the permission bits applied to the socket file after
// binding. The default is 0600.
func (s *SocketServer) SetMode(mode os.FileMode) {
	s.mode = mode
}

// SetGroup sets the group owner of the socket file after binding.
// Changing it to a group the caller is not in requires root.
func (s *SocketServer) SetGroup(gid int) {
	s.group = gid
}

// SetAuthorizer installs a check run against every peer's kernel
// credentials before its request is read. Without one, every peer
// that can open the socket file is served.
func (s *SocketServer) SetAuthorizer(authorize AuthorizeFunc) {
	s.authorize = authorize
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the socket is bound and accepting.
func (s *SocketServer) Ready() <-chan struct{} { return s.ready }

// Serve accepts connections until ctx is cancelled, then waits for
// active handlers to complete. Any existing socket file at the
// configured path is removed before listening, and the socket file is
// removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if s.group >= 0 {
		if err := os.Chown(s.socketPath, -1, s.group); err != nil {
			return fmt.Errorf("setting group of %s: %w", s.socketPath, err)
		}
	}
	if err := os.Chmod(s.socketPath, s.mode); err != nil {
		return fmt.Errorf("setting mode of %s: %w", s.socketPath, err)
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("admin socket listening", "path", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds a single CBOR request. Requests carry at most
// one control message's worth of input text.
const maxRequestSize = 1024 * 1024

// handleConnection processes one request-response cycle.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer, err := peercred.FromConn(conn)
	if err != nil {
		s.logger.Warn("reading admin peer credentials failed", "error", err)
		s.writeError(conn, "peer credentials unavailable")
		return
	}
	if s.authorize != nil {
		if err := s.authorize(peer); err != nil {
			s.logger.Warn("rejected admin peer", "peer_uid", peer.UID, "peer_pid", peer.PID, "error", err)
			s.writeError(conn, err.Error())
			return
		}
	}
	ctx = context.WithValue(ctx, peerKey{}, peer)

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// CBOR is self-delimiting so no framing protocol is needed.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"peer_uid", peer.UID,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

// writeError sends a failure response: {ok: false, error: "..."}.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends {ok: true}, with result CBOR-encoded into "data"
// when non-nil.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
